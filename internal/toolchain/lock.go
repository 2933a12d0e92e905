package toolchain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// FileLock serializes cache population for one toolchain across processes.
type FileLock struct {
	fileLock   *flock.Flock
	lockPath   string
	acquiredAt time.Time
	mu         sync.Mutex
}

// LockConfig bounds how long Acquire waits for another process.
type LockConfig struct {
	Timeout time.Duration
	Retry   time.Duration
}

// Lock acquires an exclusive lock on lockPath, polling every cfg.Retry until
// cfg.Timeout or ctx ends.
func Lock(ctx context.Context, lockPath string, cfg LockConfig) (*FileLock, error) {
	if cfg.Retry <= 0 {
		cfg.Retry = 250 * time.Millisecond
	}
	lockCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	fileLock := flock.New(lockPath)
	locked, err := fileLock.TryLockContext(lockCtx, cfg.Retry)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("lock %s: %w", lockPath, ctxErr)
		}
		if lockCtx.Err() != nil {
			return nil, fmt.Errorf("%s is held by another process (timeout after %v)", lockPath, cfg.Timeout)
		}
		return nil, fmt.Errorf("failed to attempt lock %s: %w", lockPath, err)
	}
	if !locked {
		return nil, fmt.Errorf("%s is held by another process", lockPath)
	}

	fl := &FileLock{
		fileLock:   fileLock,
		lockPath:   lockPath,
		acquiredAt: time.Now(),
	}
	slog.Debug("Cache lock acquired", "path", lockPath)
	return fl, nil
}

func (fl *FileLock) Unlock() {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.fileLock == nil {
		return
	}

	held := time.Since(fl.acquiredAt)
	if err := fl.fileLock.Unlock(); err != nil {
		slog.Error("Failed to release cache lock", "path", fl.lockPath, "error", err)
	} else {
		slog.Debug("Cache lock released", "path", fl.lockPath, "held_duration_ms", held.Milliseconds())
	}
	fl.fileLock = nil
}

func (fl *FileLock) IsLocked() bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.fileLock != nil
}
