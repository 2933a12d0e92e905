// Package toolchain downloads, verifies and unpacks external compiler
// toolchains into a local cache directory. Population is idempotent and
// serialized across processes with a file lock.
package toolchain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/harunnryd/wasibuild/internal/config"
	"github.com/harunnryd/wasibuild/internal/errors"
	"github.com/harunnryd/wasibuild/internal/fetch"
	"github.com/harunnryd/wasibuild/internal/process"

	"github.com/dustin/go-humanize"
)

const partialSuffix = ".partial"

// Toolchain is a resolved, usable toolchain directory.
type Toolchain struct {
	Name     string
	Version  string
	Platform Platform
	Home     string
	Marker   string
	// Overridden is true when Home came from the override environment
	// variable and the cache was not touched.
	Overridden bool
}

// Cache populates <Root>/<name>-<version>-<os>-<arch> directories.
type Cache struct {
	Root      string
	Getter    fetch.Getter
	Extractor Extractor
	Lock      LockConfig
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// NewCache wires a Cache from configuration.
func NewCache(cfg *config.Config, getter fetch.Getter, runner process.Runner) (*Cache, error) {
	extractor, err := NewExtractor(cfg.Cache.Extractor, runner)
	if err != nil {
		return nil, err
	}
	timeout, retry, err := cfg.Cache.LockTiming()
	if err != nil {
		return nil, errors.WrapWithCategory(err, "cache config", errors.ErrConfig)
	}
	return &Cache{
		Root:      cfg.OutputDir,
		Getter:    getter,
		Extractor: extractor,
		Lock:      LockConfig{Timeout: timeout, Retry: retry},
	}, nil
}

// Acquire returns a toolchain for the platform, downloading and extracting it
// on first use. Later calls with the same Root do no network I/O.
func (c *Cache) Acquire(ctx context.Context, spec Spec, platform Platform) (*Toolchain, error) {
	log := slog.With("toolchain", spec.Name, "version", spec.Version, "platform", platform.String())

	if tc, ok, err := c.override(spec, platform); ok || err != nil {
		if err == nil {
			log.Info("Using toolchain from environment", "env", spec.OverrideEnv, "home", tc.Home)
		}
		return tc, err
	}

	suffix, err := spec.Suffix(platform)
	if err != nil {
		return nil, err
	}

	home := filepath.Join(c.Root, spec.HomeName(platform))
	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, fmt.Errorf("create toolchain directory %s: %w", home, err)
	}

	lock, err := Lock(ctx, home+".lock", c.Lock)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	archive := filepath.Join(home, spec.ArchiveName())
	if _, err := os.Stat(archive); err == nil {
		log.Debug("Archive already present", "path", archive)
	} else {
		if err := c.download(ctx, spec.URL(suffix), archive, spec.SHA256, log); err != nil {
			return nil, err
		}
	}

	digest, err := HashFile(archive)
	if err != nil {
		return nil, err
	}

	if extracted(home, spec, platform, digest) {
		log.Debug("Toolchain already extracted", "home", home)
	} else {
		log.Info("Extracting toolchain", "archive", archive, "home", home)
		if err := c.Extractor.Extract(ctx, archive, home); err != nil {
			return nil, err
		}
		if spec.Marker != "" {
			if _, err := os.Stat(filepath.Join(home, filepath.FromSlash(spec.Marker))); err != nil {
				return nil, errors.WrapWithCategory(err, "extracted tree is missing "+spec.Marker, errors.ErrExtraction)
			}
		}
		rec := Record{
			Toolchain:     spec.Name,
			Version:       spec.Version,
			Platform:      platform.String(),
			ArchiveBlake3: digest,
			CompletedAt:   time.Now().UTC(),
		}
		if err := writeRecord(home, rec); err != nil {
			return nil, fmt.Errorf("write completion record: %w", err)
		}
	}

	return &Toolchain{
		Name:     spec.Name,
		Version:  spec.Version,
		Platform: platform,
		Home:     home,
		Marker:   spec.Marker,
	}, nil
}

func (c *Cache) override(spec Spec, platform Platform) (*Toolchain, bool, error) {
	if spec.OverrideEnv == "" {
		return nil, false, nil
	}
	lookup := c.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	home, ok := lookup(spec.OverrideEnv)
	if !ok || home == "" {
		return nil, false, nil
	}
	if _, err := os.Stat(home); err != nil {
		return nil, true, errors.Config(fmt.Sprintf("toolchain not installed in specified path %s (from %s)", home, spec.OverrideEnv))
	}
	return &Toolchain{
		Name:       spec.Name,
		Version:    spec.Version,
		Platform:   platform,
		Home:       home,
		Marker:     spec.Marker,
		Overridden: true,
	}, true, nil
}

// download streams url into a .partial sibling of dest and renames it into
// place once the body is complete and its checksum matched.
func (c *Cache) download(ctx context.Context, url, dest, wantSHA256 string, log *slog.Logger) error {
	if c.Getter == nil {
		return errors.Config("toolchain cache has no fetcher")
	}
	log.Info("Downloading toolchain", "url", url)
	start := time.Now()

	body, err := c.Getter.Get(ctx, url)
	if err != nil {
		return err
	}
	defer body.Close()

	partial := dest + partialSuffix
	out, err := os.Create(partial)
	if err != nil {
		return fmt.Errorf("create %s: %w", partial, err)
	}

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, hasher), body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(partial)
		return fmt.Errorf("download %s: %w", url, err)
	}

	if wantSHA256 != "" {
		got := hex.EncodeToString(hasher.Sum(nil))
		if got != wantSHA256 {
			_ = os.Remove(partial)
			return fmt.Errorf("archive %s sha256 %s, want %s: %w", url, got, wantSHA256, errors.ErrIntegrity)
		}
	}

	if err := os.Rename(partial, dest); err != nil {
		return fmt.Errorf("move archive into place: %w", err)
	}
	log.Info("Downloaded toolchain", "size", humanize.Bytes(uint64(n)), "duration", time.Since(start).Round(time.Millisecond))
	return nil
}
