package toolchain

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
	"github.com/zeebo/blake3"
)

// RecordName is the completion record written into a toolchain home after a
// successful extraction.
const RecordName = ".wasibuild-complete.json"

// Record describes a finished extraction. It is written atomically, so a
// present record is never half written.
type Record struct {
	Toolchain     string    `json:"toolchain"`
	Version       string    `json:"version"`
	Platform      string    `json:"platform"`
	ArchiveBlake3 string    `json:"archive_blake3"`
	CompletedAt   time.Time `json:"completed_at"`
}

// HashFile returns the hex BLAKE3 digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s for hashing: %w", path, err)
	}
	defer f.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func writeRecord(home string, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(filepath.Join(home, RecordName), bytes.NewReader(data))
}

// readRecord returns nil when no record exists or it cannot be parsed.
func readRecord(home string) *Record {
	data, err := os.ReadFile(filepath.Join(home, RecordName))
	if err != nil {
		return nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil
	}
	return &rec
}

// extracted reports whether home holds a finished extraction of the archive
// with the given digest for this toolchain version and platform: the marker
// exists and the record matches all three.
func extracted(home string, spec Spec, platform Platform, digest string) bool {
	if spec.Marker != "" {
		if _, err := os.Stat(filepath.Join(home, filepath.FromSlash(spec.Marker))); err != nil {
			return false
		}
	}
	rec := readRecord(home)
	return rec != nil &&
		rec.ArchiveBlake3 == digest &&
		rec.Version == spec.Version &&
		rec.Platform == platform.String()
}
