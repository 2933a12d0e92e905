package toolchain

import (
	"fmt"
	"strings"

	"github.com/harunnryd/wasibuild/internal/config"
	"github.com/harunnryd/wasibuild/internal/errors"
)

// Spec identifies one downloadable toolchain.
type Spec struct {
	Name        string
	Version     string
	URLTemplate string
	// Marker is a slash-separated path inside the extracted tree whose
	// presence shows extraction ran, e.g. "bin/go".
	Marker      string
	OverrideEnv string
	// SHA256 is the expected hex digest of the archive. Empty skips the check.
	SHA256    string
	Platforms map[string]string
}

// SpecFromConfig builds a Spec for the named toolchain. The Go toolchain
// falls back to the built-in platform table.
func SpecFromConfig(name string, tc config.ToolchainConfig) Spec {
	platforms := tc.Platforms
	if len(platforms) == 0 && name == config.DefaultGoToolchain {
		platforms = GoPlatforms
	}
	return Spec{
		Name:        name,
		Version:     tc.Version,
		URLTemplate: tc.URL,
		Marker:      tc.Marker,
		OverrideEnv: tc.OverrideEnv,
		SHA256:      strings.ToLower(strings.TrimSpace(tc.SHA256)),
		Platforms:   platforms,
	}
}

// Suffix looks the platform up in the fixed download table.
func (s Spec) Suffix(p Platform) (string, error) {
	suffix, ok := s.Platforms[p.String()]
	if !ok {
		return "", &errors.UnsupportedPlatformError{OS: p.OS, Arch: p.Arch}
	}
	return suffix, nil
}

// URL expands {version} and {suffix} in the URL template.
func (s Spec) URL(suffix string) string {
	return strings.NewReplacer("{version}", s.Version, "{suffix}", suffix).Replace(s.URLTemplate)
}

// HomeName is the cache directory for this version on platform p. Each
// version and platform gets its own tree, so acquiring for another target
// never overwrites the host's toolchain.
func (s Spec) HomeName(p Platform) string {
	return fmt.Sprintf("%s-%s-%s-%s", s.Name, s.Version, p.OS, p.Arch)
}

// ArchiveName is the file the download is stored under.
func (s Spec) ArchiveName() string {
	return s.Name + ".tar.gz"
}
