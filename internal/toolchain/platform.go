package toolchain

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/harunnryd/wasibuild/internal/errors"
)

// Platform is a host (OS, architecture) tuple in Go's GOOS/GOARCH terms.
type Platform struct {
	OS   string
	Arch string
}

func Current() Platform {
	return Platform{OS: runtime.GOOS, Arch: runtime.GOARCH}
}

func (p Platform) String() string {
	return p.OS + "/" + p.Arch
}

// ParsePlatform parses "os/arch".
func ParsePlatform(s string) (Platform, error) {
	osName, arch, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || osName == "" || arch == "" {
		return Platform{}, errors.Config(fmt.Sprintf("platform %q must be os/arch", s))
	}
	return Platform{OS: osName, Arch: arch}, nil
}

// GoPlatforms maps host platforms to the suffix of the official Go
// distribution archive. Only tar.gz distributions are listed; Windows ships
// zip archives and is not supported.
var GoPlatforms = map[string]string{
	"linux/amd64":   ".linux-amd64",
	"linux/386":     ".linux-386",
	"linux/arm64":   ".linux-arm64",
	"linux/arm":     ".linux-armv6l",
	"linux/ppc64le": ".linux-ppc64le",
	"linux/s390x":   ".linux-s390x",
	"darwin/amd64":  ".darwin-amd64",
	"darwin/arm64":  ".darwin-arm64",
	"freebsd/amd64": ".freebsd-amd64",
	"freebsd/386":   ".freebsd-386",
}

// PlatformNames returns the keys of a platform table in sorted order.
func PlatformNames(table map[string]string) []string {
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
