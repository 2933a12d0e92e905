package pathutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// maxLinkHops bounds symlink chains followed by ResolveIn.
const maxLinkHops = 40

// ResolveIn walks the slash-separated relative path rel from the host
// directory dir, one component at a time, following symlinks that already
// exist on disk. It returns the host path rel lands on and false as soon as
// any step leaves root, or a link is absolute or too deep. Components that do
// not exist yet are taken literally.
//
// root and dir must be absolute and free of symlinks, and dir must lie in
// root. Unlike a lexical join, "l/.." where l is a link is evaluated against
// the link's target.
func ResolveIn(root, dir, rel string) (string, bool) {
	return resolveIn(root, dir, rel, 0)
}

func resolveIn(root, dir, rel string, hops int) (string, bool) {
	if !HostWithin(root, dir) {
		return "", false
	}
	cur := dir
	for _, part := range strings.Split(rel, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			cur = filepath.Dir(cur)
		default:
			next := filepath.Join(cur, part)
			if info, err := os.Lstat(next); err == nil && info.Mode()&fs.ModeSymlink != 0 {
				if hops >= maxLinkHops {
					return "", false
				}
				link, err := os.Readlink(next)
				if err != nil || filepath.IsAbs(link) || strings.HasPrefix(link, "/") {
					return "", false
				}
				var ok bool
				if next, ok = resolveIn(root, cur, filepath.ToSlash(link), hops+1); !ok {
					return "", false
				}
			}
			cur = next
		}
		if !HostWithin(root, cur) {
			return "", false
		}
	}
	return cur, true
}

// HostWithin reports whether the host path p equals root or lies below it.
func HostWithin(root, p string) bool {
	return p == root || strings.HasPrefix(p, root+string(os.PathSeparator))
}
