package sandbox

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/harunnryd/wasibuild/internal/pathutil"

	experimentalsys "github.com/tetratelabs/wazero/experimental/sys"
	"github.com/tetratelabs/wazero/experimental/sysfs"
	"github.com/tetratelabs/wazero/sys"
)

// confinedFS wraps a host directory filesystem and refuses any path that
// resolves outside the directory, whether through "..", an absolute symlink
// or a relative one that climbs out. Refusals surface to the guest as EPERM.
type confinedFS struct {
	experimentalsys.FS
	root string
}

// newConfinedFS returns the guest filesystem for one mount.
func newConfinedFS(m Mount) (experimentalsys.FS, error) {
	root, err := filepath.Abs(m.HostDir)
	if err != nil {
		return nil, err
	}
	if root, err = filepath.EvalSymlinks(root); err != nil {
		return nil, err
	}
	var fsys experimentalsys.FS = &confinedFS{FS: sysfs.DirFS(root), root: root}
	if m.ReadOnly {
		fsys = &sysfs.ReadFS{FS: fsys}
	}
	return fsys, nil
}

// confine checks that p stays inside the root. Symlinks are followed for
// every component but the last unless followLast is set.
func (c *confinedFS) confine(p string, followLast bool) experimentalsys.Errno {
	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return experimentalsys.EPERM
	}
	host := filepath.Join(c.root, filepath.FromSlash(cleaned))
	if !followLast && host != c.root {
		host = filepath.Dir(host)
	}

	for {
		resolved, err := filepath.EvalSymlinks(host)
		if err == nil {
			if !c.contains(resolved) {
				return experimentalsys.EPERM
			}
			return 0
		}
		// A dangling symlink could point anywhere once its target appears.
		if info, lerr := os.Lstat(host); lerr == nil && info.Mode()&fs.ModeSymlink != 0 {
			return experimentalsys.EPERM
		}
		if host == c.root {
			return 0
		}
		host = filepath.Dir(host)
	}
}

func (c *confinedFS) contains(p string) bool {
	return pathutil.HostWithin(c.root, p)
}

func (c *confinedFS) OpenFile(p string, flag experimentalsys.Oflag, perm fs.FileMode) (experimentalsys.File, experimentalsys.Errno) {
	if errno := c.confine(p, true); errno != 0 {
		return nil, errno
	}
	return c.FS.OpenFile(p, flag, perm)
}

func (c *confinedFS) Lstat(p string) (sys.Stat_t, experimentalsys.Errno) {
	if errno := c.confine(p, false); errno != 0 {
		return sys.Stat_t{}, errno
	}
	return c.FS.Lstat(p)
}

func (c *confinedFS) Stat(p string) (sys.Stat_t, experimentalsys.Errno) {
	if errno := c.confine(p, true); errno != 0 {
		return sys.Stat_t{}, errno
	}
	return c.FS.Stat(p)
}

func (c *confinedFS) Mkdir(p string, perm fs.FileMode) experimentalsys.Errno {
	if errno := c.confine(p, false); errno != 0 {
		return errno
	}
	return c.FS.Mkdir(p, perm)
}

func (c *confinedFS) Chmod(p string, perm fs.FileMode) experimentalsys.Errno {
	if errno := c.confine(p, true); errno != 0 {
		return errno
	}
	return c.FS.Chmod(p, perm)
}

func (c *confinedFS) Rename(from, to string) experimentalsys.Errno {
	if errno := c.confine(from, false); errno != 0 {
		return errno
	}
	if errno := c.confine(to, false); errno != 0 {
		return errno
	}
	return c.FS.Rename(from, to)
}

func (c *confinedFS) Rmdir(p string) experimentalsys.Errno {
	if errno := c.confine(p, false); errno != 0 {
		return errno
	}
	return c.FS.Rmdir(p)
}

func (c *confinedFS) Unlink(p string) experimentalsys.Errno {
	if errno := c.confine(p, false); errno != 0 {
		return errno
	}
	return c.FS.Unlink(p)
}

func (c *confinedFS) Link(oldPath, newPath string) experimentalsys.Errno {
	if errno := c.confine(oldPath, false); errno != 0 {
		return errno
	}
	if errno := c.confine(newPath, false); errno != 0 {
		return errno
	}
	return c.FS.Link(oldPath, newPath)
}

// Symlink refuses to create links whose target would leave the root.
func (c *confinedFS) Symlink(oldPath, linkName string) experimentalsys.Errno {
	if errno := c.confine(linkName, false); errno != 0 {
		return errno
	}
	if path.IsAbs(oldPath) {
		return experimentalsys.EPERM
	}
	// Resolve against links already on the host so "l/.." is judged by
	// where l really points.
	parent, ok := pathutil.ResolveIn(c.root, c.root, path.Dir(path.Clean(linkName)))
	if !ok {
		return experimentalsys.EPERM
	}
	if _, ok := pathutil.ResolveIn(c.root, parent, oldPath); !ok {
		return experimentalsys.EPERM
	}
	return c.FS.Symlink(oldPath, linkName)
}

func (c *confinedFS) Readlink(p string) (string, experimentalsys.Errno) {
	if errno := c.confine(p, false); errno != 0 {
		return "", errno
	}
	return c.FS.Readlink(p)
}

func (c *confinedFS) Utimens(p string, atim, mtim int64) experimentalsys.Errno {
	if errno := c.confine(p, true); errno != 0 {
		return errno
	}
	return c.FS.Utimens(p, atim, mtim)
}
