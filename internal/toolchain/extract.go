package toolchain

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/harunnryd/wasibuild/internal/config"
	"github.com/harunnryd/wasibuild/internal/errors"
	"github.com/harunnryd/wasibuild/internal/pathutil"
	"github.com/harunnryd/wasibuild/internal/process"

	"github.com/klauspost/compress/gzip"
)

// StripComponents is the number of leading path elements removed from every
// archive entry. Distributions wrap their tree in one top-level directory.
const StripComponents = 1

// Extractor unpacks a gzip-compressed tar archive into dest.
type Extractor interface {
	Extract(ctx context.Context, archive, dest string) error
}

// NewExtractor returns the extractor selected by cache.extractor.
func NewExtractor(kind string, runner process.Runner) (Extractor, error) {
	switch kind {
	case "", config.ExtractorTar:
		return &TarExtractor{Runner: runner}, nil
	case config.ExtractorNative:
		return &NativeExtractor{}, nil
	default:
		return nil, errors.Config(fmt.Sprintf("unknown extractor %q", kind))
	}
}

// TarExtractor shells out to the system tar.
type TarExtractor struct {
	Runner process.Runner
	// Binary defaults to "tar".
	Binary string
}

func (e *TarExtractor) Extract(ctx context.Context, archive, dest string) error {
	runner := e.Runner
	if runner == nil {
		runner = process.ExecRunner{}
	}
	binary := e.Binary
	if binary == "" {
		binary = "tar"
	}

	res, err := runner.Run(ctx, process.Command{
		Name: binary,
		Args: []string{"-xzf", archive, "--strip-components", strconv.Itoa(StripComponents)},
		Dir:  dest,
	})
	if err != nil {
		return &errors.ProcessError{Op: "extract", Stderr: strings.TrimSpace(string(res.Stderr)), Err: err}
	}
	return nil
}

// NativeExtractor unpacks in process. Entries that would land outside dest
// are rejected.
type NativeExtractor struct{}

func (e *NativeExtractor) Extract(ctx context.Context, archive, dest string) error {
	if err := e.extract(ctx, archive, dest); err != nil {
		return errors.WrapWithCategory(err, "extract "+filepath.Base(archive), errors.ErrExtraction)
	}
	return nil
}

func (e *NativeExtractor) extract(ctx context.Context, archive, dest string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	gzr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzr.Close()

	root, err := filepath.Abs(dest)
	if err != nil {
		return err
	}
	if root, err = filepath.EvalSymlinks(root); err != nil {
		return err
	}
	// Every write goes through dest as an os.Root, so no symlink laid down
	// by an earlier entry can redirect a later one outside it.
	tree, err := os.OpenRoot(root)
	if err != nil {
		return err
	}
	defer tree.Close()

	tr := tar.NewReader(gzr)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar read error: %w", err)
		}

		if hasDotDot(header.Name) {
			return fmt.Errorf("invalid tar path: %s", header.Name)
		}
		name, ok := stripPath(header.Name, StripComponents)
		if !ok {
			continue
		}
		// The parent is resolved through links already on disk, not lexically.
		parent, ok := pathutil.ResolveIn(root, root, path.Dir(name))
		if !ok {
			return fmt.Errorf("invalid tar path: %s leaves the destination", header.Name)
		}
		local := filepath.FromSlash(name)

		mode := os.FileMode(header.Mode).Perm()
		switch header.Typeflag {
		case tar.TypeDir:
			if err := tree.MkdirAll(local, mode|0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeEntry(tree, local, mode, tr); err != nil {
				return err
			}
		case tar.TypeSymlink:
			linkTarget := header.Linkname
			if path.IsAbs(linkTarget) {
				return fmt.Errorf("invalid tar symlink %s -> %s", header.Name, linkTarget)
			}
			if _, ok := pathutil.ResolveIn(root, parent, linkTarget); !ok {
				return fmt.Errorf("invalid tar symlink %s -> %s", header.Name, linkTarget)
			}
			if err := replaceable(tree, local); err != nil {
				return err
			}
			if err := tree.Symlink(linkTarget, local); err != nil {
				return err
			}
		case tar.TypeLink:
			linkName, ok := stripPath(header.Linkname, StripComponents)
			if !ok || hasDotDot(header.Linkname) {
				return fmt.Errorf("invalid tar hardlink %s -> %s", header.Name, header.Linkname)
			}
			if _, ok := pathutil.ResolveIn(root, root, linkName); !ok {
				return fmt.Errorf("invalid tar hardlink %s -> %s", header.Name, header.Linkname)
			}
			if err := replaceable(tree, local); err != nil {
				return err
			}
			if err := tree.Link(filepath.FromSlash(linkName), local); err != nil {
				return err
			}
		}
	}
}

func writeEntry(tree *os.Root, name string, mode os.FileMode, r io.Reader) error {
	if err := tree.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}
	out, err := tree.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// replaceable makes room for a link at name. An existing directory is never
// swapped for a link, since links validated earlier may resolve through it.
func replaceable(tree *os.Root, name string) error {
	if err := tree.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}
	info, err := tree.Lstat(name)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("invalid tar link: %s replaces a directory", name)
	}
	return tree.Remove(name)
}

func hasDotDot(name string) bool {
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

// stripPath removes n leading elements from a slash-separated archive path.
// ok is false when nothing remains.
func stripPath(name string, n int) (string, bool) {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	parts := strings.Split(name, "/")
	if len(parts) <= n {
		return "", false
	}
	return strings.Join(parts[n:], "/"), true
}
