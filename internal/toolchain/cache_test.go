package toolchain

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/harunnryd/wasibuild/internal/config"
	"github.com/harunnryd/wasibuild/internal/errors"
	"github.com/harunnryd/wasibuild/internal/process"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tarEntry struct {
	name     string
	body     string
	typeflag byte
	linkname string
}

func buildArchive(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o755, Typeflag: e.typeflag, Linkname: e.linkname}
		if hdr.Typeflag == 0 {
			hdr.Typeflag = tar.TypeReg
		}
		if hdr.Typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.body))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func goArchive(t *testing.T) []byte {
	return buildArchive(t, []tarEntry{
		{name: "go/", typeflag: tar.TypeDir},
		{name: "go/bin/", typeflag: tar.TypeDir},
		{name: "go/bin/go", body: "#!/bin/sh\necho go\n"},
		{name: "go/VERSION", body: "go1.21.0"},
	})
}

type fakeGetter struct {
	data  []byte
	err   error
	calls atomic.Int32
	urls  []string
}

func (g *fakeGetter) Get(_ context.Context, rawURL string) (io.ReadCloser, error) {
	g.calls.Add(1)
	g.urls = append(g.urls, rawURL)
	if g.err != nil {
		return nil, g.err
	}
	return io.NopCloser(bytes.NewReader(g.data)), nil
}

type countingExtractor struct {
	inner Extractor
	calls int
}

func (e *countingExtractor) Extract(ctx context.Context, archive, dest string) error {
	e.calls++
	return e.inner.Extract(ctx, archive, dest)
}

type fakeRunner struct {
	res  process.Result
	err  error
	cmds []process.Command
}

func (r *fakeRunner) Run(_ context.Context, c process.Command) (process.Result, error) {
	r.cmds = append(r.cmds, c)
	return r.res, r.err
}

func noEnv(string) (string, bool) { return "", false }

func goSpec() Spec {
	return Spec{
		Name:        "go",
		Version:     "1.21.0",
		URLTemplate: config.DefaultGoURL,
		Marker:      "bin/go",
		OverrideEnv: "WASIBUILD_GO_PATH",
		Platforms:   GoPlatforms,
	}
}

var linuxAMD64 = Platform{OS: "linux", Arch: "amd64"}

// linuxHome is where goSpec lands for linuxAMD64.
func linuxHome(cache *Cache) string {
	return filepath.Join(cache.Root, "go-1.21.0-linux-amd64")
}

func newTestCache(t *testing.T, getter *fakeGetter) (*Cache, *countingExtractor) {
	t.Helper()
	extractor := &countingExtractor{inner: &NativeExtractor{}}
	return &Cache{
		Root:      t.TempDir(),
		Getter:    getter,
		Extractor: extractor,
		LookupEnv: noEnv,
	}, extractor
}

func TestAcquireDownloadsAndExtracts(t *testing.T) {
	getter := &fakeGetter{data: goArchive(t)}
	cache, extractor := newTestCache(t, getter)

	tc, err := cache.Acquire(context.Background(), goSpec(), linuxAMD64)
	require.NoError(t, err)

	assert.Equal(t, linuxHome(cache), tc.Home)
	assert.False(t, tc.Overridden)
	assert.Equal(t, []string{"https://dl.google.com/go/go1.21.0.linux-amd64.tar.gz"}, getter.urls)
	assert.Equal(t, 1, extractor.calls)

	assert.FileExists(t, filepath.Join(tc.Home, "bin", "go"))
	assert.FileExists(t, filepath.Join(tc.Home, "VERSION"))
	assert.FileExists(t, filepath.Join(tc.Home, "go.tar.gz"))
	assert.NoFileExists(t, filepath.Join(tc.Home, "go.tar.gz"+partialSuffix))
	assert.FileExists(t, linuxHome(cache)+".lock")

	rec := readRecord(tc.Home)
	require.NotNil(t, rec)
	digest, err := HashFile(filepath.Join(tc.Home, "go.tar.gz"))
	require.NoError(t, err)
	assert.Equal(t, digest, rec.ArchiveBlake3)
	assert.Equal(t, "linux/amd64", rec.Platform)
}

func TestAcquireIsIdempotent(t *testing.T) {
	getter := &fakeGetter{data: goArchive(t)}
	cache, extractor := newTestCache(t, getter)

	first, err := cache.Acquire(context.Background(), goSpec(), linuxAMD64)
	require.NoError(t, err)

	getter.err = fmt.Errorf("network must not be used")
	second, err := cache.Acquire(context.Background(), goSpec(), linuxAMD64)
	require.NoError(t, err)

	assert.Equal(t, first.Home, second.Home)
	assert.Equal(t, int32(1), getter.calls.Load())
	assert.Equal(t, 1, extractor.calls)
}

func TestAcquireKeysHomeByPlatformAndVersion(t *testing.T) {
	getter := &fakeGetter{data: goArchive(t)}
	cache, extractor := newTestCache(t, getter)

	host, err := cache.Acquire(context.Background(), goSpec(), linuxAMD64)
	require.NoError(t, err)

	darwin := Platform{OS: "darwin", Arch: "arm64"}
	other, err := cache.Acquire(context.Background(), goSpec(), darwin)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cache.Root, "go-1.21.0-darwin-arm64"), other.Home)
	assert.NotEqual(t, host.Home, other.Home)

	newer := goSpec()
	newer.Version = "1.22.0"
	upgraded, err := cache.Acquire(context.Background(), newer, linuxAMD64)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cache.Root, "go-1.22.0-linux-amd64"), upgraded.Home)

	assert.Equal(t, []string{
		"https://dl.google.com/go/go1.21.0.linux-amd64.tar.gz",
		"https://dl.google.com/go/go1.21.0.darwin-arm64.tar.gz",
		"https://dl.google.com/go/go1.22.0.linux-amd64.tar.gz",
	}, getter.urls)
	assert.Equal(t, 3, extractor.calls)

	// The host tree is untouched and still reused without network I/O.
	rec := readRecord(host.Home)
	require.NotNil(t, rec)
	assert.Equal(t, "linux/amd64", rec.Platform)
	assert.Equal(t, "1.21.0", rec.Version)

	getter.err = fmt.Errorf("network must not be used")
	again, err := cache.Acquire(context.Background(), goSpec(), linuxAMD64)
	require.NoError(t, err)
	assert.Equal(t, host.Home, again.Home)
	assert.Equal(t, 3, extractor.calls)
}

func TestAcquireReextractsOnRecordMismatch(t *testing.T) {
	getter := &fakeGetter{data: goArchive(t)}
	cache, extractor := newTestCache(t, getter)

	tc, err := cache.Acquire(context.Background(), goSpec(), linuxAMD64)
	require.NoError(t, err)

	rec := readRecord(tc.Home)
	require.NotNil(t, rec)
	rec.Platform = "darwin/arm64"
	require.NoError(t, writeRecord(tc.Home, *rec))

	_, err = cache.Acquire(context.Background(), goSpec(), linuxAMD64)
	require.NoError(t, err)
	assert.Equal(t, 2, extractor.calls)
	assert.Equal(t, "linux/amd64", readRecord(tc.Home).Platform)
}

func TestAcquireReextractsWithoutRecord(t *testing.T) {
	getter := &fakeGetter{data: goArchive(t)}
	cache, extractor := newTestCache(t, getter)

	tc, err := cache.Acquire(context.Background(), goSpec(), linuxAMD64)
	require.NoError(t, err)

	// Marker present but no record: a previous extraction was interrupted.
	require.NoError(t, os.Remove(filepath.Join(tc.Home, RecordName)))

	_, err = cache.Acquire(context.Background(), goSpec(), linuxAMD64)
	require.NoError(t, err)
	assert.Equal(t, int32(1), getter.calls.Load())
	assert.Equal(t, 2, extractor.calls)
	assert.NotNil(t, readRecord(tc.Home))
}

func TestAcquireIgnoresPartialDownload(t *testing.T) {
	getter := &fakeGetter{data: goArchive(t)}
	cache, _ := newTestCache(t, getter)

	home := linuxHome(cache)
	require.NoError(t, os.MkdirAll(home, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, "go.tar.gz"+partialSuffix), []byte("trunc"), 0o644))

	tc, err := cache.Acquire(context.Background(), goSpec(), linuxAMD64)
	require.NoError(t, err)
	assert.Equal(t, int32(1), getter.calls.Load())
	assert.FileExists(t, filepath.Join(tc.Home, "bin", "go"))
}

func TestAcquireOverride(t *testing.T) {
	getter := &fakeGetter{}
	cache, extractor := newTestCache(t, getter)
	installed := t.TempDir()
	cache.LookupEnv = func(key string) (string, bool) {
		if key == "WASIBUILD_GO_PATH" {
			return installed, true
		}
		return "", false
	}

	// Unsupported platforms are irrelevant when overridden.
	tc, err := cache.Acquire(context.Background(), goSpec(), Platform{OS: "plan9", Arch: "mips"})
	require.NoError(t, err)
	assert.True(t, tc.Overridden)
	assert.Equal(t, installed, tc.Home)
	assert.Equal(t, int32(0), getter.calls.Load())
	assert.Equal(t, 0, extractor.calls)

	entries, err := os.ReadDir(cache.Root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAcquireOverrideMissingPath(t *testing.T) {
	cache, _ := newTestCache(t, &fakeGetter{})
	cache.LookupEnv = func(string) (string, bool) {
		return filepath.Join(t.TempDir(), "absent"), true
	}

	_, err := cache.Acquire(context.Background(), goSpec(), linuxAMD64)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConfig)
	assert.Contains(t, err.Error(), "toolchain not installed in specified path")
}

func TestAcquireUnsupportedPlatform(t *testing.T) {
	getter := &fakeGetter{data: goArchive(t)}
	cache, _ := newTestCache(t, getter)

	_, err := cache.Acquire(context.Background(), goSpec(), Platform{OS: "windows", Arch: "amd64"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnsupportedPlatform)
	assert.ErrorIs(t, err, errors.ErrConfig)

	var upe *errors.UnsupportedPlatformError
	require.ErrorAs(t, err, &upe)
	assert.Equal(t, "windows", upe.OS)

	assert.Equal(t, int32(0), getter.calls.Load())
	entries, err := os.ReadDir(cache.Root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAcquireChecksum(t *testing.T) {
	data := goArchive(t)
	sum := sha256.Sum256(data)

	t.Run("match", func(t *testing.T) {
		cache, _ := newTestCache(t, &fakeGetter{data: data})
		spec := goSpec()
		spec.SHA256 = hex.EncodeToString(sum[:])
		_, err := cache.Acquire(context.Background(), spec, linuxAMD64)
		require.NoError(t, err)
	})

	t.Run("mismatch", func(t *testing.T) {
		cache, _ := newTestCache(t, &fakeGetter{data: data})
		spec := goSpec()
		spec.SHA256 = hex.EncodeToString(make([]byte, sha256.Size))
		_, err := cache.Acquire(context.Background(), spec, linuxAMD64)
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrIntegrity)

		home := linuxHome(cache)
		assert.NoFileExists(t, filepath.Join(home, "go.tar.gz"))
		assert.NoFileExists(t, filepath.Join(home, "go.tar.gz"+partialSuffix))
	})
}

func TestAcquireDownloadError(t *testing.T) {
	getter := &fakeGetter{err: &errors.RequestFailedError{URL: "https://dl.google.com/x", Status: 404}}
	cache, _ := newTestCache(t, getter)

	_, err := cache.Acquire(context.Background(), goSpec(), linuxAMD64)
	assert.ErrorIs(t, err, errors.ErrRequestFailed)
	assert.NoFileExists(t, filepath.Join(linuxHome(cache), "go.tar.gz"))
}

func TestAcquireMissingMarkerAfterExtract(t *testing.T) {
	getter := &fakeGetter{data: buildArchive(t, []tarEntry{{name: "go/README", body: "hi"}})}
	cache, _ := newTestCache(t, getter)

	_, err := cache.Acquire(context.Background(), goSpec(), linuxAMD64)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrExtraction)
	assert.Nil(t, readRecord(linuxHome(cache)))
}

func TestTarExtractorFailureCarriesStderr(t *testing.T) {
	runner := &fakeRunner{
		res: process.Result{Stderr: []byte("tar: Unexpected EOF in archive\n"), ExitCode: 2},
		err: fmt.Errorf("exit status 2"),
	}
	cache, _ := newTestCache(t, &fakeGetter{data: []byte("not a tarball")})
	cache.Extractor = &TarExtractor{Runner: runner}

	_, err := cache.Acquire(context.Background(), goSpec(), linuxAMD64)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrExtraction)

	var pe *errors.ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "extract", pe.Op)
	assert.Equal(t, "tar: Unexpected EOF in archive", pe.Stderr)

	require.Len(t, runner.cmds, 1)
	cmd := runner.cmds[0]
	assert.Equal(t, "tar", cmd.Name)
	assert.Equal(t, linuxHome(cache), cmd.Dir)
	assert.Equal(t, []string{"-xzf", filepath.Join(linuxHome(cache), "go.tar.gz"), "--strip-components", "1"}, cmd.Args)
}

func TestTarExtractorWithSystemTar(t *testing.T) {
	if _, err := exec.LookPath("tar"); err != nil {
		t.Skip("tar not on PATH")
	}
	cache, _ := newTestCache(t, &fakeGetter{data: goArchive(t)})
	cache.Extractor = &TarExtractor{Runner: process.ExecRunner{}}

	tc, err := cache.Acquire(context.Background(), goSpec(), linuxAMD64)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(tc.Home, "bin", "go"))
}

func TestNativeExtractorRejectsTraversal(t *testing.T) {
	cases := map[string][]tarEntry{
		"dotdot":        {{name: "go/../../escape", body: "x"}},
		"absolute link": {{name: "go/link", typeflag: tar.TypeSymlink, linkname: "/etc/passwd"}},
		"escaping link": {{name: "go/bin/link", typeflag: tar.TypeSymlink, linkname: "../../../outside"}},
		"chained links": {
			{name: "go/a/", typeflag: tar.TypeDir},
			{name: "go/a/l", typeflag: tar.TypeSymlink, linkname: ".."},
			{name: "go/a/l/m", typeflag: tar.TypeSymlink, linkname: ".."},
			{name: "go/a/l/m/escape", body: "x"},
		},
		"link through self link": {
			{name: "go/x", typeflag: tar.TypeSymlink, linkname: "."},
			{name: "go/y", typeflag: tar.TypeSymlink, linkname: "x/.."},
			{name: "go/y/escape", body: "x"},
		},
		"link replaces directory": {
			{name: "go/d/", typeflag: tar.TypeDir},
			{name: "go/d", typeflag: tar.TypeSymlink, linkname: "."},
		},
	}
	for name, entries := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			archive := filepath.Join(dir, "bad.tar.gz")
			require.NoError(t, os.WriteFile(archive, buildArchive(t, entries), 0o644))
			dest := filepath.Join(dir, "home")
			require.NoError(t, os.MkdirAll(dest, 0o755))

			err := (&NativeExtractor{}).Extract(context.Background(), archive, dest)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrExtraction)
			assert.NoFileExists(t, filepath.Join(dir, "escape"))
			_, statErr := os.Lstat(filepath.Join(dest, "m"))
			assert.True(t, os.IsNotExist(statErr), "no link may point above dest")
		})
	}
}

func TestNativeExtractorStripsAndLinks(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "ok.tar.gz")
	require.NoError(t, os.WriteFile(archive, buildArchive(t, []tarEntry{
		{name: "go/bin/go", body: "bin"},
		{name: "go/bin/gofmt", typeflag: tar.TypeSymlink, linkname: "go"},
		{name: "go/bin/go2", typeflag: tar.TypeLink, linkname: "go/bin/go"},
	}), 0o644))

	dest := filepath.Join(dir, "home")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	require.NoError(t, (&NativeExtractor{}).Extract(context.Background(), archive, dest))

	target, err := os.Readlink(filepath.Join(dest, "bin", "gofmt"))
	require.NoError(t, err)
	assert.Equal(t, "go", target)

	data, err := os.ReadFile(filepath.Join(dest, "bin", "go2"))
	require.NoError(t, err)
	assert.Equal(t, "bin", string(data))
}

func TestNewExtractor(t *testing.T) {
	e, err := NewExtractor(config.ExtractorTar, nil)
	require.NoError(t, err)
	assert.IsType(t, &TarExtractor{}, e)

	e, err = NewExtractor(config.ExtractorNative, nil)
	require.NoError(t, err)
	assert.IsType(t, &NativeExtractor{}, e)

	_, err = NewExtractor("zip", nil)
	assert.ErrorIs(t, err, errors.ErrConfig)
}

func TestSpecURLAndSuffix(t *testing.T) {
	spec := goSpec()
	suffix, err := spec.Suffix(Platform{OS: "darwin", Arch: "arm64"})
	require.NoError(t, err)
	assert.Equal(t, "https://dl.google.com/go/go1.21.0.darwin-arm64.tar.gz", spec.URL(suffix))
	assert.Equal(t, "go.tar.gz", spec.ArchiveName())

	suffix, err = spec.Suffix(Platform{OS: "linux", Arch: "arm"})
	require.NoError(t, err)
	assert.Equal(t, ".linux-armv6l", suffix)
}

func TestSpecFromConfig(t *testing.T) {
	spec := SpecFromConfig("go", config.ToolchainConfig{Version: "1.22.1", URL: config.DefaultGoURL, SHA256: " ABCD "})
	assert.Equal(t, GoPlatforms, spec.Platforms)
	assert.Equal(t, "abcd", spec.SHA256)

	jdk := SpecFromConfig("jdk", config.ToolchainConfig{Version: "21", URL: "https://example.com/jdk{suffix}.tar.gz"})
	_, err := jdk.Suffix(linuxAMD64)
	assert.ErrorIs(t, err, errors.ErrUnsupportedPlatform)
}

func TestParsePlatform(t *testing.T) {
	p, err := ParsePlatform("linux/arm64")
	require.NoError(t, err)
	assert.Equal(t, Platform{OS: "linux", Arch: "arm64"}, p)

	_, err = ParsePlatform("linux")
	assert.ErrorIs(t, err, errors.ErrConfig)

	assert.Equal(t, "darwin/amd64", PlatformNames(GoPlatforms)[0])
}
