//go:build unix

package static

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRoot(t *testing.T) (*Resolver, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>home</h1>"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "docs", "empty"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docs", "a b.txt"), []byte("spaced"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docs", "blob"), []byte{1, 2, 3}, 0o644))
	r, err := NewResolver(dir)
	require.NoError(t, err)
	return r, dir
}

func TestResolverOpen(t *testing.T) {
	r, _ := newRoot(t)

	f, err := r.Open("/")
	require.NoError(t, err)
	defer f.Close()
	assert.EqualValues(t, len("<h1>home</h1>"), f.Size)
	assert.Equal(t, "text/html; charset=utf-8", f.ContentType)
	assert.False(t, f.ModTime.IsZero())
	body, err := f.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "<h1>home</h1>", string(body))

	g, err := r.Open("/docs/a%20b.txt")
	require.NoError(t, err)
	defer g.Close()
	assert.Equal(t, "text/plain; charset=utf-8", g.ContentType)

	h, err := r.Open("/docs/blob")
	require.NoError(t, err)
	defer h.Close()
	assert.Equal(t, "application/octet-stream", h.ContentType)
}

func TestResolverErrors(t *testing.T) {
	r, dir := newRoot(t)

	_, err := r.Open("/missing.html")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Open("/docs/empty/")
	assert.ErrorIs(t, err, ErrNotFound, "directory without index")
	_, err = r.Open("/docs/blob/x")
	assert.ErrorIs(t, err, ErrNotFound, "ENOTDIR")
	_, err = r.Open("/bad%zz")
	assert.ErrorIs(t, err, ErrBadPath)
	_, err = r.Open("relative")
	assert.ErrorIs(t, err, ErrBadPath)
	_, err = r.Open("/a%00b")
	assert.ErrorIs(t, err, ErrBadPath)

	// 清理后的路径不会逃出根目录
	outside := filepath.Join(filepath.Dir(dir), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))
	t.Cleanup(func() { os.Remove(outside) })
	_, err = r.Open("/../secret.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	if os.Geteuid() != 0 {
		locked := filepath.Join(dir, "locked.html")
		require.NoError(t, os.WriteFile(locked, []byte("x"), 0o000))
		_, err = r.Open("/locked.html")
		assert.ErrorIs(t, err, ErrForbidden)
	}
}

func TestNewResolverRejectsFile(t *testing.T) {
	_, dir := newRoot(t)
	_, err := NewResolver(filepath.Join(dir, "index.html"))
	assert.Error(t, err)
	_, err = NewResolver(filepath.Join(dir, "nope"))
	assert.Error(t, err)
}

func TestFileCloseIdempotent(t *testing.T) {
	r, _ := newRoot(t)
	f, err := r.Open("/index.html")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	assert.Equal(t, -1, f.FD)
}

func TestCompressible(t *testing.T) {
	assert.True(t, Compressible("text/html; charset=utf-8"))
	assert.True(t, Compressible("image/svg+xml"))
	assert.True(t, Compressible("application/json"))
	assert.False(t, Compressible("image/png"))
	assert.False(t, Compressible("application/octet-stream"))
}
