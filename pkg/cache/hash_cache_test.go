package cache

import (
	"path/filepath"
	"testing"

	"hashmend/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupCache(t *testing.T, namespace string) (*HashCache, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "hashes.db")
	c, err := Open(Config{Path: path, Namespace: namespace})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, path
}

func TestHashCachePutGet(t *testing.T) {
	c, _ := setupCache(t, "http://oracle/ex4")

	_, ok, err := c.Get(0, 32)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(0, 32, types.Digest("abcd")))
	require.NoError(t, c.Put(0, 64, types.Digest("ef01")))

	digest, ok, err := c.Get(0, 32)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.Digest("abcd"), digest)

	digest, ok, err = c.Get(0, 64)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.Digest("ef01"), digest)

	n, err := c.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestHashCachePersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hashes.db")

	c, err := Open(Config{Path: path, Namespace: "a"})
	require.NoError(t, err)
	require.NoError(t, c.Put(96, 32, types.Digest("1234")))
	require.NoError(t, c.Close())

	c, err = Open(Config{Path: path, Namespace: "a"})
	require.NoError(t, err)
	defer c.Close()

	digest, ok, err := c.Get(96, 32)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.Digest("1234"), digest)
}

func TestHashCacheNamespacesAreIsolated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hashes.db")

	a, err := Open(Config{Path: path, Namespace: "a"})
	require.NoError(t, err)
	require.NoError(t, a.Put(0, 32, types.Digest("aaaa")))
	require.NoError(t, a.Close())

	b, err := Open(Config{Path: path, Namespace: "b"})
	require.NoError(t, err)
	defer b.Close()

	_, ok, err := b.Get(0, 32)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashCacheClosed(t *testing.T) {
	c, _ := setupCache(t, "x")
	require.NoError(t, c.Close())

	_, _, err := c.Get(0, 32)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Put(0, 32, "ab"), ErrClosed)
}
