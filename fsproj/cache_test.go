package fsproj_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/lixql/engine/fsproj"
)

func TestBlobCacheRoundTripsSmallBody(t *testing.T) {
	c, errE := fsproj.NewBlobCache(16)
	require.NoError(t, errE)

	key := fsproj.CacheKey{FileID: "f1", VersionID: "global"}
	c.Put(key, []byte("hello"))

	data, ok, errE := c.Get(key)
	require.NoError(t, errE)
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))
}

func TestBlobCacheRoundTripsLargeCompressedBody(t *testing.T) {
	c, errE := fsproj.NewBlobCache(16)
	require.NoError(t, errE)

	big := []byte(strings.Repeat("x", fsproj.InlineThreshold+1024))
	key := fsproj.CacheKey{FileID: "f1", VersionID: "global"}
	c.Put(key, big)

	data, ok, errE := c.Get(key)
	require.NoError(t, errE)
	require.True(t, ok)
	assert.Equal(t, big, data)
}

func TestBlobCacheGetMissing(t *testing.T) {
	c, errE := fsproj.NewBlobCache(16)
	require.NoError(t, errE)

	_, ok, errE := c.Get(fsproj.CacheKey{FileID: "missing", VersionID: "global"})
	require.NoError(t, errE)
	assert.False(t, ok)
}

func TestBlobCacheInvalidateEvicts(t *testing.T) {
	c, errE := fsproj.NewBlobCache(16)
	require.NoError(t, errE)

	key := fsproj.CacheKey{FileID: "f1", VersionID: "global"}
	c.Put(key, []byte("hello"))
	c.Invalidate([]fsproj.CacheKey{key})

	_, ok, errE := c.Get(key)
	require.NoError(t, errE)
	assert.False(t, ok)
}

func TestBlobCacheGetManyOmitsAbsentKeys(t *testing.T) {
	c, errE := fsproj.NewBlobCache(16)
	require.NoError(t, errE)

	present := fsproj.CacheKey{FileID: "f1", VersionID: "global"}
	c.Put(present, []byte("hello"))

	result, errE := c.GetMany([]fsproj.CacheKey{present, {FileID: "f2", VersionID: "global"}})
	require.NoError(t, errE)
	assert.Len(t, result, 1)
	assert.Equal(t, "hello", string(result[present]))
}
