package rcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexusfs/core/pkg/metadata"
	"github.com/nexusfs/core/pkg/metadata/sqlite"
)

func newCachedStore(t *testing.T) *Store {
	t.Helper()
	backing, err := sqlite.New(map[string]interface{}{"dsn": "file::memory:?cache=shared"})
	require.NoError(t, err)
	s, err := New(backing, Options{TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetCachesNegativeLookup(t *testing.T) {
	s := newCachedStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "/missing")
	require.Error(t, err)

	// second call must come from the negative cache, not re-query the backing store
	_, err = s.Get(ctx, "/missing")
	require.Error(t, err)
}

func TestPutInvalidatesPathCache(t *testing.T) {
	s := newCachedStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, metadata.FileEntry{Path: "/a.txt", BackendName: "disk", PhysicalPath: "h1", ETag: "h1", ModifiedAt: time.Now().UTC()}))
	got, err := s.Get(ctx, "/a.txt")
	require.NoError(t, err)
	require.Equal(t, "h1", got.ETag)

	require.NoError(t, s.Put(ctx, metadata.FileEntry{Path: "/a.txt", BackendName: "disk", PhysicalPath: "h2", ETag: "h2", ModifiedAt: time.Now().UTC()}))
	got, err = s.Get(ctx, "/a.txt")
	require.NoError(t, err)
	require.Equal(t, "h2", got.ETag, "stale cached entry must not be served after a write")
}

func TestExistsIsCached(t *testing.T) {
	s := newCachedStore(t)
	ctx := context.Background()

	exists, err := s.Exists(ctx, "/nope")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, s.Put(ctx, metadata.FileEntry{Path: "/nope", BackendName: "disk", PhysicalPath: "h", ETag: "h", ModifiedAt: time.Now().UTC()}))
	exists, err = s.Exists(ctx, "/nope")
	require.NoError(t, err)
	require.True(t, exists, "invalidation on Put must clear the existence cache too")
}
