package version

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexusfs/core/pkg/metadata"
	"github.com/nexusfs/core/pkg/metadata/sqlite"
)

func TestRollbackRoundTrip(t *testing.T) {
	store, err := sqlite.New(map[string]interface{}{"dsn": "file::memory:?cache=shared"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, metadata.FileEntry{Path: "/a", BackendName: "disk", PhysicalPath: "h1", ETag: "h1", Size: 1, ModifiedAt: time.Now().UTC()}))
	require.NoError(t, store.Put(ctx, metadata.FileEntry{Path: "/a", BackendName: "disk", PhysicalPath: "h2", ETag: "h2", Size: 2, ModifiedAt: time.Now().UTC()}))

	m := New(store)
	require.NoError(t, m.Rollback(ctx, "/a", 1, "tester"))

	v1, err := m.GetVersion(ctx, "/a", 1)
	require.NoError(t, err)
	current, err := store.Get(ctx, "/a")
	require.NoError(t, err)
	require.Equal(t, v1.ETag, current.ETag)

	diff, err := m.GetVersionDiff(ctx, "/a", 1, 2)
	require.NoError(t, err)
	require.True(t, diff.ContentChanged)
}
