package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexusfs/core/pkg/metadata"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(map[string]interface{}{"dsn": "file::memory:?cache=shared"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutThenGetRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	err := s.Put(ctx, metadata.FileEntry{
		Path: "/a.txt", BackendName: "disk", PhysicalPath: "hash1", ETag: "hash1", Size: 5,
		ModifiedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, "/a.txt")
	require.NoError(t, err)
	require.Equal(t, "hash1", got.ETag)
	require.EqualValues(t, 1, got.Version)
}

func TestPutIncrementsVersionMonotonically(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := s.Put(ctx, metadata.FileEntry{
			Path: "/a.txt", BackendName: "disk", PhysicalPath: "h", ETag: "h", Size: 1,
			ModifiedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
	}
	got, err := s.Get(ctx, "/a.txt")
	require.NoError(t, err)
	require.EqualValues(t, 3, got.Version)

	versions, err := s.ListVersions(ctx, "/a.txt")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	require.EqualValues(t, 3, versions[0].VersionNum, "newest first")
}

func TestDeleteThenRecreateResetsVersion(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, metadata.FileEntry{Path: "/a.txt", BackendName: "disk", PhysicalPath: "h1", ETag: "h1", ModifiedAt: time.Now().UTC()}))
	require.NoError(t, s.Delete(ctx, "/a.txt"))

	exists, err := s.Exists(ctx, "/a.txt")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, s.Put(ctx, metadata.FileEntry{Path: "/a.txt", BackendName: "disk", PhysicalPath: "h2", ETag: "h2", ModifiedAt: time.Now().UTC()}))
	got, err := s.Get(ctx, "/a.txt")
	require.NoError(t, err)
	require.EqualValues(t, 1, got.Version)

	versions, err := s.ListVersions(ctx, "/a.txt")
	require.NoError(t, err)
	require.Len(t, versions, 2, "orphaned version-history rows from the deleted entry remain")
}

func TestRollbackReusesHashWithoutCopying(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, metadata.FileEntry{Path: "/a.txt", BackendName: "disk", PhysicalPath: "h1", ETag: "h1", Size: 1, ModifiedAt: time.Now().UTC()}))
	require.NoError(t, s.Put(ctx, metadata.FileEntry{Path: "/a.txt", BackendName: "disk", PhysicalPath: "h2", ETag: "h2", Size: 2, ModifiedAt: time.Now().UTC()}))

	require.NoError(t, s.Rollback(ctx, "/a.txt", 1, "tester"))

	got, err := s.Get(ctx, "/a.txt")
	require.NoError(t, err)
	require.Equal(t, "h1", got.ETag)
	require.EqualValues(t, 3, got.Version)

	versions, err := s.ListVersions(ctx, "/a.txt")
	require.NoError(t, err)
	require.Equal(t, "rollback", versions[0].SourceType)
}

func TestGetVersionDiff(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, metadata.FileEntry{Path: "/a.txt", BackendName: "disk", PhysicalPath: "h1", ETag: "h1", Size: 1, ModifiedAt: time.Now().UTC()}))
	require.NoError(t, s.Put(ctx, metadata.FileEntry{Path: "/a.txt", BackendName: "disk", PhysicalPath: "h2", ETag: "h2", Size: 2, ModifiedAt: time.Now().UTC()}))

	diff, err := s.GetVersionDiff(ctx, "/a.txt", 1, 2)
	require.NoError(t, err)
	require.True(t, diff.ContentChanged)
	require.EqualValues(t, 1, diff.SizeV1)
	require.EqualValues(t, 2, diff.SizeV2)
}

func TestListNonRecursiveExcludesNestedPaths(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, metadata.FileEntry{Path: "/dir/a.txt", BackendName: "disk", PhysicalPath: "h1", ETag: "h1", ModifiedAt: time.Now().UTC()}))
	require.NoError(t, s.Put(ctx, metadata.FileEntry{Path: "/dir/sub/b.txt", BackendName: "disk", PhysicalPath: "h2", ETag: "h2", ModifiedAt: time.Now().UTC()}))

	entries, err := s.List(ctx, "/dir/", false, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "/dir/a.txt", entries[0].Path)
}

func TestListRecursiveWithTenantDescendsSubdirectoriesViaIndex(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, metadata.FileEntry{
		Path: "/a/b/c.txt", BackendName: "disk", PhysicalPath: "h1", ETag: "h1",
		ModifiedAt: time.Now().UTC(), TenantID: "t1",
	}))
	require.NoError(t, s.Put(ctx, metadata.FileEntry{
		Path: "/a/d.txt", BackendName: "disk", PhysicalPath: "h2", ETag: "h2",
		ModifiedAt: time.Now().UTC(), TenantID: "t1",
	}))

	entries, ok, err := s.ListDirectoryEntries(ctx, "/a/b", "t1")
	require.NoError(t, err)
	require.True(t, ok, "an index row must exist for every ancestor segment, not just the immediate parent")
	require.Len(t, entries, 1)
	require.Equal(t, "/a/b/c.txt", entries[0].Child)

	top, ok, err := s.ListDirectoryEntries(ctx, "/a", "t1")
	require.NoError(t, err)
	require.True(t, ok)
	var sawDir bool
	for _, e := range top {
		if e.Child == "/a/b" {
			sawDir = true
			require.True(t, e.IsDir, "an intermediate segment must be recorded as a directory")
		}
	}
	require.True(t, sawDir)

	recursive, err := s.List(ctx, "/a/", true, "t1")
	require.NoError(t, err)
	var paths []string
	for _, e := range recursive {
		paths = append(paths, e.Path)
	}
	require.ElementsMatch(t, []string{"/a/b/c.txt", "/a/d.txt"}, paths,
		"a tenant-qualified recursive list must descend into subdirectories via the sparse index")
}

func TestIncrementRevisionIsMonotonic(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	r1, err := s.IncrementRevision(ctx, "zone-a")
	require.NoError(t, err)
	r2, err := s.IncrementRevision(ctx, "zone-a")
	require.NoError(t, err)
	require.Greater(t, r2, r1)

	got, err := s.GetRevision(ctx, "zone-a")
	require.NoError(t, err)
	require.Equal(t, r2, got)
}

func TestListPaginatedCursorRejectsFilterChange(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Put(ctx, metadata.FileEntry{Path: "/p/" + string(rune('a'+i)), BackendName: "disk", PhysicalPath: "h", ETag: "h", ModifiedAt: time.Now().UTC()}))
	}

	entries, cursor, err := s.ListPaginated(ctx, "/p/", true, 2, "", "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.NotEmpty(t, cursor)

	_, _, err = s.ListPaginated(ctx, "/other/", true, 2, cursor, "")
	require.Error(t, err)
}
