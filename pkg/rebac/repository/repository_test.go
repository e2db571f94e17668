package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexusfs/core/pkg/errtypes"
	"github.com/nexusfs/core/pkg/rebac"
)

func newRepo(t *testing.T) *Repository {
	t.Helper()
	r, err := New(map[string]interface{}{"dsn": "file::memory:?cache=shared"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestCreateIsIdempotent(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	tuple := rebac.Tuple{SubjectType: "user", SubjectID: "alice", Relation: "direct_owner", ObjectType: "file", ObjectID: "/a"}
	id1, err := r.Create(ctx, tuple)
	require.NoError(t, err)
	id2, err := r.Create(ctx, tuple)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestParentCycleIsRejected(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	_, err := r.Create(ctx, rebac.Tuple{SubjectType: "file", SubjectID: "/a/b", Relation: "parent", ObjectType: "file", ObjectID: "/a"})
	require.NoError(t, err)

	_, err = r.Create(ctx, rebac.Tuple{SubjectType: "file", SubjectID: "/a", Relation: "parent", ObjectType: "file", ObjectID: "/a/b"})
	require.Error(t, err, "inserting the reverse edge should be rejected as a cycle")
}

func TestCrossZoneRequiresAllowList(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	_, err := r.Create(ctx, rebac.Tuple{
		SubjectType: "user", SubjectID: "alice", Relation: "direct_owner",
		ObjectType: "file", ObjectID: "/a", ZoneID: "zone-a", ObjectZoneID: "zone-b",
	})
	var denied errtypes.AccessDenied
	require.ErrorAs(t, err, &denied)

	_, err = r.Create(ctx, rebac.Tuple{
		SubjectType: "user", SubjectID: "alice", Relation: "shared-viewer",
		ObjectType: "file", ObjectID: "/a", ZoneID: "zone-a", ObjectZoneID: "zone-b",
	})
	require.NoError(t, err)
}

func TestDeleteRemovesTuple(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	tuple := rebac.Tuple{SubjectType: "user", SubjectID: "alice", Relation: "direct_owner", ObjectType: "file", ObjectID: "/a"}
	_, err := r.Create(ctx, tuple)
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx, tuple))

	found, err := r.Check(ctx, "user", "alice", "direct_owner", "file", "/a", "")
	require.NoError(t, err)
	require.Nil(t, found)
}

func TestUpdateObjectPathPropagatesDirectoryRename(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	_, err := r.Create(ctx, rebac.Tuple{SubjectType: "user", SubjectID: "alice", Relation: "direct_owner", ObjectType: "file", ObjectID: "/old/child.txt"})
	require.NoError(t, err)

	require.NoError(t, r.UpdateObjectPath(ctx, "/old", "/new", "file", true))

	found, err := r.Check(ctx, "user", "alice", "direct_owner", "file", "/new/child.txt", "")
	require.NoError(t, err)
	require.NotNil(t, found)
}
