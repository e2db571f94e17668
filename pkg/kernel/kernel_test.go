package kernel

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexusfs/core/pkg/cas/diskcas"
	"github.com/nexusfs/core/pkg/errtypes"
	"github.com/nexusfs/core/pkg/events/membus"
	"github.com/nexusfs/core/pkg/lockmgr/memlock"
	"github.com/nexusfs/core/pkg/metadata"
	"github.com/nexusfs/core/pkg/metadata/sqlite"
	"github.com/nexusfs/core/pkg/nxctx"
	"github.com/nexusfs/core/pkg/parser"
	"github.com/nexusfs/core/pkg/rebac"
	"github.com/nexusfs/core/pkg/rebac/l2cache"
	"github.com/nexusfs/core/pkg/rebac/manager"
	"github.com/nexusfs/core/pkg/rebac/repository"
	"github.com/nexusfs/core/pkg/router"
)

// newTestKernel wires the real stack (sqlite metadata + rebac tuple store +
// L2 cache sharing one in-memory database, a disk CAS backend under a temp
// dir, an in-process event bus and lock manager) the way cmd/nexusfsd does,
// following the same in-memory-sqlite pattern as pkg/metadata/sqlite's own
// tests.
func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	dsn := "file::memory:?cache=shared"

	store, err := sqlite.New(map[string]interface{}{"dsn": dsn})
	require.NoError(t, err)

	repo, err := repository.New(map[string]interface{}{"dsn": dsn}, store)
	require.NoError(t, err)

	l2, err := l2cache.New(map[string]interface{}{"dsn": dsn})
	require.NoError(t, err)

	namespaces := rebac.NewRegistry()
	rebacMgr := manager.New(repo, store, namespaces, l2, manager.Options{})

	backend, err := diskcas.New(map[string]interface{}{"root": t.TempDir()})
	require.NoError(t, err)

	r := router.New()
	r.Mount(&router.Mount{Prefix: "/", Backend: backend, BackendName: "disk"})

	bus := membus.New(16)
	require.NoError(t, bus.Start())

	k := New(Config{
		Router:   r,
		Metadata: store,
		ReBAC:    rebacMgr,
		Events:   bus,
		Locks:    memlock.New(),
		Parsers:  parser.NewRegistry(),
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		k.Shutdown(ctx)
		_ = l2.Close()
		_ = repo.Close()
		_ = store.Close()
	})
	return k
}

func adminCtx() nxctx.OpCtx {
	return nxctx.OpCtx{Context: context.Background(), IsAdmin: true}
}

func userCtx(id string) nxctx.OpCtx {
	return nxctx.OpCtx{Context: context.Background(), SubjectType: "user", SubjectID: id}
}

// ownerCreateCtx is an admin-bypass context that still stamps a specific
// subject as the file's owner on creation, standing in for a provisioning
// step (e.g. an agent runtime creating a workspace file on a user's
// behalf) that a transport layer outside this module's scope would
// normally perform via its own onboarding flow.
func ownerCreateCtx(id string) nxctx.OpCtx {
	return nxctx.OpCtx{Context: context.Background(), IsAdmin: true, SubjectType: "user", SubjectID: id}
}

// flush materializes every queued ownership grant and parent edge right
// away instead of waiting for the drainer. Tests need it whenever a check
// depends on those tuples: the creator's direct_owner grant seen through the
// cache rather than the owner fast-path, or a non-owner's access inherited
// from a directory grant through parent edges.
func flush(t *testing.T, k *Kernel) {
	t.Helper()
	k.FlushOwnershipBuffer(context.Background())
}

func TestOptimisticWriteThenConflict(t *testing.T) {
	k := newTestKernel(t)
	ctx := adminCtx()

	res1, err := k.Write(ctx, "/w/a", []byte("v1"), WriteOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(1), res1.Version)

	read, err := k.Read(ctx, "/w/a", ReadOptions{ReturnMetadata: true})
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), read.Content)
	require.Equal(t, res1.ETag, read.Metadata.ETag)

	res2, err := k.Write(ctx, "/w/a", []byte("v2"), WriteOptions{IfMatch: res1.ETag})
	require.NoError(t, err)
	require.Equal(t, int64(2), res2.Version)

	_, err = k.Write(ctx, "/w/a", []byte("v3"), WriteOptions{IfMatch: res1.ETag})
	require.Error(t, err)
	var conflict errtypes.Conflict
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, res1.ETag, conflict.Expected)
	require.Equal(t, res2.ETag, conflict.Current)
}

func TestWriteSameContentTwiceReusesBlob(t *testing.T) {
	k := newTestKernel(t)
	ctx := adminCtx()

	res1, err := k.Write(ctx, "/w/dup", []byte("same bytes"), WriteOptions{})
	require.NoError(t, err)
	res2, err := k.Write(ctx, "/w/dup", []byte("same bytes"), WriteOptions{Force: true})
	require.NoError(t, err)

	require.Equal(t, res1.ETag, res2.ETag)
	require.Equal(t, int64(2), res2.Version)
}

func TestRollbackRoundTrip(t *testing.T) {
	k := newTestKernel(t)
	ctx := adminCtx()

	_, err := k.Write(ctx, "/w/b", []byte("A"), WriteOptions{})
	require.NoError(t, err)
	_, err = k.Write(ctx, "/w/b", []byte("B"), WriteOptions{Force: true})
	require.NoError(t, err)
	_, err = k.Write(ctx, "/w/b", []byte("C"), WriteOptions{Force: true})
	require.NoError(t, err)

	rolled, err := k.Rollback(ctx, "/w/b", 2)
	require.NoError(t, err)
	require.Equal(t, int64(4), rolled.Version)

	read, err := k.Read(ctx, "/w/b", ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, []byte("B"), read.Content)

	versions, err := k.ListVersions(ctx, "/w/b")
	require.NoError(t, err)
	require.Len(t, versions, 4)

	v4 := versions[0]
	require.Equal(t, "rollback", v4.SourceType)
	var v2 *metadata.VersionRow
	for i := range versions {
		if versions[i].VersionNum == 2 {
			v2 = &versions[i]
		}
	}
	require.NotNil(t, v2)
	require.Equal(t, v4.ContentHash, v2.ContentHash)
}

func TestReBACParentInheritance(t *testing.T) {
	k := newTestKernel(t)
	viewer := userCtx("bob")

	_, err := k.Write(ownerCreateCtx("alice"), "/shared/doc.txt", []byte("hello"), WriteOptions{})
	require.NoError(t, err)
	flush(t, k)

	_, err = k.Read(viewer, "/shared/doc.txt", ReadOptions{})
	require.Error(t, err, "bob has no grant yet")

	_, err = k.rebac.CreateTuple(context.Background(), rebac.Tuple{
		SubjectType: "user", SubjectID: "bob", Relation: "direct_viewer",
		ObjectType: "file", ObjectID: "/shared", ZoneID: "default",
	})
	require.NoError(t, err)

	res, err := k.Read(viewer, "/shared/doc.txt", ReadOptions{})
	require.NoError(t, err, "viewer on the parent directory should flow to the child via tupleToUserset")
	require.Equal(t, []byte("hello"), res.Content)

	require.NoError(t, k.rebac.DeleteTuple(context.Background(), rebac.Tuple{
		SubjectType: "user", SubjectID: "bob", Relation: "direct_viewer",
		ObjectType: "file", ObjectID: "/shared", ZoneID: "default",
	}))

	_, err = k.Read(viewer, "/shared/doc.txt", ReadOptions{})
	require.Error(t, err, "revoking the parent grant should deny without an explicit cache flush")
}

func TestRenamePreservesPermissions(t *testing.T) {
	k := newTestKernel(t)
	owner := userCtx("alice")
	viewer := userCtx("bob")

	_, err := k.Write(ownerCreateCtx("alice"), "/a/x", []byte("content"), WriteOptions{})
	require.NoError(t, err)

	_, err = k.rebac.CreateTuple(context.Background(), rebac.Tuple{
		SubjectType: "user", SubjectID: "bob", Relation: "direct_viewer",
		ObjectType: "file", ObjectID: "/a/x", ZoneID: "default",
	})
	require.NoError(t, err)

	_, err = k.Read(viewer, "/a/x", ReadOptions{})
	require.NoError(t, err)

	require.NoError(t, k.Rename(owner, "/a/x", "/b/x"))

	_, err = k.Read(viewer, "/b/x", ReadOptions{})
	require.NoError(t, err, "the grant should follow the renamed object")

	_, err = k.Read(viewer, "/a/x", ReadOptions{})
	require.Error(t, err, "the old path no longer exists")
}

func TestConcurrentWritersBothSucceed(t *testing.T) {
	k := newTestKernel(t)
	ctx := adminCtx()

	_, err := k.Write(ctx, "/w/c", []byte("base"), WriteOptions{})
	require.NoError(t, err)

	errs := make(chan error, 2)
	etags := make(chan string, 2)
	for i := 0; i < 2; i++ {
		go func(n int) {
			res, err := k.Write(ctx, "/w/c", []byte{byte('A' + n)}, WriteOptions{Force: true})
			if err != nil {
				errs <- err
				return
			}
			etags <- res.ETag
			errs <- nil
		}(i)
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs)
	}
	close(etags)
	seen := map[string]bool{}
	for e := range etags {
		seen[e] = true
	}
	require.Len(t, seen, 2, "both writers should produce distinct content hashes")

	versions, err := k.ListVersions(ctx, "/w/c")
	require.NoError(t, err)
	require.Len(t, versions, 3)
}

func TestDeleteThenRecreate(t *testing.T) {
	k := newTestKernel(t)
	ctx := adminCtx()

	_, err := k.Write(ctx, "/w/d", []byte("first"), WriteOptions{})
	require.NoError(t, err)
	require.NoError(t, k.Delete(ctx, "/w/d"))

	exists, err := k.Exists(ctx, "/w/d")
	require.NoError(t, err)
	require.False(t, exists)

	res, err := k.Write(ctx, "/w/d", []byte("second"), WriteOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Version, "re-creating a soft-deleted path restarts version numbering")
}

func TestReservedPrefixRejectedForNonAdmin(t *testing.T) {
	k := newTestKernel(t)
	_, err := k.Write(userCtx("alice"), "/__sys__/config", []byte("x"), WriteOptions{})
	require.Error(t, err)
	var invalid errtypes.InvalidPath
	require.ErrorAs(t, err, &invalid)
}

func TestStreamReadsBackWrittenContent(t *testing.T) {
	k := newTestKernel(t)
	ctx := adminCtx()

	_, err := k.Write(ctx, "/w/stream", []byte("streamed content"), WriteOptions{})
	require.NoError(t, err)

	r, err := k.Stream(ctx, "/w/stream", 4)
	require.NoError(t, err)
	defer r.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(r)
	require.NoError(t, err)
	require.Equal(t, "streamed content", buf.String())
}
