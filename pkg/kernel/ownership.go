package kernel

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nexusfs/core/pkg/rebac"
)

// ownershipGrant is a deferred (creator, direct_owner, path) materialization
// request, queued on every new-file write instead of granting inline
// (spec.md SPEC_FULL.md "deferred permission materialization buffer").
// Owner access stays correct in the meantime via the owner fast-path in
// checkPermission.
type ownershipGrant struct {
	creatorType string
	creatorID   string
	path        string
	zoneID      string
}

// parentEdge is a deferred (child, parent) "parent" relation tuple, queued
// alongside the creator's ownership grant on every new-file write (spec.md
// §4.3 "Tuples are created ... implicitly by write (parent edges, ...)").
// It is what lets namespace.go's tupleToUserset("parent", ...) cascade a
// grant on a directory down to files written under it later.
type parentEdge struct {
	child  string
	parent string
	zoneID string
}

// ownershipBuffer is an in-memory queue, with no size cap, drained by a
// background goroutine, trading a short eventual-consistency window for write latency
// (the original implementation's deferred grant queue in nexus_fs_core.py).
type ownershipBuffer struct {
	mu           sync.Mutex
	pending      []ownershipGrant
	pendingEdges []parentEdge
	notify       chan struct{}
}

func newOwnershipBuffer() *ownershipBuffer {
	return &ownershipBuffer{notify: make(chan struct{}, 1)}
}

func (b *ownershipBuffer) enqueue(g ownershipGrant) {
	b.mu.Lock()
	b.pending = append(b.pending, g)
	b.mu.Unlock()
	b.wake()
}

func (b *ownershipBuffer) enqueueEdges(edges []parentEdge) {
	if len(edges) == 0 {
		return
	}
	b.mu.Lock()
	b.pendingEdges = append(b.pendingEdges, edges...)
	b.mu.Unlock()
	b.wake()
}

func (b *ownershipBuffer) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *ownershipBuffer) drain() ([]ownershipGrant, []parentEdge) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 && len(b.pendingEdges) == 0 {
		return nil, nil
	}
	grants, edges := b.pending, b.pendingEdges
	b.pending, b.pendingEdges = nil, nil
	return grants, edges
}

// runOwnershipDrainer materializes queued grants as direct_owner tuples
// until ctx is cancelled, waking on either a new enqueue or its poll
// interval.
func (k *Kernel) runOwnershipDrainer(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			k.FlushOwnershipBuffer(context.Background())
			return
		case <-ticker.C:
			k.FlushOwnershipBuffer(ctx)
		case <-k.ownership.notify:
			k.FlushOwnershipBuffer(ctx)
		}
	}
}

// FlushOwnershipBuffer materializes every queued ownership grant and parent
// edge. Exposed for tests and graceful shutdown, where the buffer must be
// empty before the process exits.
func (k *Kernel) FlushOwnershipBuffer(ctx context.Context) {
	grants, edges := k.ownership.drain()
	for _, g := range grants {
		t := rebac.Tuple{
			SubjectType: g.creatorType,
			SubjectID:   g.creatorID,
			Relation:    "direct_owner",
			ObjectType:  "file",
			ObjectID:    g.path,
			ZoneID:      g.zoneID,
		}
		if _, err := k.rebac.CreateTuple(ctx, t); err != nil {
			logger.Build().Str("path", g.path).Str("error", err.Error()).Msg(ctx, "deferred ownership grant failed")
		}
	}
	for _, e := range edges {
		t := rebac.Tuple{
			SubjectType: "file",
			SubjectID:   e.parent,
			Relation:    "parent",
			ObjectType:  "file",
			ObjectID:    e.child,
			ZoneID:      e.zoneID,
		}
		if _, err := k.rebac.CreateTuple(ctx, t); err != nil {
			logger.Build().Str("child", e.child).Str("parent", e.parent).Str("error", err.Error()).Msg(ctx, "deferred parent edge failed")
		}
	}
}

// parentEdgesFor builds the (child, parent) edge for path and every
// ancestor-to-ancestor pair above it, root-most first, so a grant placed on
// any implicit directory in the chain reaches path via a single
// tupleToUserset hop from its immediate parent, chained recursively upward.
func parentEdgesFor(path, zoneID string) []parentEdge {
	ancestors := ancestorsOf(path)
	if len(ancestors) == 0 {
		return nil
	}
	chain := append(append([]string{}, ancestors...), path)
	edges := make([]parentEdge, 0, len(chain)-1)
	for i := 1; i < len(chain); i++ {
		edges = append(edges, parentEdge{child: chain[i], parent: chain[i-1], zoneID: zoneID})
	}
	return edges
}

// tigerCache is the ancestor grant bitmap cache: for every ancestor
// directory with an include-future-files grant, the set of descendant file
// ids (paths) it currently covers. A roaring-bitmap-style library never
// appeared in the retrieval pack, so this is a plain
// map[string]map[string]struct{} behind a mutex (documented in DESIGN.md as
// the one place a teacher/pack dependency was unavailable).
type tigerCache struct {
	mu   sync.Mutex
	data map[string]map[string]struct{} // ancestorPath -> set of file paths
}

func newTigerCache() *tigerCache {
	return &tigerCache{data: map[string]map[string]struct{}{}}
}

func (t *tigerCache) add(ancestor, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.data[ancestor]
	if !ok {
		set = map[string]struct{}{}
		t.data[ancestor] = set
	}
	set[path] = struct{}{}
}

func (t *tigerCache) remove(ancestor, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if set, ok := t.data[ancestor]; ok {
		delete(set, path)
		if len(set) == 0 {
			delete(t.data, ancestor)
		}
	}
}

func (t *tigerCache) contains(ancestor, path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.data[ancestor][path]
	return ok
}

// ancestorsOf returns every ancestor directory of path, root-most first,
// e.g. "/a/b/c.txt" -> ["/a", "/a/b"].
func ancestorsOf(path string) []string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) <= 1 {
		return nil
	}
	var out []string
	acc := ""
	for _, p := range parts[:len(parts)-1] {
		acc += "/" + p
		out = append(out, acc)
	}
	return out
}

// applyAncestorGrantInheritance registers a newly-written file against the
// tiger cache of every ancestor directory that has an
// include_future_files=true grant recorded by hasIncludeFutureFilesGrant,
// so a subsequent permission check on that ancestor's cached bitmap already
// covers the file (spec.md §4.8 "apply ancestor-grant inheritance").
func (k *Kernel) applyAncestorGrantInheritance(ctx context.Context, path string, isNew bool) {
	if !isNew {
		return
	}
	for _, ancestor := range ancestorsOf(path) {
		if k.hasIncludeFutureFilesGrant(ctx, ancestor) {
			k.tiger.add(ancestor, path)
		}
	}
}

// moveAncestorGrants updates the tiger cache on rename: the file is removed
// from old-path ancestors' bitmaps and added to new-path ancestors' that
// carry an include_future_files grant.
func (k *Kernel) moveAncestorGrants(ctx context.Context, oldPath, newPath string) {
	for _, ancestor := range ancestorsOf(oldPath) {
		k.tiger.remove(ancestor, oldPath)
	}
	for _, ancestor := range ancestorsOf(newPath) {
		if k.hasIncludeFutureFilesGrant(ctx, ancestor) {
			k.tiger.add(ancestor, newPath)
		}
	}
}

// hasIncludeFutureFilesGrant reports whether ancestor carries an
// include_future_files grant. Failures are treated as "no grant" rather
// than surfaced, matching the cache's best-effort nature.
func (k *Kernel) hasIncludeFutureFilesGrant(ctx context.Context, ancestor string) bool {
	ok, err := k.rebac.HasIncludeFutureFilesGrant(ctx, "file", ancestor, "default")
	return err == nil && ok
}
