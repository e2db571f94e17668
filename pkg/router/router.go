// Package router resolves virtual paths to the backend that serves them. It
// mirrors the longest-prefix mount resolution used throughout reva's
// storageprovider registries (pkg/storage/registry), adapted to NexusFS's
// single-process mount table instead of a gRPC service registry.
package router

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/nexusfs/core/pkg/cas"
	"github.com/nexusfs/core/pkg/errtypes"
	"github.com/nexusfs/core/pkg/log"
	"github.com/nexusfs/core/pkg/nxctx"
)

var logger = log.New("router")

// Mount binds a virtual path prefix to a backend.
type Mount struct {
	Prefix      string
	Backend     cas.Backend
	ReadOnly    bool
	ZoneID      string // empty means unrestricted
	Overlay     OverlayResolver
	BackendName string
}

// Route is the result of resolving a virtual path.
type Route struct {
	Backend     cas.Backend
	BackendPath string
	ReadOnly    bool
	Overlay     OverlayResolver
	Mount       *Mount
}

// OverlayResolver is the collaborator invoked by the kernel when upper-layer
// metadata is absent for a path served by an overlay-capable mount. Reads
// call ResolveBase, which returns either the base-layer entry bytes or
// ErrWhiteout (surfaced to the caller as not-found). A delete of a path that
// exists only in the base layer calls CreateWhiteout instead of touching the
// metadata store, so the deletion is recorded in the upper layer (spec.md
// §4.1, §4.8, §8 "delete on an overlay-only base-layer file creates a
// whiteout, not a metadata entry").
type OverlayResolver interface {
	ResolveBase(virtualPath string) ([]byte, error)

	// IsWhiteout reports whether virtualPath has already been recorded as
	// deleted in the upper layer.
	IsWhiteout(virtualPath string) (bool, error)

	// CreateWhiteout records virtualPath as deleted in the upper layer.
	CreateWhiteout(virtualPath string) error
}

// ErrWhiteout signals the overlay has recorded this path as deleted.
var ErrWhiteout = errtypes.NotFound("overlay whiteout")

// Router holds the mount table and resolves routes for incoming paths.
type Router struct {
	mu     sync.RWMutex
	mounts []*Mount
}

// New returns an empty router.
func New() *Router {
	return &Router{}
}

// Mount registers m, keeping the mount table sorted by descending prefix
// length so Route always finds the longest match first.
func (r *Router) Mount(m *Mount) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mounts = append(r.mounts, m)
	sort.SliceStable(r.mounts, func(i, j int) bool {
		return len(r.mounts[i].Prefix) > len(r.mounts[j].Prefix)
	})
	logger.Build().Str("prefix", m.Prefix).Msg(context.Background(), "mount registered")
}

// Route resolves path to its backend, applying zone/agent isolation.
// Admins bypass zone isolation. When checkWrite is true against a read-only
// mount, Route still succeeds: the kernel is responsible for rejecting the
// mutation once it has the route in hand, matching spec semantics that
// distinguish "not routable" from "routable but read-only".
func (r *Router) Route(path string, opctx nxctx.OpCtx, checkWrite bool) (Route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.mounts {
		if !strings.HasPrefix(path, m.Prefix) {
			continue
		}
		if !opctx.IsAdmin && m.ZoneID != "" && m.ZoneID != opctx.Zone() {
			return Route{}, errtypes.AccessDenied(path)
		}
		backendPath := strings.TrimPrefix(path, m.Prefix)
		return Route{
			Backend:     m.Backend,
			BackendPath: backendPath,
			ReadOnly:    m.ReadOnly,
			Overlay:     m.Overlay,
			Mount:       m,
		}, nil
	}
	return Route{}, errtypes.AccessDenied(path)
}
