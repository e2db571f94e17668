// Package cas defines the abstract content-addressed storage backend
// contract the kernel drives (spec.md §4.2, §6). Concrete backends live in
// subpackages (diskcas, s3cas); each registers itself at init() time with
// Register, mirroring the reva auth/share/group manager registry pattern.
package cas

import (
	"context"
	"io"

	"github.com/nexusfs/core/pkg/nxctx"
)

// Backend is the contract the kernel relies on. Every content-addressed
// backend must implement the required methods; capability flags (below)
// tell the kernel which optional fast paths are available.
type Backend interface {
	// WriteContent stores bytes, returning their SHA-256 hex digest. It is
	// idempotent: writing the same bytes twice returns the same hash and
	// increments the backend's reference count each time.
	WriteContent(ctx context.Context, opctx nxctx.OpCtx, content []byte) (hash string, err error)

	// WriteStream stores a stream of bytes, returning the resulting hash.
	WriteStream(ctx context.Context, opctx nxctx.OpCtx, r io.Reader) (hash string, err error)

	// ReadContent returns the full bytes for hash.
	ReadContent(ctx context.Context, opctx nxctx.OpCtx, hash string) ([]byte, error)

	// StreamContent returns a reader over the content in chunkSize-sized reads.
	StreamContent(ctx context.Context, opctx nxctx.OpCtx, hash string, chunkSize int) (io.ReadCloser, error)

	// StreamRange returns a reader over the half-open byte range [start, end).
	StreamRange(ctx context.Context, opctx nxctx.OpCtx, hash string, start, end int64, chunkSize int) (io.ReadCloser, error)

	// GetContentSize returns the stored size of hash.
	GetContentSize(ctx context.Context, opctx nxctx.OpCtx, hash string) (int64, error)

	// DeleteContent decrements hash's reference count, physically deleting
	// only once it reaches zero. Safe to call on an unknown hash.
	DeleteContent(ctx context.Context, opctx nxctx.OpCtx, hash string) error

	// Capabilities reports which optional fast paths this backend supports.
	Capabilities() Capabilities
}

// Capabilities are the optional fast paths spec.md §4.2/§6 lists. A backend
// not implementing a capability's corresponding interface below must report
// false for it.
type Capabilities struct {
	SupportsRename             bool
	UserScoped                 bool
	HasTokenManager            bool
	HasVirtualFilesystem       bool
	SupportsParallelMmapRead   bool
}

// IsDynamicConnector reports whether the kernel should bypass the metadata
// store and hash for this backend (spec.md §4.8 read/write contracts).
func (c Capabilities) IsDynamicConnector() bool {
	return (c.UserScoped && c.HasTokenManager) || c.HasVirtualFilesystem
}

// PathRenamer is implemented by path-oriented connector backends that can
// move a file atomically without a read+write+delete cycle.
type PathRenamer interface {
	RenameFile(ctx context.Context, opctx nxctx.OpCtx, oldBackendPath, newBackendPath string) error
}

// BulkCacheReader is implemented by backends that can serve several paths
// from an internal cache in one call, used by the kernel's read_bulk fast path.
type BulkCacheReader interface {
	ReadBulkFromCache(ctx context.Context, opctx nxctx.OpCtx, paths []string, original bool) (map[string][]byte, error)
}

// ParallelMmapReader is implemented by backends that expose a host-level
// path for a hash, letting the kernel's bulk reader mmap several files in
// parallel instead of issuing one backend call per path.
type ParallelMmapReader interface {
	HashToPath(ctx context.Context, hash string) (string, error)
}

// DynamicConnector is implemented by backends the kernel never hands a hash
// to: it just asks for "current content" given the operation context (whose
// BackendPath the router has already populated).
type DynamicConnector interface {
	ReadContentDynamic(ctx context.Context, opctx nxctx.OpCtx) ([]byte, error)
}

// NewFunc is the constructor signature every CAS backend driver registers
// under its name at init() time.
type NewFunc func(options map[string]interface{}) (Backend, error)

var registry = map[string]NewFunc{}

// Register registers a new CAS backend constructor. Not safe for concurrent
// use; intended to be called from package init().
func Register(name string, f NewFunc) {
	registry[name] = f
}

// New instantiates the backend registered under name.
func New(name string, options map[string]interface{}) (Backend, error) {
	f, ok := registry[name]
	if !ok {
		return nil, ErrUnknownDriver(name)
	}
	return f(options)
}

// ErrUnknownDriver is returned by New when no backend is registered under the
// requested name.
type ErrUnknownDriver string

func (e ErrUnknownDriver) Error() string { return "cas: unknown driver: " + string(e) }
