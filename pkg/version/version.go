// Package version implements the version manager: a thin façade over the
// metadata store's version-history operations, giving the kernel one place
// to reason about "get me version N" semantics without reaching past the
// façade into store internals, the way reva's pkg/share managers wrap (but
// do not duplicate) their SQL-backed implementations.
package version

import (
	"context"

	"github.com/nexusfs/core/pkg/metadata"
)

// Manager exposes the version-history operations spec.md §4.4 names.
type Manager struct {
	store metadata.Store
}

// New builds a version Manager over store.
func New(store metadata.Store) *Manager {
	return &Manager{store: store}
}

// GetVersion resolves path@version to a synthesized metadata view whose
// ETag is the historical content hash.
func (m *Manager) GetVersion(ctx context.Context, path string, version int64) (*metadata.FileEntry, error) {
	return m.store.GetVersion(ctx, path, version)
}

// ListVersions lists every known version of path, newest first.
func (m *Manager) ListVersions(ctx context.Context, path string) ([]metadata.VersionRow, error) {
	return m.store.ListVersions(ctx, path)
}

// Rollback writes a new version referencing version N's content hash,
// without copying bytes; the CAS reference count is unaffected since no new
// hash is introduced.
func (m *Manager) Rollback(ctx context.Context, path string, toVersion int64, createdBy string) error {
	return m.store.Rollback(ctx, path, toVersion, createdBy)
}

// GetVersionDiff compares two historical versions of path at the metadata
// level. Content-level diffing is left to the caller, which can fetch both
// hashes from CAS and diff the bytes itself.
func (m *Manager) GetVersionDiff(ctx context.Context, path string, v1, v2 int64) (metadata.VersionDiff, error) {
	return m.store.GetVersionDiff(ctx, path, v1, v2)
}
