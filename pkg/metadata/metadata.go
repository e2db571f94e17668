// Package metadata defines the authoritative catalog contract the kernel
// drives: file entries, version history, the sparse directory index, and
// per-file KV attributes. Concrete stores live in subpackages (sqlite for
// the authoritative store, rcache for the bounded-cache façade in front of
// it), following the same split reva draws between its share manager
// interfaces (pkg/share) and their SQL-backed implementations
// (pkg/cbox/share/sql).
package metadata

import (
	"context"
	"time"
)

// FileEntry is a row in the authoritative catalog: the current state of one
// virtual path. It is the Go shape of the original implementation's
// FileMetadata value object.
type FileEntry struct {
	Path         string
	BackendName  string
	PhysicalPath string // CAS hash, or a backend-specific physical location
	ETag         string
	Size         int64
	MimeType     string
	Version      int64
	CreatedAt    time.Time
	ModifiedAt   time.Time
	CreatedBy    string
	OwnerID      string
	ZoneID       string
	TenantID     string
	DeletedAt    *time.Time
}

// VersionRow is one immutable, append-only row in a path's version history.
type VersionRow struct {
	Path         string
	VersionNum   int64
	ContentHash  string
	Size         int64
	MimeType     string
	CreatedAt    time.Time
	CreatedBy    string
	SourceType   string // "write", "rollback", ...
}

// DirEntry is a row in the sparse directory index: one (parent, child) edge.
type DirEntry struct {
	Parent   string
	Child    string
	IsDir    bool
	TenantID string
}

// Cursor is an opaque keyset-pagination token. The sqlite store encodes the
// last-seen path (the catalog's primary key; no separate row id is used)
// plus a hash of the active filters; a filter change must invalidate
// outstanding cursors.
type Cursor string

// Store is the metadata store contract the kernel relies on (spec.md §4.3).
type Store interface {
	Get(ctx context.Context, path string) (*FileEntry, error)
	Put(ctx context.Context, meta FileEntry) error
	Delete(ctx context.Context, path string) error
	RenamePath(ctx context.Context, oldPath, newPath string) error
	Exists(ctx context.Context, path string) (bool, error)
	IsImplicitDirectory(ctx context.Context, path string) (bool, error)

	List(ctx context.Context, prefix string, recursive bool, tenantID string) ([]FileEntry, error)
	ListPaginated(ctx context.Context, prefix string, recursive bool, limit int, cursor Cursor, tenantID string) ([]FileEntry, Cursor, error)
	ListWithPattern(ctx context.Context, pattern string) ([]FileEntry, error)
	ListDirectoryEntries(ctx context.Context, parent, tenantID string) ([]DirEntry, bool, error)

	GetBatch(ctx context.Context, paths []string) (map[string]*FileEntry, error)
	PutBatch(ctx context.Context, metas []FileEntry) error
	DeleteBatch(ctx context.Context, paths []string) error

	GetFileMetadata(ctx context.Context, path, key string) (interface{}, bool, error)
	SetFileMetadata(ctx context.Context, path, key string, value interface{}) error
	GetFileMetadataBulk(ctx context.Context, paths []string, key string) (map[string]interface{}, error)

	GetSearchableText(ctx context.Context, path string) (string, bool, error)
	GetSearchableTextBulk(ctx context.Context, paths []string) (map[string]string, error)

	IncrementRevision(ctx context.Context, zone string) (int64, error)
	GetRevision(ctx context.Context, zone string) (int64, error)

	GetVersion(ctx context.Context, path string, version int64) (*FileEntry, error)
	ListVersions(ctx context.Context, path string) ([]VersionRow, error)
	Rollback(ctx context.Context, path string, version int64, createdBy string) error
	GetVersionDiff(ctx context.Context, path string, v1, v2 int64) (VersionDiff, error)

	Close() error
}

// VersionDiff is the result of comparing two historical versions of a path.
type VersionDiff struct {
	SizeV1           int64
	SizeV2           int64
	HashV1           string
	HashV2           string
	ContentChanged   bool
	MimeTypeChanged  bool
	CreatedAtV1      time.Time
	CreatedAtV2      time.Time
}
