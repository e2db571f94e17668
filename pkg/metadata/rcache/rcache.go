// Package rcache fronts a metadata.Store with four bounded, TTL'd caches
// (path metadata, directory listing, KV, existence), the way the gateway's
// storageprovidercache.go fronts gRPC calls with a ttlcache.Cache per
// concern. Here the bounding/eviction engine is dgraph-io/ristretto rather
// than ttlcache, since these entries are high-churn and ristretto's
// TinyLFU admission policy suits the metadata store's read-heavy pattern
// better than a plain LRU; the ReBAC L1 cache (pkg/rebac/l1cache) keeps the
// ttlcache-based approach, with per-entry TTLs and insertion times driving
// its refresh-ahead.
package rcache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/nexusfs/core/pkg/errtypes"
	"github.com/nexusfs/core/pkg/log"
	"github.com/nexusfs/core/pkg/metadata"
)

var logger = log.New("metadata/rcache")

// sentinel distinguishes a cached "not found" from an actual cache miss.
type negativeHit struct{}

var negative = negativeHit{}

// Store wraps a metadata.Store with a four-map cache façade.
type Store struct {
	backing metadata.Store

	pathCache *ristretto.Cache // path -> *metadata.FileEntry | negativeHit
	listCache *ristretto.Cache // "prefix|recursive|tenant" -> []metadata.FileEntry
	kvCache   *ristretto.Cache // "path|key" -> interface{} | negativeHit
	existCache *ristretto.Cache // path -> bool

	ttl time.Duration

	mu           sync.Mutex
	listRawKeys  map[string][]string // prefix -> raw keys cached under it, for parent-prefix invalidation
}

// Options configures the cache façade's bounds and TTL.
type Options struct {
	TTL         time.Duration
	MaxEntries  int64 // NumCounters sizing hint; ristretto recommends 10x the expected item count
	MaxCost     int64
}

// New wraps backing with a cache façade.
func New(backing metadata.Store, opts Options) (*Store, error) {
	if opts.TTL == 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.MaxEntries == 0 {
		opts.MaxEntries = 100_000
	}
	if opts.MaxCost == 0 {
		opts.MaxCost = 10_000
	}

	mk := func() (*ristretto.Cache, error) {
		return ristretto.NewCache(&ristretto.Config{
			NumCounters: opts.MaxEntries * 10,
			MaxCost:     opts.MaxCost,
			BufferItems: 64,
		})
	}

	pathCache, err := mk()
	if err != nil {
		return nil, err
	}
	listCache, err := mk()
	if err != nil {
		return nil, err
	}
	kvCache, err := mk()
	if err != nil {
		return nil, err
	}
	existCache, err := mk()
	if err != nil {
		return nil, err
	}

	return &Store{
		backing:     backing,
		pathCache:   pathCache,
		listCache:   listCache,
		kvCache:     kvCache,
		existCache:  existCache,
		ttl:         opts.TTL,
		listRawKeys: map[string][]string{},
	}, nil
}

func (s *Store) Get(ctx context.Context, path string) (*metadata.FileEntry, error) {
	if v, ok := s.pathCache.Get(path); ok {
		if _, isNeg := v.(negativeHit); isNeg {
			return nil, notFound(path)
		}
		return v.(*metadata.FileEntry), nil
	}
	entry, err := s.backing.Get(ctx, path)
	if err != nil {
		if _, isNotFound := err.(errtypes.IsNotFound); isNotFound {
			s.pathCache.SetWithTTL(path, negative, 1, s.ttl)
		}
		return nil, err
	}
	s.pathCache.SetWithTTL(path, entry, 1, s.ttl)
	return entry, nil
}

func (s *Store) Put(ctx context.Context, meta metadata.FileEntry) error {
	if err := s.backing.Put(ctx, meta); err != nil {
		return err
	}
	s.invalidatePath(meta.Path)
	return nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	if err := s.backing.Delete(ctx, path); err != nil {
		return err
	}
	s.invalidatePath(path)
	return nil
}

func (s *Store) RenamePath(ctx context.Context, oldPath, newPath string) error {
	if err := s.backing.RenamePath(ctx, oldPath, newPath); err != nil {
		return err
	}
	s.invalidatePath(oldPath)
	s.invalidatePath(newPath)
	return nil
}

func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	if v, ok := s.existCache.Get(path); ok {
		return v.(bool), nil
	}
	exists, err := s.backing.Exists(ctx, path)
	if err != nil {
		return false, err
	}
	s.existCache.SetWithTTL(path, exists, 1, s.ttl)
	return exists, nil
}

func (s *Store) IsImplicitDirectory(ctx context.Context, path string) (bool, error) {
	return s.backing.IsImplicitDirectory(ctx, path)
}

// List consults the list cache, applying the parent-prefix optimization: a
// cached recursive listing of an ancestor prefix can satisfy a narrower
// recursive query by filtering in-process instead of hitting the backing
// store again.
func (s *Store) List(ctx context.Context, prefix string, recursive bool, tenantID string) ([]metadata.FileEntry, error) {
	key := listKey(prefix, recursive, tenantID)
	if v, ok := s.listCache.Get(key); ok {
		return v.([]metadata.FileEntry), nil
	}

	if recursive {
		if hit, ok := s.parentPrefixHit(prefix, tenantID); ok {
			s.listCache.SetWithTTL(key, hit, 1, s.ttl)
			s.rememberListKey(prefix, key)
			return hit, nil
		}
	}

	entries, err := s.backing.List(ctx, prefix, recursive, tenantID)
	if err != nil {
		return nil, err
	}
	s.listCache.SetWithTTL(key, entries, 1, s.ttl)
	s.rememberListKey(prefix, key)
	return entries, nil
}

func (s *Store) parentPrefixHit(prefix, tenantID string) ([]metadata.FileEntry, bool) {
	parent := strings.TrimSuffix(prefix, "/")
	idx := strings.LastIndex(parent, "/")
	for idx >= 0 {
		candidatePrefix := parent[:idx+1]
		key := listKey(candidatePrefix, true, tenantID)
		if v, ok := s.listCache.Get(key); ok {
			all := v.([]metadata.FileEntry)
			var filtered []metadata.FileEntry
			for _, e := range all {
				if strings.HasPrefix(e.Path, prefix) {
					filtered = append(filtered, e)
				}
			}
			return filtered, true
		}
		parent = candidatePrefix[:len(candidatePrefix)-1]
		idx = strings.LastIndex(parent, "/")
	}
	return nil, false
}

func (s *Store) ListPaginated(ctx context.Context, prefix string, recursive bool, limit int, cursor metadata.Cursor, tenantID string) ([]metadata.FileEntry, metadata.Cursor, error) {
	return s.backing.ListPaginated(ctx, prefix, recursive, limit, cursor, tenantID)
}

func (s *Store) ListWithPattern(ctx context.Context, pattern string) ([]metadata.FileEntry, error) {
	return s.backing.ListWithPattern(ctx, pattern)
}

func (s *Store) ListDirectoryEntries(ctx context.Context, parent, tenantID string) ([]metadata.DirEntry, bool, error) {
	return s.backing.ListDirectoryEntries(ctx, parent, tenantID)
}

func (s *Store) GetBatch(ctx context.Context, paths []string) (map[string]*metadata.FileEntry, error) {
	return s.backing.GetBatch(ctx, paths)
}

func (s *Store) PutBatch(ctx context.Context, metas []metadata.FileEntry) error {
	if err := s.backing.PutBatch(ctx, metas); err != nil {
		return err
	}
	for _, m := range metas {
		s.invalidatePath(m.Path)
	}
	return nil
}

func (s *Store) DeleteBatch(ctx context.Context, paths []string) error {
	if err := s.backing.DeleteBatch(ctx, paths); err != nil {
		return err
	}
	for _, p := range paths {
		s.invalidatePath(p)
	}
	return nil
}

func (s *Store) GetFileMetadata(ctx context.Context, path, key string) (interface{}, bool, error) {
	ck := path + "|" + key
	if v, ok := s.kvCache.Get(ck); ok {
		if _, isNeg := v.(negativeHit); isNeg {
			return nil, false, nil
		}
		return v, true, nil
	}
	val, found, err := s.backing.GetFileMetadata(ctx, path, key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		s.kvCache.SetWithTTL(ck, negative, 1, s.ttl)
		return nil, false, nil
	}
	s.kvCache.SetWithTTL(ck, val, 1, s.ttl)
	return val, true, nil
}

func (s *Store) SetFileMetadata(ctx context.Context, path, key string, value interface{}) error {
	if err := s.backing.SetFileMetadata(ctx, path, key, value); err != nil {
		return err
	}
	s.kvCache.Del(path + "|" + key)
	return nil
}

func (s *Store) GetFileMetadataBulk(ctx context.Context, paths []string, key string) (map[string]interface{}, error) {
	return s.backing.GetFileMetadataBulk(ctx, paths, key)
}

func (s *Store) GetSearchableText(ctx context.Context, path string) (string, bool, error) {
	return s.backing.GetSearchableText(ctx, path)
}

func (s *Store) GetSearchableTextBulk(ctx context.Context, paths []string) (map[string]string, error) {
	return s.backing.GetSearchableTextBulk(ctx, paths)
}

func (s *Store) IncrementRevision(ctx context.Context, zone string) (int64, error) {
	return s.backing.IncrementRevision(ctx, zone)
}

func (s *Store) GetRevision(ctx context.Context, zone string) (int64, error) {
	return s.backing.GetRevision(ctx, zone)
}

func (s *Store) GetVersion(ctx context.Context, path string, version int64) (*metadata.FileEntry, error) {
	return s.backing.GetVersion(ctx, path, version)
}

func (s *Store) ListVersions(ctx context.Context, path string) ([]metadata.VersionRow, error) {
	return s.backing.ListVersions(ctx, path)
}

func (s *Store) Rollback(ctx context.Context, path string, version int64, createdBy string) error {
	if err := s.backing.Rollback(ctx, path, version, createdBy); err != nil {
		return err
	}
	s.invalidatePath(path)
	return nil
}

func (s *Store) GetVersionDiff(ctx context.Context, path string, v1, v2 int64) (metadata.VersionDiff, error) {
	return s.backing.GetVersionDiff(ctx, path, v1, v2)
}

func (s *Store) Close() error {
	s.pathCache.Close()
	s.listCache.Close()
	s.kvCache.Close()
	s.existCache.Close()
	return s.backing.Close()
}

func (s *Store) invalidatePath(path string) {
	s.pathCache.Del(path)
	s.existCache.Del(path)
	s.invalidateListPrefixesOf(path)
}

// invalidateListPrefixesOf drops every cached listing whose prefix is an
// ancestor of path, since a mutation at path may change what those listings
// would return.
func (s *Store) invalidateListPrefixesOf(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for prefix, keys := range s.listRawKeys {
		if strings.HasPrefix(path, prefix) {
			for _, k := range keys {
				s.listCache.Del(k)
			}
			delete(s.listRawKeys, prefix)
		}
	}
}

func (s *Store) rememberListKey(prefix, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listRawKeys[prefix] = append(s.listRawKeys[prefix], key)
}

func listKey(prefix string, recursive bool, tenantID string) string {
	if recursive {
		return prefix + "|r|" + tenantID
	}
	return prefix + "|n|" + tenantID
}

func notFound(path string) error { return errtypes.NotFound(path) }
