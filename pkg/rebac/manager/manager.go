// Package manager is the ReBAC manager: it orchestrates the tuple
// repository, the permission computer, and the L1/L2 caches behind a
// single check/expand/explain surface, applying the invalidation policy of
// spec.md §4.7 on every tuple mutation. Grounded on the gateway service's
// role in reva (internal/grpc/services/gateway) as the one collaborator
// that fronts several lower-level services with caching and policy.
package manager

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nexusfs/core/pkg/log"
	"github.com/nexusfs/core/pkg/rebac"
	"github.com/nexusfs/core/pkg/rebac/compute"
	"github.com/nexusfs/core/pkg/rebac/l1cache"
	"github.com/nexusfs/core/pkg/rebac/l2cache"
)

var logger = log.New("rebac/manager")

// RepoStore is the slice of rebac/repository.Repository the manager needs.
type RepoStore interface {
	Create(ctx context.Context, t rebac.Tuple) (int64, error)
	Delete(ctx context.Context, t rebac.Tuple) error
	WriteBatch(ctx context.Context, tuples []rebac.Tuple) error
	ListByObject(ctx context.Context, objectType, objectID, zoneID string) ([]rebac.Tuple, error)
	ListBySubject(ctx context.Context, subjectType, subjectID, zoneID string) ([]rebac.Tuple, error)
	Check(ctx context.Context, subjectType, subjectID, relation, objectType, objectID, zoneID string) (*rebac.Tuple, error)
	ListTupleset(ctx context.Context, objectType, objectID, tupleset, zoneID string) ([]rebac.Object, error)
	ListByRelations(ctx context.Context, zoneID string, relations []string) ([]rebac.Tuple, error)
	UpdateObjectPath(ctx context.Context, oldPath, newPath, objectType string, isDirectory bool) error
	SweepExpired(ctx context.Context) (int64, error)
}

// RevisionSource gives the manager the current zone revision for L1's
// revision-bucketed keys.
type RevisionSource interface {
	GetRevision(ctx context.Context, zone string) (int64, error)
}

// Options configures cache sizing and the eager-recompute cap.
type Options struct {
	L1             l1cache.Options
	EagerRecompute int // DefaultEagerRecomputeLimit if zero
	ComputeLimits  compute.Limits
}

// Manager is the ReBAC check/expand/explain façade.
type Manager struct {
	repo       RepoStore
	revisions  RevisionSource
	namespaces *rebac.Registry
	computer   *compute.Computer
	l1         *l1cache.Cache
	l2         *l2cache.Cache
	eagerLimit int
	revWindow  int64
}

// New builds a Manager from its collaborators.
func New(repo RepoStore, revisions RevisionSource, namespaces *rebac.Registry, l2 *l2cache.Cache, opts Options) *Manager {
	if opts.EagerRecompute <= 0 {
		opts.EagerRecompute = rebac.DefaultEagerRecomputeLimit
	}
	w := opts.L1.RevisionWindow
	if w <= 0 {
		w = 100
	}
	return &Manager{
		repo:       repo,
		revisions:  revisions,
		namespaces: namespaces,
		computer:   compute.New(repo, namespaces, opts.ComputeLimits),
		l1:         l1cache.New(opts.L1),
		l2:         l2,
		eagerLimit: opts.EagerRecompute,
		revWindow:  w,
	}
}

// Close releases the manager's cache resources.
func (m *Manager) Close() {
	m.l1.Close()
}

func (m *Manager) bucketKey(ctx context.Context, req compute.Request) (l1cache.Key, error) {
	rev, err := m.revisions.GetRevision(ctx, req.ZoneID)
	if err != nil {
		return l1cache.Key{}, err
	}
	return l1cache.Key{
		ZoneBucket:  l1cache.Bucket(rev, m.revWindow),
		SubjectType: req.Subject.Type,
		SubjectID:   req.Subject.ID,
		Permission:  req.Permission,
		ObjectType:  req.Object.Type,
		ObjectID:    req.Object.ID,
		ZoneID:      req.ZoneID,
	}, nil
}

// Check answers one permission question, serving L1, then L2, then the
// permission computer, populating both caches on a miss.
func (m *Manager) Check(ctx context.Context, req compute.Request) (bool, error) {
	key, err := m.bucketKey(ctx, req)
	if err != nil {
		return false, err
	}
	return m.l1.GetOrCompute(ctx, key, func(ctx context.Context) (bool, error) {
		if ok, hit, err := m.l2.Get(ctx, req.ZoneID, req.Subject.Type, req.Subject.ID, req.Permission, req.Object.Type, req.Object.ID); err == nil && hit {
			return ok, nil
		}
		result, err := m.computer.Check(ctx, req)
		if err != nil {
			return false, err
		}
		if putErr := m.l2.Put(ctx, req.ZoneID, req.Subject.Type, req.Subject.ID, req.Permission, req.Object.Type, req.Object.ID, result); putErr != nil {
			logger.Build().Str("error", putErr.Error()).Msg(context.Background(), "l2 cache write failed")
		}
		return result, nil
	})
}

// Explain bypasses both caches and returns the computer's decision trace,
// used by the rebac_explain surface (spec.md §4.6).
func (m *Manager) Explain(ctx context.Context, req compute.Request) (bool, compute.Trace, error) {
	return m.computer.CheckWithExplanation(ctx, req)
}

// BulkCheckRequest is one pair in a BulkCheck call.
type BulkCheckRequest struct {
	Subject    rebac.Subject
	Permission string
	Object     rebac.Object
}

// BulkCheck serves every cached pair from L1/L2 in one pass, then computes
// only the misses concurrently (bounded worker pool), caching each with
// its own measured delta (spec.md SPEC_FULL.md "batch-check fast path").
func (m *Manager) BulkCheck(ctx context.Context, zoneID string, reqs []BulkCheckRequest) ([]bool, error) {
	results := make([]bool, len(reqs))
	misses := make([]int, 0, len(reqs))

	for i, r := range reqs {
		req := compute.Request{Subject: r.Subject, Permission: r.Permission, Object: r.Object, ZoneID: zoneID}
		key, err := m.bucketKey(ctx, req)
		if err != nil {
			return nil, err
		}
		if result, ok := m.l1.Get(key); ok {
			results[i] = result
			continue
		}
		if result, hit, err := m.l2.Get(ctx, zoneID, r.Subject.Type, r.Subject.ID, r.Permission, r.Object.Type, r.Object.ID); err == nil && hit {
			results[i] = result
			m.l1.Put(key, result)
			continue
		}
		misses = append(misses, i)
	}

	const workers = 8
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, idx := range misses {
		idx := idx
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			r := reqs[idx]
			ok, err := m.Check(ctx, compute.Request{Subject: r.Subject, Permission: r.Permission, Object: r.Object, ZoneID: zoneID})
			if err != nil {
				logger.Build().Str("error", err.Error()).Msg(context.Background(), "bulk check compute failed")
				return
			}
			results[idx] = ok
		}()
	}
	wg.Wait()
	return results, nil
}

// CreateTuple writes t and applies the cache invalidation / eager
// recompute policy.
func (m *Manager) CreateTuple(ctx context.Context, t rebac.Tuple) (int64, error) {
	id, err := m.repo.Create(ctx, t)
	if err != nil {
		return 0, err
	}
	m.invalidate(ctx, t)
	m.maybeEagerRecompute(ctx, t)
	return id, nil
}

// DeleteTuple removes t and applies the same invalidation policy as create.
func (m *Manager) DeleteTuple(ctx context.Context, t rebac.Tuple) error {
	if err := m.repo.Delete(ctx, t); err != nil {
		return err
	}
	m.invalidate(ctx, t)
	return nil
}

// invalidate applies spec.md §4.7's six-rule invalidation policy for a
// tuple mutation (rules 1-5; rule 6 is maybeEagerRecompute).
func (m *Manager) invalidate(ctx context.Context, t rebac.Tuple) {
	zone := orDefault(t.ZoneID)

	// Rule 5: userset-as-subject writes clear the whole zone.
	if t.SubjectRelation != "" {
		m.l1.Clear(zone)
		if err := m.l2.Clear(ctx, zone); err != nil {
			logger.Build().Str("error", err.Error()).Msg(context.Background(), "l2 zone clear failed")
		}
		return
	}

	// Rule 1: direct (S, *, O, zone).
	m.l1.InvalidateSubjectObjectPair(t.SubjectType, t.SubjectID, t.ObjectType, t.ObjectID)
	if err := m.l2.InvalidateSubjectObjectPair(ctx, zone, t.SubjectType, t.SubjectID, t.ObjectType, t.ObjectID); err != nil {
		logger.Build().Str("error", err.Error()).Msg(context.Background(), "l2 pair invalidation failed")
	}

	// Rule 2: subject's own zone, if different.
	subjZone := orDefault(t.SubjectZoneID)
	if subjZone != zone {
		m.l1.InvalidateSubjectObjectPair(t.SubjectType, t.SubjectID, t.ObjectType, t.ObjectID)
		if err := m.l2.InvalidateSubjectObjectPair(ctx, subjZone, t.SubjectType, t.SubjectID, t.ObjectType, t.ObjectID); err != nil {
			logger.Build().Str("error", err.Error()).Msg(context.Background(), "l2 pair invalidation failed (subject zone)")
		}
	}

	// Rule 3: parent edges and file-granting relations fan out to children.
	if t.Relation == "parent" || rebac.FileGrantingRelations[t.Relation] {
		m.l1.InvalidateObjectPrefix(t.ObjectType, t.ObjectID)
		if err := m.l2.InvalidateObjectPrefix(ctx, zone, t.ObjectType, t.ObjectID); err != nil {
			logger.Build().Str("error", err.Error()).Msg(context.Background(), "l2 prefix invalidation failed")
		}
	}

	// Rule 4: group-membership / non-file hierarchy changes invalidate the
	// whole subject.
	if rebac.HierarchyRelations[t.Relation] && t.ObjectType != "file" {
		m.l1.InvalidateSubject(t.SubjectType, t.SubjectID)
		if err := m.l2.InvalidateSubject(ctx, zone, t.SubjectType, t.SubjectID); err != nil {
			logger.Build().Str("error", err.Error()).Msg(context.Background(), "l2 subject invalidation failed")
		}
	}
}

// maybeEagerRecompute is spec.md §4.7 rule 6: for a simple, non-expiring,
// non-hierarchy, single-subject tuple, immediately recompute up to
// eagerLimit affected permissions (those whose namespace union lists the
// written relation) and write the result straight into L1+L2.
func (m *Manager) maybeEagerRecompute(ctx context.Context, t rebac.Tuple) {
	if t.ExpiresAt != nil || t.SubjectRelation != "" || rebac.HierarchyRelations[t.Relation] {
		return
	}
	ns, ok := m.namespaces.Get(t.ObjectType)
	if !ok {
		return
	}

	recomputed := 0
	for permission, expr := range ns.Permissions {
		if recomputed >= m.eagerLimit {
			return
		}
		if !exprReferencesRelation(expr, t.Relation) {
			continue
		}
		req := compute.Request{
			Subject:    rebac.Subject{Type: t.SubjectType, ID: t.SubjectID},
			Permission: permission,
			Object:     rebac.Object{Type: t.ObjectType, ID: t.ObjectID},
			ZoneID:     orDefault(t.ZoneID),
		}
		result, err := m.computer.Check(ctx, req)
		if err != nil {
			logger.Build().Str("error", err.Error()).Msg(context.Background(), "eager recompute failed")
			continue
		}
		key, err := m.bucketKey(ctx, req)
		if err != nil {
			continue
		}
		m.l1.Put(key, result)
		if err := m.l2.Put(ctx, req.ZoneID, req.Subject.Type, req.Subject.ID, req.Permission, req.Object.Type, req.Object.ID, result); err != nil {
			logger.Build().Str("error", err.Error()).Msg(context.Background(), "eager recompute l2 write failed")
		}
		recomputed++
	}
}

func exprReferencesRelation(e rebac.Expr, relation string) bool {
	switch e.Kind {
	case rebac.ExprRelation:
		return e.Relation == relation
	case rebac.ExprComputedUserset:
		return e.Relation == relation
	case rebac.ExprUnion, rebac.ExprIntersection, rebac.ExprExclusion:
		for _, c := range e.Children {
			if exprReferencesRelation(c, relation) {
				return true
			}
		}
		return false
	}
	return false
}

// UpdateObjectPath rewrites every tuple referencing oldPath (as object or,
// for a directory, object-prefix) to newPath and invalidates both prefixes
// in L1/L2, so a rename's permission view is consistent with its new
// location immediately (spec.md §4.8 "rename" contract).
func (m *Manager) UpdateObjectPath(ctx context.Context, oldPath, newPath string, isDirectory bool) error {
	if err := m.repo.UpdateObjectPath(ctx, oldPath, newPath, "file", isDirectory); err != nil {
		return err
	}
	m.l1.InvalidateObjectPrefix("file", oldPath)
	m.l1.InvalidateObjectPrefix("file", newPath)
	if err := m.l2.InvalidateObjectPrefix(ctx, "default", "file", oldPath); err != nil {
		logger.Build().Str("error", err.Error()).Msg(context.Background(), "l2 prefix invalidation failed (rename old path)")
	}
	if err := m.l2.InvalidateObjectPrefix(ctx, "default", "file", newPath); err != nil {
		logger.Build().Str("error", err.Error()).Msg(context.Background(), "l2 prefix invalidation failed (rename new path)")
	}
	return nil
}

// CrossZoneSharedPaths enumerates every object shared into or out of zone
// via the fixed cross-zone allow-list, without a full graph walk (the
// original implementation's get_cross_zone_shared_paths).
func (m *Manager) CrossZoneSharedPaths(ctx context.Context, zoneID string) ([]rebac.Object, error) {
	relations := make([]string, 0, len(rebac.CrossZoneAllowedRelations))
	for r := range rebac.CrossZoneAllowedRelations {
		relations = append(relations, r)
	}
	tuples, err := m.repo.ListByRelations(ctx, zoneID, relations)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []rebac.Object
	for _, t := range tuples {
		key := t.ObjectType + "#" + t.ObjectID
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, rebac.Object{Type: t.ObjectType, ID: t.ObjectID})
	}
	return out, nil
}

// ColumnPolicy is a subject's column-level permission on a structured file,
// consumed by pkg/kernel to drive pkg/parser/csv.FilterColumns.
type ColumnPolicy struct {
	Allow []string
	Mask  map[string]string
}

type columnPolicyDoc struct {
	Allow []string          `json:"allow"`
	Mask  map[string]string `json:"mask"`
}

// GetDynamicViewerConfig looks for a "column-viewer" tuple granting subject
// a restricted view of object and decodes its Conditions as a
// ColumnPolicy. The relation is looked up directly in the tuple repository
// on every call; neither L1 nor L2 caches the result.
func (m *Manager) GetDynamicViewerConfig(ctx context.Context, subject rebac.Subject, object rebac.Object, zoneID string) (ColumnPolicy, bool, error) {
	t, err := m.repo.Check(ctx, subject.Type, subject.ID, "column-viewer", object.Type, object.ID, zoneID)
	if err != nil {
		return ColumnPolicy{}, false, err
	}
	if t == nil || len(t.Conditions) == 0 {
		return ColumnPolicy{}, false, nil
	}
	var doc columnPolicyDoc
	if err := json.Unmarshal(t.Conditions, &doc); err != nil {
		return ColumnPolicy{}, false, nil
	}
	return ColumnPolicy{Allow: doc.Allow, Mask: doc.Mask}, true, nil
}

type grantConditions struct {
	IncludeFutureFiles bool `json:"include_future_files"`
}

// HasIncludeFutureFilesGrant reports whether object carries any
// file-granting tuple (rebac.FileGrantingRelations: the direct_* and
// shared-* relations) whose conditions set
// include_future_files=true, the signal the kernel's tiger cache uses to
// decide whether a newly-written descendant should be registered against
// an ancestor directory's cached grant (spec.md §4.8).
func (m *Manager) HasIncludeFutureFilesGrant(ctx context.Context, objectType, objectID, zoneID string) (bool, error) {
	tuples, err := m.repo.ListByObject(ctx, objectType, objectID, zoneID)
	if err != nil {
		return false, err
	}
	for _, t := range tuples {
		if !rebac.FileGrantingRelations[t.Relation] || len(t.Conditions) == 0 {
			continue
		}
		var c grantConditions
		if err := json.Unmarshal(t.Conditions, &c); err == nil && c.IncludeFutureFiles {
			return true, nil
		}
	}
	return false, nil
}

// SweepExpired deletes expired tuples and L2 rows, throttled to at least
// one second between calls by the caller (spec.md §4.6).
func (m *Manager) SweepExpired(ctx context.Context) error {
	if _, err := m.repo.SweepExpired(ctx); err != nil {
		return err
	}
	if _, err := m.l2.SweepExpired(ctx); err != nil {
		return err
	}
	return nil
}

func orDefault(zone string) string {
	if zone == "" {
		return "default"
	}
	return zone
}
