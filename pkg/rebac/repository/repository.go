// Package repository is the ReBAC tuple repository: a thin persistence
// layer over a sqlite tuple table, following the same raw
// database/sql + mattn/go-sqlite3 CRUD style as pkg/metadata/sqlite and
// ultimately pkg/cbox/share/sql/sql.go. It owns exactly the three
// obligations spec.md §4.5 assigns it: idempotent writes, cross-zone
// validation, and cycle detection on parent edges.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/nexusfs/core/pkg/config"
	"github.com/nexusfs/core/pkg/errtypes"
	"github.com/nexusfs/core/pkg/log"
	"github.com/nexusfs/core/pkg/metadata"
	"github.com/nexusfs/core/pkg/rebac"
)

var logger = log.New("rebac/repository")

type driverConfig struct {
	DSN string `mapstructure:"dsn"`
}

// Repository is the sqlite-backed rebac.Tuple store.
type Repository struct {
	db       *sql.DB
	revision revisionBumper
}

// revisionBumper lets the repository bump a zone's revision counter inside
// its own transaction, the same zone-revision table pkg/metadata/sqlite
// owns; wired through an interface so this package does not import the
// sqlite metadata driver directly.
type revisionBumper interface {
	IncrementRevision(ctx context.Context, zone string) (int64, error)
}

// New opens (and migrates) a sqlite tuple repository.
func New(options map[string]interface{}, revision revisionBumper) (*Repository, error) {
	c := &driverConfig{}
	if err := config.DecodeDriverOptions(options, c); err != nil {
		return nil, err
	}
	if c.DSN == "" {
		c.DSN = "file:nexusfs_rebac.db?cache=shared&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", c.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "rebac/repository: opening db")
	}
	db.SetMaxOpenConns(1)

	r := &Repository{db: db, revision: revision}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rebac_tuples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			subject_type TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			subject_relation TEXT NOT NULL DEFAULT '',
			relation TEXT NOT NULL,
			object_type TEXT NOT NULL,
			object_id TEXT NOT NULL,
			zone_id TEXT NOT NULL DEFAULT 'default',
			subject_zone_id TEXT NOT NULL DEFAULT 'default',
			object_zone_id TEXT NOT NULL DEFAULT 'default',
			conditions TEXT,
			expires_at DATETIME,
			created_at DATETIME NOT NULL,
			UNIQUE(subject_type, subject_id, subject_relation, relation, object_type, object_id, zone_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rebac_tuples_object ON rebac_tuples(object_type, object_id, zone_id)`,
		`CREATE INDEX IF NOT EXISTS idx_rebac_tuples_subject ON rebac_tuples(subject_type, subject_id, zone_id)`,
		`CREATE TABLE IF NOT EXISTS rebac_changelog (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tuple_id INTEGER,
			op TEXT NOT NULL,
			subject_type TEXT, subject_id TEXT, relation TEXT, object_type TEXT, object_id TEXT, zone_id TEXT,
			created_at DATETIME NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return errors.Wrap(err, "rebac/repository: migrating")
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (r *Repository) Close() error { return r.db.Close() }

// Create writes a tuple if it doesn't already exist, returning its id
// either way (idempotent per spec.md §4.5). Cross-zone and cycle validation
// run before the insert.
func (r *Repository) Create(ctx context.Context, t rebac.Tuple) (int64, error) {
	if err := r.validateCrossZone(t); err != nil {
		return 0, err
	}
	if t.Relation == "parent" {
		if err := r.checkParentCycle(ctx, t.ObjectType, t.ObjectID, t.ZoneID, t.SubjectType, t.SubjectID); err != nil {
			return 0, err
		}
	}

	if existing, ok, err := r.find(ctx, t); err != nil {
		return 0, err
	} else if ok {
		return existing.ID, nil
	}

	now := time.Now().UTC()
	var condStr interface{}
	if len(t.Conditions) > 0 {
		condStr = string(t.Conditions)
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO rebac_tuples
			(subject_type, subject_id, subject_relation, relation, object_type, object_id,
			 zone_id, subject_zone_id, object_zone_id, conditions, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.SubjectType, t.SubjectID, t.SubjectRelation, t.Relation, t.ObjectType, t.ObjectID,
		nz(t.ZoneID), nz(t.SubjectZoneID), nz(t.ObjectZoneID), condStr, t.ExpiresAt, now)
	if err != nil {
		return 0, errtypes.MetadataError(err.Error())
	}
	id, _ := res.LastInsertId()

	r.appendChangelog(ctx, id, "create", t)
	if r.revision != nil {
		if _, err := r.revision.IncrementRevision(ctx, nz(t.ZoneID)); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func nz(s string) string {
	if s == "" {
		return "default"
	}
	return s
}

func (r *Repository) validateCrossZone(t rebac.Tuple) error {
	zone := nz(t.ZoneID)
	subjZone := nz(t.SubjectZoneID)
	objZone := nz(t.ObjectZoneID)
	if subjZone != zone || objZone != zone {
		if !rebac.CrossZoneAllowedRelations[t.Relation] {
			return errtypes.AccessDenied("cross-zone tuple not in allow-list: " + t.Relation)
		}
	}
	return nil
}

func (r *Repository) find(ctx context.Context, t rebac.Tuple) (rebac.Tuple, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id FROM rebac_tuples
		WHERE subject_type = ? AND subject_id = ? AND subject_relation = ? AND relation = ?
		  AND object_type = ? AND object_id = ? AND zone_id = ?`,
		t.SubjectType, t.SubjectID, t.SubjectRelation, t.Relation, t.ObjectType, t.ObjectID, nz(t.ZoneID))
	var id int64
	err := row.Scan(&id)
	if err == sql.ErrNoRows {
		return rebac.Tuple{}, false, nil
	}
	if err != nil {
		return rebac.Tuple{}, false, errtypes.MetadataError(err.Error())
	}
	t.ID = id
	return t, true, nil
}

// checkParentCycle walks descendants of (objectType, objectID) via parent
// edges (whose subject is the parent and object the child; DFS,
// depth-capped) and rejects if subjectID is among them, i.e. making subject
// the parent of object would close a cycle.
func (r *Repository) checkParentCycle(ctx context.Context, objectType, objectID, zoneID, subjectType, subjectID string) error {
	visited := map[string]bool{}
	var dfs func(ot, oid string, depth int) (bool, error)
	dfs = func(ot, oid string, depth int) (bool, error) {
		if depth > rebac.MaxTraversalDepth {
			return false, nil
		}
		key := ot + "#" + oid
		if visited[key] {
			return false, nil
		}
		visited[key] = true
		if ot == subjectType && oid == subjectID {
			return true, nil
		}
		rows, err := r.db.QueryContext(ctx, `
			SELECT object_type, object_id FROM rebac_tuples
			WHERE subject_type = ? AND subject_id = ? AND relation = 'parent' AND zone_id = ?`,
			ot, oid, nz(zoneID))
		if err != nil {
			return false, errtypes.MetadataError(err.Error())
		}
		defer rows.Close()
		var parents [][2]string
		for rows.Next() {
			var pt, pid string
			if err := rows.Scan(&pt, &pid); err != nil {
				return false, errtypes.MetadataError(err.Error())
			}
			parents = append(parents, [2]string{pt, pid})
		}
		for _, p := range parents {
			found, err := dfs(p[0], p[1], depth+1)
			if err != nil || found {
				return found, err
			}
		}
		return false, nil
	}

	found, err := dfs(objectType, objectID, 0)
	if err != nil {
		return err
	}
	if found {
		return errtypes.ValidationError("parent edge would create a cycle")
	}
	return nil
}

// Delete removes a tuple matching the given coordinates, if present.
func (r *Repository) Delete(ctx context.Context, t rebac.Tuple) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM rebac_tuples
		WHERE subject_type = ? AND subject_id = ? AND subject_relation = ? AND relation = ?
		  AND object_type = ? AND object_id = ? AND zone_id = ?`,
		t.SubjectType, t.SubjectID, t.SubjectRelation, t.Relation, t.ObjectType, t.ObjectID, nz(t.ZoneID))
	if err != nil {
		return errtypes.MetadataError(err.Error())
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil
	}
	r.appendChangelog(ctx, 0, "delete", t)
	if r.revision != nil {
		if _, err := r.revision.IncrementRevision(ctx, nz(t.ZoneID)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) appendChangelog(ctx context.Context, tupleID int64, op string, t rebac.Tuple) {
	_, _ = r.db.ExecContext(ctx, `
		INSERT INTO rebac_changelog (tuple_id, op, subject_type, subject_id, relation, object_type, object_id, zone_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tupleID, op, t.SubjectType, t.SubjectID, t.Relation, t.ObjectType, t.ObjectID, nz(t.ZoneID), time.Now().UTC())
}

// WriteBatch validates every tuple's zones up front, then checks existence
// and inserts tuple by tuple through Create, so each new tuple bumps its
// zone's revision on its own. Existence is not checked with a single
// IN-list query, the inserts are not one bulk statement, and there is no
// single end-of-batch revision bump.
func (r *Repository) WriteBatch(ctx context.Context, tuples []rebac.Tuple) error {
	if len(tuples) == 0 {
		return nil
	}
	for _, t := range tuples {
		if err := r.validateCrossZone(t); err != nil {
			return err
		}
	}

	zones := map[string]bool{}
	for _, t := range tuples {
		if _, ok, err := r.find(ctx, t); err != nil {
			return err
		} else if ok {
			continue
		}
		if t.Relation == "parent" {
			if err := r.checkParentCycle(ctx, t.ObjectType, t.ObjectID, t.ZoneID, t.SubjectType, t.SubjectID); err != nil {
				return err
			}
		}
		if _, err := r.Create(ctx, t); err != nil {
			return err
		}
		zones[nz(t.ZoneID)] = true
	}
	return nil
}

// ListByObject returns every live (non-expired) tuple for (objectType,
// objectID) in zone.
func (r *Repository) ListByObject(ctx context.Context, objectType, objectID, zoneID string) ([]rebac.Tuple, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, subject_type, subject_id, subject_relation, relation, object_type, object_id,
		       zone_id, subject_zone_id, object_zone_id, conditions, expires_at, created_at
		FROM rebac_tuples
		WHERE object_type = ? AND object_id = ? AND zone_id = ?
		  AND (expires_at IS NULL OR expires_at > ?)`,
		objectType, objectID, nz(zoneID), time.Now().UTC())
	if err != nil {
		return nil, errtypes.MetadataError(err.Error())
	}
	defer rows.Close()
	return scanTuples(rows)
}

// ListBySubject returns every live tuple whose subject matches.
func (r *Repository) ListBySubject(ctx context.Context, subjectType, subjectID, zoneID string) ([]rebac.Tuple, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, subject_type, subject_id, subject_relation, relation, object_type, object_id,
		       zone_id, subject_zone_id, object_zone_id, conditions, expires_at, created_at
		FROM rebac_tuples
		WHERE subject_type = ? AND subject_id = ? AND zone_id = ?
		  AND (expires_at IS NULL OR expires_at > ?)`,
		subjectType, subjectID, nz(zoneID), time.Now().UTC())
	if err != nil {
		return nil, errtypes.MetadataError(err.Error())
	}
	defer rows.Close()
	return scanTuples(rows)
}

// ListByRelations returns every live tuple in zone whose relation is one of
// relations, used by the cross-zone shared-path enumeration (spec.md §4 /
// SPEC_FULL.md supplemental features) to find every tuple in the
// shared-viewer/shared-editor/shared-owner allow-list without a full graph
// walk.
func (r *Repository) ListByRelations(ctx context.Context, zoneID string, relations []string) ([]rebac.Tuple, error) {
	if len(relations) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]interface{}, 0, len(relations)+2)
	for i, rel := range relations {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, rel)
	}
	args = append(args, nz(zoneID), time.Now().UTC())
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, subject_type, subject_id, subject_relation, relation, object_type, object_id,
		       zone_id, subject_zone_id, object_zone_id, conditions, expires_at, created_at
		FROM rebac_tuples
		WHERE relation IN (`+placeholders+`) AND zone_id = ?
		  AND (expires_at IS NULL OR expires_at > ?)`, args...)
	if err != nil {
		return nil, errtypes.MetadataError(err.Error())
	}
	defer rows.Close()
	return scanTuples(rows)
}

// Check reports whether a direct tuple (subject, relation, object, zone)
// exists, is not expired, and (when it carries no conditions) is eligible.
// Context-predicate evaluation is performed by the caller (pkg/rebac/compute).
func (r *Repository) Check(ctx context.Context, subjectType, subjectID, relation, objectType, objectID, zoneID string) (*rebac.Tuple, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, subject_type, subject_id, subject_relation, relation, object_type, object_id,
		       zone_id, subject_zone_id, object_zone_id, conditions, expires_at, created_at
		FROM rebac_tuples
		WHERE subject_type = ? AND subject_id = ? AND relation = ? AND object_type = ? AND object_id = ? AND zone_id = ?
		  AND (expires_at IS NULL OR expires_at > ?)`,
		subjectType, subjectID, relation, objectType, objectID, nz(zoneID), time.Now().UTC())
	t, err := scanTuple(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTupleset returns every object O' such that (object, tupleset, O',
// zone) exists, for tupleToUserset evaluation.
func (r *Repository) ListTupleset(ctx context.Context, objectType, objectID, tupleset, zoneID string) ([]rebac.Object, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT subject_type, subject_id FROM rebac_tuples
		WHERE object_type = ? AND object_id = ? AND relation = ? AND zone_id = ?
		  AND (expires_at IS NULL OR expires_at > ?)`,
		objectType, objectID, tupleset, nz(zoneID), time.Now().UTC())
	if err != nil {
		return nil, errtypes.MetadataError(err.Error())
	}
	defer rows.Close()
	var out []rebac.Object
	for rows.Next() {
		var o rebac.Object
		if err := rows.Scan(&o.Type, &o.ID); err != nil {
			return nil, errtypes.MetadataError(err.Error())
		}
		out = append(out, o)
	}
	return out, nil
}

// UpdateObjectPath propagates a rename across every tuple referencing
// oldPath as its object (or, when isDirectory, as a descendant of it), and
// any tuple where oldPath is the subject.
func (r *Repository) UpdateObjectPath(ctx context.Context, oldPath, newPath, objectType string, isDirectory bool) error {
	prefixLen := len(oldPath) + 1
	if isDirectory {
		if _, err := r.db.ExecContext(ctx, `
			UPDATE rebac_tuples SET object_id = CASE WHEN object_id = ? THEN ? ELSE ? || SUBSTR(object_id, ?) END
			WHERE object_type = ? AND (object_id = ? OR object_id LIKE ?)`,
			oldPath, newPath, newPath, prefixLen, objectType, oldPath, oldPath+"/%"); err != nil {
			return errtypes.MetadataError(err.Error())
		}
		if _, err := r.db.ExecContext(ctx, `
			UPDATE rebac_tuples SET subject_id = CASE WHEN subject_id = ? THEN ? ELSE ? || SUBSTR(subject_id, ?) END
			WHERE subject_type = ? AND (subject_id = ? OR subject_id LIKE ?)`,
			oldPath, newPath, newPath, prefixLen, objectType, oldPath, oldPath+"/%"); err != nil {
			return errtypes.MetadataError(err.Error())
		}
		return nil
	}
	if _, err := r.db.ExecContext(ctx, `UPDATE rebac_tuples SET object_id = ? WHERE object_type = ? AND object_id = ?`, newPath, objectType, oldPath); err != nil {
		return errtypes.MetadataError(err.Error())
	}
	_, err := r.db.ExecContext(ctx, `UPDATE rebac_tuples SET subject_id = ? WHERE subject_type = ? AND subject_id = ?`, newPath, objectType, oldPath)
	if err != nil {
		return errtypes.MetadataError(err.Error())
	}
	return nil
}

// SweepExpired deletes every tuple past its expiry. Callers are expected to
// throttle calls to at least one second apart, per spec.md §4.6.
func (r *Repository) SweepExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM rebac_tuples WHERE expires_at IS NOT NULL AND expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, errtypes.MetadataError(err.Error())
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanTuples(rows *sql.Rows) ([]rebac.Tuple, error) {
	var out []rebac.Tuple
	for rows.Next() {
		var t rebac.Tuple
		var cond sql.NullString
		var expiresAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.SubjectType, &t.SubjectID, &t.SubjectRelation, &t.Relation,
			&t.ObjectType, &t.ObjectID, &t.ZoneID, &t.SubjectZoneID, &t.ObjectZoneID, &cond, &expiresAt, &t.CreatedAt); err != nil {
			return nil, errtypes.MetadataError(err.Error())
		}
		if cond.Valid {
			t.Conditions = json.RawMessage(cond.String)
		}
		if expiresAt.Valid {
			e := expiresAt.Time
			t.ExpiresAt = &e
		}
		out = append(out, t)
	}
	return out, nil
}

func scanTuple(row *sql.Row) (rebac.Tuple, error) {
	var t rebac.Tuple
	var cond sql.NullString
	var expiresAt sql.NullTime
	err := row.Scan(&t.ID, &t.SubjectType, &t.SubjectID, &t.SubjectRelation, &t.Relation,
		&t.ObjectType, &t.ObjectID, &t.ZoneID, &t.SubjectZoneID, &t.ObjectZoneID, &cond, &expiresAt, &t.CreatedAt)
	if err != nil {
		return rebac.Tuple{}, err
	}
	if cond.Valid {
		t.Conditions = json.RawMessage(cond.String)
	}
	if expiresAt.Valid {
		e := expiresAt.Time
		t.ExpiresAt = &e
	}
	return t, nil
}

// StoreAdapter lets a metadata.Store be passed directly as a revisionBumper.
type StoreAdapter struct {
	Store metadata.Store
}

// IncrementRevision satisfies revisionBumper by delegating to the metadata store.
func (a StoreAdapter) IncrementRevision(ctx context.Context, zone string) (int64, error) {
	return a.Store.IncrementRevision(ctx, zone)
}
