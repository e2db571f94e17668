// Package l2cache is the database-backed second tier of the ReBAC check
// cache: one row per (zone, subject, permission, object) with its result
// and expiry, read on an L1 miss, following the same raw database/sql +
// mattn/go-sqlite3 CRUD style as pkg/metadata/sqlite and
// pkg/rebac/repository (spec.md §4.7).
package l2cache

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/nexusfs/core/pkg/config"
	"github.com/nexusfs/core/pkg/errtypes"
)

type driverConfig struct {
	DSN           string `mapstructure:"dsn"`
	CacheTTLSeconds int  `mapstructure:"cache_ttl_seconds"`
}

// Cache is the sqlite-backed L2 check cache.
type Cache struct {
	db  *sql.DB
	ttl time.Duration
}

// New opens (and migrates) the L2 check cache.
func New(options map[string]interface{}) (*Cache, error) {
	c := &driverConfig{}
	if err := config.DecodeDriverOptions(options, c); err != nil {
		return nil, err
	}
	if c.DSN == "" {
		c.DSN = "file:nexusfs_rebac_l2.db?cache=shared&_journal_mode=WAL"
	}
	if c.CacheTTLSeconds == 0 {
		c.CacheTTLSeconds = 60
	}

	db, err := sql.Open("sqlite3", c.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "rebac/l2cache: opening db")
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS rebac_check_cache (
			zone_id TEXT NOT NULL,
			subject_type TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			permission TEXT NOT NULL,
			object_type TEXT NOT NULL,
			object_id TEXT NOT NULL,
			result INTEGER NOT NULL,
			expires_at DATETIME NOT NULL,
			PRIMARY KEY (zone_id, subject_type, subject_id, permission, object_type, object_id)
		)`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "rebac/l2cache: migrating")
	}
	return &Cache{db: db, ttl: time.Duration(c.CacheTTLSeconds) * time.Second}, nil
}

// Close closes the underlying database handle.
func (c *Cache) Close() error { return c.db.Close() }

// Get returns the cached result for the given coordinates, if present and
// not expired.
func (c *Cache) Get(ctx context.Context, zoneID, subjectType, subjectID, permission, objectType, objectID string) (result bool, ok bool, err error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT result FROM rebac_check_cache
		WHERE zone_id = ? AND subject_type = ? AND subject_id = ? AND permission = ? AND object_type = ? AND object_id = ?
		  AND expires_at > ?`,
		zoneID, subjectType, subjectID, permission, objectType, objectID, time.Now().UTC())
	var r int
	scanErr := row.Scan(&r)
	if scanErr == sql.ErrNoRows {
		return false, false, nil
	}
	if scanErr != nil {
		return false, false, errtypes.MetadataError(scanErr.Error())
	}
	return r != 0, true, nil
}

// Put upserts the check result with the configured TTL.
func (c *Cache) Put(ctx context.Context, zoneID, subjectType, subjectID, permission, objectType, objectID string, result bool) error {
	r := 0
	if result {
		r = 1
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO rebac_check_cache (zone_id, subject_type, subject_id, permission, object_type, object_id, result, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(zone_id, subject_type, subject_id, permission, object_type, object_id)
		DO UPDATE SET result = excluded.result, expires_at = excluded.expires_at`,
		zoneID, subjectType, subjectID, permission, objectType, objectID, r, time.Now().Add(c.ttl).UTC())
	if err != nil {
		return errtypes.MetadataError(err.Error())
	}
	return nil
}

// InvalidateSubjectObjectPair deletes every permission row for
// (subject, object) in zone.
func (c *Cache) InvalidateSubjectObjectPair(ctx context.Context, zoneID, subjectType, subjectID, objectType, objectID string) error {
	_, err := c.db.ExecContext(ctx, `
		DELETE FROM rebac_check_cache
		WHERE zone_id = ? AND subject_type = ? AND subject_id = ? AND object_type = ? AND object_id = ?`,
		zoneID, subjectType, subjectID, objectType, objectID)
	if err != nil {
		return errtypes.MetadataError(err.Error())
	}
	return nil
}

// InvalidateSubject deletes every row for a subject in zone.
func (c *Cache) InvalidateSubject(ctx context.Context, zoneID, subjectType, subjectID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM rebac_check_cache WHERE zone_id = ? AND subject_type = ? AND subject_id = ?`,
		zoneID, subjectType, subjectID)
	if err != nil {
		return errtypes.MetadataError(err.Error())
	}
	return nil
}

// InvalidateObjectPrefix deletes every row whose object is objectID or a
// descendant of it, in zone. Chunked into OR-groups is unnecessary here
// since sqlite's LIKE handles the prefix in one statement; the chunking
// spec.md describes applies to the bulk multi-object variant below.
func (c *Cache) InvalidateObjectPrefix(ctx context.Context, zoneID, objectType, objectID string) error {
	_, err := c.db.ExecContext(ctx, `
		DELETE FROM rebac_check_cache
		WHERE zone_id = ? AND object_type = ? AND (object_id = ? OR object_id LIKE ?)`,
		zoneID, objectType, objectID, objectID+"/%")
	if err != nil {
		return errtypes.MetadataError(err.Error())
	}
	return nil
}

// Clear deletes every row in zone (userset-as-subject conservative path).
func (c *Cache) Clear(ctx context.Context, zoneID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM rebac_check_cache WHERE zone_id = ?`, zoneID)
	if err != nil {
		return errtypes.MetadataError(err.Error())
	}
	return nil
}

// BulkInvalidateObjectPrefixes deletes rows for many object prefixes at
// once, chunking the predicate into OR-groups of at most chunkSize so a
// single statement never grows unbounded (spec.md §4.7).
func (c *Cache) BulkInvalidateObjectPrefixes(ctx context.Context, zoneID, objectType string, objectIDs []string, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = 100
	}
	for start := 0; start < len(objectIDs); start += chunkSize {
		end := start + chunkSize
		if end > len(objectIDs) {
			end = len(objectIDs)
		}
		chunk := objectIDs[start:end]
		query := `DELETE FROM rebac_check_cache WHERE zone_id = ? AND object_type = ? AND (`
		args := []interface{}{zoneID, objectType}
		for i, id := range chunk {
			if i > 0 {
				query += " OR "
			}
			query += "object_id = ? OR object_id LIKE ?"
			args = append(args, id, id+"/%")
		}
		query += ")"
		if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
			return errtypes.MetadataError(err.Error())
		}
	}
	return nil
}

// SweepExpired deletes every row past its expiry.
func (c *Cache) SweepExpired(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM rebac_check_cache WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, errtypes.MetadataError(err.Error())
	}
	n, _ := res.RowsAffected()
	return n, nil
}
