// Package l1cache is the ReBAC check result's in-memory tier: a per-entry
// TTL cache with refresh-ahead and single-flight stampede prevention,
// grounded on the gateway's storageprovidercache.go (github.com/ReneKroon/
// ttlcache/v2, here its actively maintained fork github.com/jellydator/
// ttlcache/v2) and its key-substring invalidation sweep (RemoveStat).
// Revision-bucketed keys and XFetch probabilistic early refresh are ported
// from the original implementation's rebac_manager.py (spec.md §4.7).
package l1cache

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v2"

	"github.com/nexusfs/core/pkg/log"
)

var logger = log.New("rebac/l1cache")

// Key identifies one cached check result. ZoneBucket is
// floor(zone_revision / W): each write bumps the zone revision, and once
// the revision crosses the next multiple of W subsequent reads land in a
// new bucket, so entries from older buckets are never read back even before
// their TTL expires. Within one bucket, staleness is handled by the
// manager's invalidation.
type Key struct {
	ZoneBucket  int64
	SubjectType string
	SubjectID   string
	Permission  string
	ObjectType  string
	ObjectID    string
	ZoneID      string
}

func (k Key) String() string {
	return strings.Join([]string{
		"b:" + itoa(k.ZoneBucket),
		"s:" + k.SubjectType + "#" + k.SubjectID,
		"p:" + k.Permission,
		"o:" + k.ObjectType + "#" + k.ObjectID,
		"z:" + k.ZoneID,
	}, "|")
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Bucket computes the revision bucket for zoneRevision under window w.
func Bucket(zoneRevision int64, w int64) int64 {
	if w <= 0 {
		w = 1
	}
	return zoneRevision / w
}

type entry struct {
	result     bool
	insertedAt time.Time
	delta      time.Duration // measured recompute latency, for XFetch
}

// RecomputeFunc computes the authoritative result for a cache miss or a
// refresh-ahead/XFetch trigger.
type RecomputeFunc func(ctx context.Context) (bool, error)

// Options configures the cache's bounds and refresh behavior.
type Options struct {
	TTL            time.Duration
	RevisionWindow int64
	Beta           float64 // refresh-ahead threshold, fraction of TTL
	MaxEntries     int
}

// Cache is the L1 ReBAC check-result cache.
type Cache struct {
	backing *ttlcache.Cache
	ttl     time.Duration
	w       int64
	beta    float64

	mu        sync.Mutex
	computing map[string]*computation
}

type computation struct {
	done chan struct{}
	ok   bool
	err  error
}

// New builds an L1 cache per opts, defaulting TTL to 30s, window to 100
// revisions, and beta to 0.7 (the original implementation's default).
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.RevisionWindow <= 0 {
		opts.RevisionWindow = 100
	}
	if opts.Beta <= 0 {
		opts.Beta = 0.7
	}
	backing := ttlcache.NewCache()
	_ = backing.SetTTL(opts.TTL)
	backing.SkipTTLExtensionOnHit(true)
	if opts.MaxEntries > 0 {
		backing.SetCacheSizeLimit(opts.MaxEntries)
	}
	return &Cache{
		backing:   backing,
		ttl:       opts.TTL,
		w:         opts.RevisionWindow,
		beta:      opts.Beta,
		computing: map[string]*computation{},
	}
}

// Close stops the cache's internal janitor goroutine.
func (c *Cache) Close() { _ = c.backing.Close() }

// Get returns a cached result without triggering any compute, for callers
// that want a pure peek (e.g. BulkCheck's first pass).
func (c *Cache) Get(key Key) (result bool, ok bool) {
	raw, err := c.backing.Get(key.String())
	if err != nil {
		return false, false
	}
	e := raw.(*entry)
	return e.result, true
}

// GetOrCompute serves key from cache, triggering refresh-ahead or XFetch
// early refresh in the background when warranted; on a genuine miss it
// runs compute itself, with single-flight so concurrent callers for the
// same key share one computation (try_acquire_compute/wait_for_compute,
// spec.md §4.7).
func (c *Cache) GetOrCompute(ctx context.Context, key Key, compute RecomputeFunc) (bool, error) {
	ks := key.String()
	if raw, err := c.backing.Get(ks); err == nil {
		e := raw.(*entry)
		age := time.Since(e.insertedAt)
		if age > time.Duration(float64(c.ttl)*c.beta) || c.shouldXFetchRefresh(e, age) {
			c.refreshInBackground(ctx, ks, key, compute)
		}
		return e.result, nil
	}
	return c.computeLeaderOrFollower(ctx, ks, key, compute)
}

// shouldXFetchRefresh implements the standard XFetch probabilistic
// early-refresh test using the entry's measured recomputation delta:
// trigger when -delta * beta * ln(rand()) >= ttl - age.
func (c *Cache) shouldXFetchRefresh(e *entry, age time.Duration) bool {
	if e.delta <= 0 {
		return false
	}
	r := rand.Float64()
	if r <= 0 {
		r = 1e-9
	}
	lhs := -float64(e.delta) * c.beta * math.Log(r)
	rhs := float64(c.ttl - age)
	return lhs >= rhs
}

func (c *Cache) refreshInBackground(ctx context.Context, ks string, key Key, compute RecomputeFunc) {
	c.mu.Lock()
	if _, inflight := c.computing[ks]; inflight {
		c.mu.Unlock()
		return
	}
	comp := &computation{done: make(chan struct{})}
	c.computing[ks] = comp
	c.mu.Unlock()

	go func() {
		start := time.Now()
		ok, err := compute(ctx)
		delta := time.Since(start)
		if err != nil {
			logger.Build().Str("key", ks).Str("error", err.Error()).Msg(context.Background(), "refresh-ahead compute failed")
		} else {
			_ = c.backing.Set(ks, &entry{result: ok, insertedAt: time.Now(), delta: delta})
		}
		c.mu.Lock()
		delete(c.computing, ks)
		c.mu.Unlock()
		close(comp.done)
	}()
}

// computeLeaderOrFollower is try_acquire_compute/wait_for_compute: the
// first caller for key becomes leader and runs compute; everyone else
// blocks on the leader's result instead of recomputing independently.
func (c *Cache) computeLeaderOrFollower(ctx context.Context, ks string, key Key, compute RecomputeFunc) (bool, error) {
	c.mu.Lock()
	if comp, inflight := c.computing[ks]; inflight {
		c.mu.Unlock()
		select {
		case <-comp.done:
			return comp.ok, comp.err
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	comp := &computation{done: make(chan struct{})}
	c.computing[ks] = comp
	c.mu.Unlock()

	start := time.Now()
	ok, err := compute(ctx)
	delta := time.Since(start)
	comp.ok, comp.err = ok, err
	if err == nil {
		_ = c.backing.Set(ks, &entry{result: ok, insertedAt: time.Now(), delta: delta})
	}
	c.mu.Lock()
	delete(c.computing, ks)
	c.mu.Unlock()
	close(comp.done)
	return ok, err
}

// Put seeds or overwrites a result directly, used by eager recomputation
// (spec.md §4.7 rule 6) to turn the next read into a hit.
func (c *Cache) Put(key Key, result bool) {
	_ = c.backing.Set(key.String(), &entry{result: result, insertedAt: time.Now()})
}

// InvalidateSubjectObjectPair drops every cached permission for
// (subjectType, subjectID, objectType, objectID) regardless of bucket.
func (c *Cache) InvalidateSubjectObjectPair(subjectType, subjectID, objectType, objectID string) {
	c.removeWhere(func(k string) bool {
		return strings.Contains(k, "s:"+subjectType+"#"+subjectID+"|") &&
			strings.Contains(k, "o:"+objectType+"#"+objectID+"|")
	})
}

// InvalidateSubject drops every cached permission for a subject.
func (c *Cache) InvalidateSubject(subjectType, subjectID string) {
	c.removeWhere(func(k string) bool {
		return strings.Contains(k, "s:"+subjectType+"#"+subjectID+"|")
	})
}

// InvalidateObject drops every cached permission for an exact object.
func (c *Cache) InvalidateObject(objectType, objectID string) {
	c.removeWhere(func(k string) bool {
		return strings.Contains(k, "o:"+objectType+"#"+objectID+"|")
	})
}

// InvalidateObjectPrefix drops every cached permission whose object is
// objectID or a descendant of it ("objectID/..."), for parent-grant
// propagation.
func (c *Cache) InvalidateObjectPrefix(objectType, objectID string) {
	exact := "o:" + objectType + "#" + objectID + "|"
	prefix := "o:" + objectType + "#" + objectID + "/"
	c.removeWhere(func(k string) bool {
		return strings.Contains(k, exact) || strings.Contains(k, prefix)
	})
}

// Clear drops every entry in zoneID, the conservative fallback for
// userset-as-subject writes (spec.md §4.7 rule 5).
func (c *Cache) Clear(zoneID string) {
	c.removeWhere(func(k string) bool {
		return strings.HasSuffix(k, "|z:"+zoneID)
	})
}

func (c *Cache) removeWhere(match func(string) bool) {
	for _, k := range c.backing.GetKeys() {
		if match(k) {
			_ = c.backing.Remove(k)
		}
	}
}
