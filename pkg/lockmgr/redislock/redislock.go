// Package redislock is the redis-backed lockmgr.Manager: SET NX PX to
// acquire, a Lua script to release/extend only when the caller still owns
// the lock, following the same github.com/go-redis/redis/v8 client
// construction (ParseURL/NewClient/Ping) used by evalgo-org-eve's
// queue/redis.Queue, adapted from a job queue to a single-key mutex.
package redislock

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nexusfs/core/pkg/config"
	"github.com/nexusfs/core/pkg/errtypes"
)

// releaseScript deletes the key only if its value still matches the caller's
// lock id, preventing a released-then-reacquired lock from being dropped by
// a stale owner.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`

// extendScript refreshes the TTL only if the caller still owns the key.
const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`

type driverConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

// Manager is a redis-backed lockmgr.Manager.
type Manager struct {
	client *redis.Client
	prefix string
}

// New connects to the redis instance described by options["url"].
func New(options map[string]interface{}) (*Manager, error) {
	c := &driverConfig{}
	if err := config.DecodeDriverOptions(options, c); err != nil {
		return nil, err
	}
	if c.URL == "" {
		c.URL = "redis://localhost:6379/0"
	}
	if c.Prefix == "" {
		c.Prefix = "nexusfs:lock:"
	}

	opts, err := redis.ParseURL(c.URL)
	if err != nil {
		return nil, errors.Wrap(err, "lockmgr/redislock: parsing redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Wrap(err, "lockmgr/redislock: connecting to redis")
	}
	return &Manager{client: client, prefix: c.Prefix}, nil
}

// Close closes the redis connection.
func (m *Manager) Close() error { return m.client.Close() }

func (m *Manager) key(zoneID, path string) string {
	return m.prefix + zoneID + ":" + path
}

// Acquire polls SET NX PX until timeout elapses or the key becomes free.
func (m *Manager) Acquire(ctx context.Context, zoneID, path string, timeout time.Duration) (string, error) {
	k := m.key(zoneID, path)
	id := uuid.NewString()
	deadline := time.Now().Add(timeout)
	for {
		ok, err := m.client.SetNX(ctx, k, id, 30*time.Second).Result()
		if err != nil {
			return "", errtypes.BackendError{Op: "lock_acquire", Cause: err}
		}
		if ok {
			return id, nil
		}
		if time.Now().After(deadline) {
			return "", errtypes.LockTimeout{Path: path, Timeout: timeout}
		}
		select {
		case <-ctx.Done():
			return "", errtypes.LockTimeout{Path: path, Timeout: timeout}
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// Extend refreshes lockID's TTL via a compare-and-expire Lua script.
func (m *Manager) Extend(ctx context.Context, lockID, zoneID, path string, ttl time.Duration) (bool, error) {
	res, err := m.client.Eval(ctx, extendScript, []string{m.key(zoneID, path)}, lockID, ttl.Milliseconds()).Result()
	if err != nil {
		return false, errtypes.BackendError{Op: "lock_extend", Cause: err}
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Release deletes lockID's key via a compare-and-delete Lua script, making
// release safe even if the lock already expired and was reacquired by
// someone else.
func (m *Manager) Release(ctx context.Context, lockID, zoneID, path string) error {
	if _, err := m.client.Eval(ctx, releaseScript, []string{m.key(zoneID, path)}, lockID).Result(); err != nil {
		return errtypes.BackendError{Op: "lock_release", Cause: err}
	}
	return nil
}
