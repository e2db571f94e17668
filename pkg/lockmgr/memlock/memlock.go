// Package memlock is an in-process lockmgr.Manager: a map of held locks
// guarded by a mutex, with polling acquire. Suited to single-node
// deployments and tests, the same role reva's in-memory mock locks play
// for storage drivers that don't need real distributed coordination.
package memlock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexusfs/core/pkg/errtypes"
)

type held struct {
	lockID  string
	expires time.Time
}

// Manager is an in-process lockmgr.Manager.
type Manager struct {
	mu    sync.Mutex
	locks map[string]held
}

// New returns an empty memlock.Manager.
func New() *Manager {
	return &Manager{locks: map[string]held{}}
}

func key(zoneID, path string) string { return zoneID + "\x00" + path }

// Acquire polls for the lock every 10ms until timeout elapses.
func (m *Manager) Acquire(ctx context.Context, zoneID, path string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		if id, ok := m.tryAcquire(zoneID, path); ok {
			return id, nil
		}
		if time.Now().After(deadline) {
			return "", errtypes.LockTimeout{Path: path, Timeout: timeout}
		}
		select {
		case <-ctx.Done():
			return "", errtypes.LockTimeout{Path: path, Timeout: timeout}
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (m *Manager) tryAcquire(zoneID, path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(zoneID, path)
	if h, ok := m.locks[k]; ok && time.Now().Before(h.expires) {
		return "", false
	}
	id := uuid.NewString()
	m.locks[k] = held{lockID: id, expires: time.Now().Add(30 * time.Second)}
	return id, true
}

// Extend refreshes the lock's expiry if lockID still owns it.
func (m *Manager) Extend(ctx context.Context, lockID, zoneID, path string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(zoneID, path)
	h, ok := m.locks[k]
	if !ok || h.lockID != lockID {
		return false, nil
	}
	h.expires = time.Now().Add(ttl)
	m.locks[k] = h
	return true, nil
}

// Release drops the lock if lockID still owns it.
func (m *Manager) Release(ctx context.Context, lockID, zoneID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(zoneID, path)
	if h, ok := m.locks[k]; ok && h.lockID == lockID {
		delete(m.locks, k)
	}
	return nil
}
