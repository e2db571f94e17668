// Package lockmgr defines the distributed lock manager contract the kernel
// uses to serialize write(lock=true) calls across processes
// (spec.md §5, §6). Concrete managers live in subpackages: redislock for a
// real multi-node deployment, memlock for a single-node/test deployment.
package lockmgr

import (
	"context"
	"time"
)

// Manager is the collaborator the kernel's locking Write path drives.
// Acquire/Extend/Release are async per spec.md §5: the kernel never holds
// one of these calls open across a metadata transaction.
type Manager interface {
	// Acquire blocks up to timeout for an exclusive lock on (zoneID, path),
	// returning an opaque lock id on success or errtypes.LockTimeout.
	Acquire(ctx context.Context, zoneID, path string, timeout time.Duration) (lockID string, err error)

	// Extend refreshes lockID's TTL, reporting whether the lock was still held.
	Extend(ctx context.Context, lockID, zoneID, path string, ttl time.Duration) (bool, error)

	// Release drops lockID, if still held.
	Release(ctx context.Context, lockID, zoneID, path string) error
}
