package kernel

import (
	"context"

	"github.com/nexusfs/core/pkg/errtypes"
	"github.com/nexusfs/core/pkg/metadata"
)

// Observer is the audit/notification collaborator the kernel calls on every
// mutation (spec.md §4.8 "Observer policy"). A deployment with no audit
// requirement can pass a no-op Observer.
type Observer interface {
	OnWrite(ctx context.Context, path string, meta metadata.FileEntry) error
	OnDelete(ctx context.Context, path string, snapshot *metadata.FileEntry) error
	OnRename(ctx context.Context, oldPath, newPath string) error
}

// NopObserver implements Observer with no-ops, for deployments that don't
// need an audit trail.
type NopObserver struct{}

func (NopObserver) OnWrite(ctx context.Context, path string, meta metadata.FileEntry) error { return nil }
func (NopObserver) OnDelete(ctx context.Context, path string, snapshot *metadata.FileEntry) error {
	return nil
}
func (NopObserver) OnRename(ctx context.Context, oldPath, newPath string) error { return nil }

// notifyObserver wraps every observer call with the strict/lenient policy:
// strict mode turns a failure into an AuditLogError that aborts the calling
// operation, lenient mode logs and continues so reads and writes still
// succeed with an audit-trail gap (spec.md §4.8).
func (k *Kernel) notifyObserver(ctx context.Context, op string, call func() error) error {
	err := call()
	if err == nil {
		return nil
	}
	if k.auditStrictMode {
		return errtypes.AuditLogError(op + ": " + err.Error())
	}
	logger.Build().Str("op", op).Str("error", err.Error()).Msg(ctx, "observer notification failed (lenient mode)")
	return nil
}
