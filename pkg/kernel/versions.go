package kernel

import (
	"time"

	"github.com/nexusfs/core/pkg/events"
	"github.com/nexusfs/core/pkg/metadata"
	"github.com/nexusfs/core/pkg/nxctx"
)

// GetVersion resolves path@version to the historical metadata view (spec.md
// §4.4), permission-gated the same as Read: viewer on the live path, with
// the owner fast-path against the live entry's owner (a soft-deleted or
// superseded version carries no owner of its own).
func (k *Kernel) GetVersion(opctx nxctx.OpCtx, path string, version int64) (*metadata.FileEntry, error) {
	ctx := opctx.Ctx()
	if err := validatePath(path, opctx); err != nil {
		return nil, err
	}
	live, _ := k.meta.Get(ctx, path)
	if err := k.checkPermission(ctx, opctx, "viewer", path, live); err != nil {
		return nil, err
	}
	return k.version.GetVersion(ctx, path, version)
}

// ListVersions returns path's version-history rows, newest first.
func (k *Kernel) ListVersions(opctx nxctx.OpCtx, path string) ([]metadata.VersionRow, error) {
	ctx := opctx.Ctx()
	if err := validatePath(path, opctx); err != nil {
		return nil, err
	}
	live, _ := k.meta.Get(ctx, path)
	if err := k.checkPermission(ctx, opctx, "viewer", path, live); err != nil {
		return nil, err
	}
	return k.version.ListVersions(ctx, path)
}

// Rollback resolves version toVersion and writes a new version whose
// content_hash references the existing blob (spec.md §4.4): no CAS write,
// no ref-count bump, just a version-history row with source_type="rollback".
// Requires editor on the live path, the same gate as an ordinary write.
func (k *Kernel) Rollback(opctx nxctx.OpCtx, path string, toVersion int64) (res *StatResult, err error) {
	start := time.Now()
	defer func() { k.metrics.observe("rollback", start, classifyError(err)) }()
	ctx := opctx.Ctx()

	if err = validatePath(path, opctx); err != nil {
		return nil, err
	}
	entry, gerr := k.meta.Get(ctx, path)
	if gerr != nil {
		return nil, gerr
	}
	if err = k.checkPermission(ctx, opctx, "editor", path, entry); err != nil {
		return nil, err
	}

	_, subjectID := opctx.Subject()
	if err = k.version.Rollback(ctx, path, toVersion, subjectID); err != nil {
		return nil, err
	}

	rolled, gerr := k.meta.Get(ctx, path)
	if gerr != nil {
		return nil, gerr
	}

	k.fireWorkflow(string(events.FileWrite), map[string]interface{}{"path": path, "etag": rolled.ETag, "version": rolled.Version, "rollback_from": toVersion})

	return &StatResult{Size: rolled.Size, ETag: rolled.ETag, Version: rolled.Version, ModifiedAt: rolled.ModifiedAt}, nil
}

// GetVersionDiff returns the size/hash/mime-type delta between two versions
// (spec.md §4.4); content-level diffing is left to the caller.
func (k *Kernel) GetVersionDiff(opctx nxctx.OpCtx, path string, v1, v2 int64) (metadata.VersionDiff, error) {
	ctx := opctx.Ctx()
	if err := validatePath(path, opctx); err != nil {
		return metadata.VersionDiff{}, err
	}
	live, _ := k.meta.Get(ctx, path)
	if err := k.checkPermission(ctx, opctx, "viewer", path, live); err != nil {
		return metadata.VersionDiff{}, err
	}
	return k.version.GetVersionDiff(ctx, path, v1, v2)
}
