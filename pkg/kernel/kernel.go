// Package kernel is the file operation kernel: the façade spec.md §4.8
// describes, composing the router, metadata store, CAS (via the router),
// ReBAC manager, observer, workflow engine, event bus, lock manager, and
// parser registry behind read/write/delete/rename/append/edit/stat/list.
// Grounded on reva's storageprovider service (internal/grpc/services/
// storageprovider) as the component that plays the same composing-façade
// role over reva's own storage/ACL/event collaborators.
package kernel

import (
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nexusfs/core/pkg/cas"
	"github.com/nexusfs/core/pkg/errtypes"
	"github.com/nexusfs/core/pkg/events"
	"github.com/nexusfs/core/pkg/lockmgr"
	"github.com/nexusfs/core/pkg/log"
	"github.com/nexusfs/core/pkg/metadata"
	"github.com/nexusfs/core/pkg/nxctx"
	"github.com/nexusfs/core/pkg/parser"
	"github.com/nexusfs/core/pkg/parser/csv"
	"github.com/nexusfs/core/pkg/rebac"
	"github.com/nexusfs/core/pkg/rebac/compute"
	"github.com/nexusfs/core/pkg/rebac/manager"
	"github.com/nexusfs/core/pkg/router"
	"github.com/nexusfs/core/pkg/version"
)

var logger = log.New("kernel")

// reservedPrefix is the one kernel-private path prefix (spec.md §4.8,
// "reserved path prefixes"); every other reserved prefix (/agents/, /memory/,
// /zones/, /sessions/, /skills/) is an ordinary path whose conventions are
// enforced by collaborators outside this module's scope.
const reservedPrefix = "/__sys__/"

// Config wires a Kernel's collaborators and policy flags.
type Config struct {
	Router   *router.Router
	Metadata metadata.Store
	ReBAC    *manager.Manager
	Events   events.Bus
	Locks    lockmgr.Manager
	Parsers  *parser.Registry
	Observer Observer
	Workflow Workflow

	AuditStrictMode    bool
	AutoParse          bool
	DefaultLockTimeout time.Duration
	Registerer         prometheus.Registerer
}

// Kernel is the file operation kernel façade.
type Kernel struct {
	router   *router.Router
	meta     metadata.Store
	rebac    *manager.Manager
	version  *version.Manager
	events   events.Bus
	locks    lockmgr.Manager
	parsers  *parser.Registry
	observer Observer
	workflow Workflow

	tasks     *taskTracker
	ownership *ownershipBuffer
	tiger     *tigerCache
	metrics   *metrics

	auditStrictMode    bool
	autoParse          bool
	defaultLockTimeout time.Duration

	cancelDrain context.CancelFunc
}

// New builds a Kernel and starts its ownership-buffer drain goroutine.
func New(cfg Config) *Kernel {
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Workflow == nil {
		cfg.Workflow = NopWorkflow{}
	}
	if cfg.DefaultLockTimeout == 0 {
		cfg.DefaultLockTimeout = 10 * time.Second
	}
	k := &Kernel{
		router:             cfg.Router,
		meta:               cfg.Metadata,
		rebac:              cfg.ReBAC,
		version:            version.New(cfg.Metadata),
		events:             cfg.Events,
		locks:              cfg.Locks,
		parsers:            cfg.Parsers,
		observer:           cfg.Observer,
		workflow:           cfg.Workflow,
		tasks:              &taskTracker{},
		ownership:          newOwnershipBuffer(),
		tiger:              newTigerCache(),
		metrics:            newMetrics(cfg.Registerer),
		auditStrictMode:    cfg.AuditStrictMode,
		autoParse:          cfg.AutoParse,
		defaultLockTimeout: cfg.DefaultLockTimeout,
	}
	ctx, cancel := context.WithCancel(context.Background())
	k.cancelDrain = cancel
	go k.runOwnershipDrainer(ctx)
	return k
}

// Shutdown stops the ownership drainer, flushes any remaining grants, and
// waits for every tracked background task (workflow notifications,
// auto-parse goroutines) to finish.
func (k *Kernel) Shutdown(ctx context.Context) {
	k.cancelDrain()
	k.FlushOwnershipBuffer(ctx)
	k.tasks.wait()
	k.rebac.Close()
}

func classifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case errAs[errtypes.IsNotFound](err):
		return "not_found"
	case errAs[errtypes.IsPermissionDenied](err):
		return "permission_denied"
	case errAs[errtypes.IsAccessDenied](err):
		return "access_denied"
	case errAs[errtypes.IsConflict](err):
		return "conflict"
	case errAs[errtypes.IsFileExists](err):
		return "file_exists"
	case errAs[errtypes.IsInvalidPath](err):
		return "invalid_path"
	case errAs[errtypes.IsValidationError](err):
		return "validation_error"
	case errAs[errtypes.IsLockTimeout](err):
		return "lock_timeout"
	case errAs[errtypes.IsAuditLogError](err):
		return "audit_log_error"
	case errAs[errtypes.IsBackendError](err):
		return "backend_error"
	default:
		return "unknown"
	}
}

// errAs reports whether err implements marker interface T directly (every
// errtypes kind is its own concrete type implementing exactly one marker,
// so a plain type assertion suffices - no wrapping chain to unwind here).
func errAs[T any](err error) bool {
	_, ok := err.(T)
	return ok
}

func validatePath(path string, opctx nxctx.OpCtx) error {
	if path == "" {
		return errtypes.InvalidPath("empty path")
	}
	if !strings.HasPrefix(path, "/") {
		return errtypes.InvalidPath(path)
	}
	if strings.HasPrefix(path, reservedPrefix) && !opctx.IsAdmin {
		return errtypes.InvalidPath(path)
	}
	return nil
}

// checkPermission enforces permission on (subject, object=path), with the
// owner fast-path: metadata.owner_id equal to the subject id short-circuits
// the ReBAC check (spec.md §4.8).
func (k *Kernel) checkPermission(ctx context.Context, opctx nxctx.OpCtx, permission, path string, entry *metadata.FileEntry) error {
	if opctx.IsAdmin {
		return nil
	}
	subjectType, subjectID := opctx.Subject()
	if entry != nil && entry.OwnerID != "" && entry.OwnerID == subjectID {
		return nil
	}
	ok, err := k.rebac.Check(ctx, compute.Request{
		Subject:    rebac.Subject{Type: subjectType, ID: subjectID},
		Permission: permission,
		Object:     rebac.Object{Type: "file", ID: path},
		ZoneID:     opctx.Zone(),
	})
	if err != nil {
		return err
	}
	if !ok {
		return errtypes.PermissionDenied(path)
	}
	return nil
}

// ReadOptions configures Read.
type ReadOptions struct {
	ReturnMetadata bool
	Parsed         bool
}

// ReadResult is what Read hands back.
type ReadResult struct {
	Content      []byte
	Metadata     *metadata.FileEntry
	ParsedText   string
	ParsedFields map[string]interface{}
}

// Read implements spec.md §4.8's read contract.
func (k *Kernel) Read(opctx nxctx.OpCtx, path string, opts ReadOptions) (res *ReadResult, err error) {
	start := time.Now()
	defer func() { k.metrics.observe("read", start, classifyError(err)) }()
	ctx := opctx.Ctx()

	if err = validatePath(path, opctx); err != nil {
		return nil, err
	}

	// Virtual parsed view: "<original>.md" synthesized from the original
	// file's content when the original exists.
	if base, ok := strings.CutSuffix(path, ".md"); ok {
		if entry, ferr := k.meta.Get(ctx, base); ferr == nil {
			return k.readVirtualParsedView(ctx, opctx, base, entry)
		}
	}

	if err = k.checkPermission(ctx, opctx, "viewer", path, nil); err != nil {
		return nil, err
	}

	route, rerr := k.router.Route(path, opctx, false)
	if rerr != nil {
		return nil, rerr
	}
	opctx = opctx.WithBackendPath(route.BackendPath).WithVirtualPath(path)

	if route.Backend.Capabilities().IsDynamicConnector() {
		connector, ok := route.Backend.(cas.DynamicConnector)
		if !ok {
			return nil, errtypes.BackendError{Op: "read", Cause: errtypes.NotSupported("backend reports dynamic connector capability without implementing it")}
		}
		content, derr := connector.ReadContentDynamic(ctx, opctx)
		if derr != nil {
			return nil, derr
		}
		return &ReadResult{Content: content}, nil
	}

	entry, gerr := k.meta.Get(ctx, path)
	if gerr != nil {
		if !errAs[errtypes.IsNotFound](gerr) || route.Overlay == nil {
			return nil, gerr
		}
		base, overlayErr := route.Overlay.ResolveBase(path)
		if overlayErr != nil {
			return nil, errtypes.NotFound(path)
		}
		return &ReadResult{Content: base}, nil
	}

	content, cerr := route.Backend.ReadContent(ctx, opctx, entry.PhysicalPath)
	if cerr != nil {
		return nil, cerr
	}

	content = k.applyDynamicViewerFilter(ctx, opctx, path, entry, content)

	res = &ReadResult{Content: content}
	if opts.ReturnMetadata {
		res.Metadata = entry
	}
	if opts.Parsed {
		if p, ok := k.parsers.Get(entry.MimeType); ok {
			if result, perr := p.Parse(ctx, content); perr == nil {
				res.ParsedText = result.Text
				res.ParsedFields = result.Fields
			} else {
				logger.Build().Str("path", path).Str("error", perr.Error()).Msg(ctx, "parse on read failed")
			}
		}
	}

	opctx = opctx.RecordRead(path)
	return res, nil
}

func (k *Kernel) readVirtualParsedView(ctx context.Context, opctx nxctx.OpCtx, basePath string, entry *metadata.FileEntry) (*ReadResult, error) {
	if err := k.checkPermission(ctx, opctx, "viewer", basePath, entry); err != nil {
		return nil, err
	}
	route, err := k.router.Route(basePath, opctx, false)
	if err != nil {
		return nil, err
	}
	content, err := route.Backend.ReadContent(ctx, opctx, entry.PhysicalPath)
	if err != nil {
		return nil, err
	}
	p, ok := k.parsers.Get(entry.MimeType)
	if !ok {
		return nil, errtypes.NotSupported("no parser registered for " + entry.MimeType)
	}
	result, err := p.Parse(ctx, content)
	if err != nil {
		return nil, err
	}
	synthetic := *entry
	synthetic.ETag = entry.ETag + ".md"
	synthetic.Path = basePath + ".md"
	return &ReadResult{
		Content:      []byte(result.Text),
		Metadata:     &synthetic,
		ParsedText:   result.Text,
		ParsedFields: result.Fields,
	}, nil
}

// applyDynamicViewerFilter applies the CSV column projection/masking
// transform when the subject has a column-level policy on path. Errors
// fail open: the read was already authorized, so unfiltered content is
// returned rather than denying it (spec.md §4.8).
func (k *Kernel) applyDynamicViewerFilter(ctx context.Context, opctx nxctx.OpCtx, path string, entry *metadata.FileEntry, content []byte) []byte {
	if !strings.Contains(entry.MimeType, "csv") {
		return content
	}
	subjectType, subjectID := opctx.Subject()
	policy, ok, err := k.rebac.GetDynamicViewerConfig(ctx, rebac.Subject{Type: subjectType, ID: subjectID}, rebac.Object{Type: "file", ID: path}, opctx.Zone())
	if err != nil || !ok {
		return content
	}
	filtered, err := csv.FilterColumns(content, csv.ColumnPolicy{Allow: policy.Allow, Mask: policy.Mask})
	if err != nil {
		logger.Build().Str("path", path).Str("error", err.Error()).Msg(ctx, "dynamic-viewer filter failed, returning unfiltered content")
		return content
	}
	return filtered
}

// WriteOptions configures Write.
type WriteOptions struct {
	IfMatch     string
	IfNoneMatch bool
	Force       bool
	Lock        bool
	LockTimeout time.Duration
}

// WriteResult is what Write hands back.
type WriteResult struct {
	ETag       string
	Version    int64
	ModifiedAt time.Time
	Size       int64
}

// Write implements spec.md §4.8's write contract.
func (k *Kernel) Write(opctx nxctx.OpCtx, path string, content []byte, opts WriteOptions) (res *WriteResult, err error) {
	start := time.Now()
	defer func() { k.metrics.observe("write", start, classifyError(err)) }()
	ctx := opctx.Ctx()

	if err = validatePath(path, opctx); err != nil {
		return nil, err
	}

	if opts.Lock {
		timeout := opts.LockTimeout
		if timeout == 0 {
			timeout = k.defaultLockTimeout
		}
		lockID, lerr := k.locks.Acquire(ctx, opctx.Zone(), path, timeout)
		if lerr != nil {
			return nil, lerr
		}
		defer func() { _ = k.locks.Release(context.Background(), lockID, opctx.Zone(), path) }()
	}

	return k.writeLocked(ctx, opctx, path, content, opts)
}

// writeLocked is Write's body, run after Write's optional lock acquisition
// (and while that lock is held); it never acquires a lock itself.
func (k *Kernel) writeLocked(ctx context.Context, opctx nxctx.OpCtx, path string, content []byte, opts WriteOptions) (*WriteResult, error) {
	route, err := k.router.Route(path, opctx, true)
	if err != nil {
		return nil, err
	}
	if route.ReadOnly {
		return nil, errtypes.AccessDenied(path + " is read-only")
	}
	opctx = opctx.WithBackendPath(route.BackendPath).WithVirtualPath(path)

	existing, gerr := k.meta.Get(ctx, path)
	isNew := errAs[errtypes.IsNotFound](gerr)
	if gerr != nil && !isNew {
		return nil, gerr
	}

	permission := "editor"
	if isNew {
		if err := k.checkPermission(ctx, opctx, "editor", parentOf(path), nil); err != nil {
			return nil, err
		}
	} else {
		if err := k.checkPermission(ctx, opctx, permission, path, existing); err != nil {
			return nil, err
		}
	}

	if !opts.Force {
		if opts.IfNoneMatch && !isNew {
			return nil, errtypes.FileExists(path)
		}
		if opts.IfMatch != "" {
			if isNew {
				return nil, errtypes.Conflict{Path: path, Expected: opts.IfMatch, Current: ""}
			}
			if existing.ETag != opts.IfMatch {
				return nil, errtypes.Conflict{Path: path, Expected: opts.IfMatch, Current: existing.ETag}
			}
		}
	}

	hash, err := route.Backend.WriteContent(ctx, opctx, content)
	if err != nil {
		return nil, err
	}
	return k.finalizeWrite(ctx, opctx, route, path, hash, int64(len(content)), existing, isNew)
}

// finalizeWrite is the common tail of write/write_batch/write_stream once
// content has been written to CAS and hash is known: builds and persists
// the metadata row, applies ancestor-grant inheritance, invalidates the
// parser cache, enqueues the deferred ownership grant, optionally spawns
// auto-parse, and fires observer/workflow/event-bus notifications (spec.md
// §4.8).
func (k *Kernel) finalizeWrite(ctx context.Context, opctx nxctx.OpCtx, route router.Route, path, hash string, size int64, existing *metadata.FileEntry, isNew bool) (*WriteResult, error) {
	now := time.Now().UTC()
	meta := metadata.FileEntry{
		Path:         path,
		BackendName:  route.Mount.BackendName,
		PhysicalPath: hash,
		ETag:         hash,
		Size:         size,
		MimeType:     mimeFromPath(path),
		ModifiedAt:   now,
		ZoneID:       opctx.Zone(),
		TenantID:     opctx.TenantID,
	}
	subjectType, subjectID := opctx.Subject()
	if isNew {
		meta.CreatedBy = subjectID
		meta.OwnerID = subjectID
		meta.CreatedAt = now
	} else {
		meta.OwnerID = existing.OwnerID
		meta.CreatedBy = existing.CreatedBy
		meta.CreatedAt = existing.CreatedAt
	}

	if err := k.meta.Put(ctx, meta); err != nil {
		return nil, err
	}
	written, err := k.meta.Get(ctx, path)
	if err != nil {
		return nil, err
	}

	k.applyAncestorGrantInheritance(ctx, path, isNew)

	_ = k.meta.SetFileMetadata(ctx, path, "parsed_text", nil)
	_ = k.meta.SetFileMetadata(ctx, path, "parsed_at", nil)
	_ = k.meta.SetFileMetadata(ctx, path, "parser_name", nil)

	if isNew {
		k.ownership.enqueue(ownershipGrant{creatorType: subjectType, creatorID: subjectID, path: path, zoneID: opctx.Zone()})
		k.ownership.enqueueEdges(parentEdgesFor(path, opctx.Zone()))
	}

	if k.autoParse {
		k.spawnAutoParse(path, written.MimeType, hash, route)
	}

	if err := k.notifyObserver(ctx, "write", func() error { return k.observer.OnWrite(ctx, path, *written) }); err != nil {
		return nil, err
	}

	k.fireWorkflow(string(events.FileWrite), map[string]interface{}{"path": path, "etag": written.ETag, "version": written.Version})
	_ = k.events.Publish(events.FileEvent{
		Type: events.FileWrite, Path: path, ZoneID: opctx.Zone(), Size: written.Size, ETag: written.ETag,
		AgentID: opctx.AgentID, Revision: written.Version, At: now,
	})

	return &WriteResult{ETag: written.ETag, Version: written.Version, ModifiedAt: written.ModifiedAt, Size: written.Size}, nil
}

func (k *Kernel) spawnAutoParse(path, mimeType, hash string, route router.Route) {
	p, ok := k.parsers.Get(mimeType)
	if !ok {
		return
	}
	k.tasks.spawn("parser-"+path, func(ctx context.Context) {
		content, err := route.Backend.ReadContent(ctx, nxctx.OpCtx{Context: ctx}, hash)
		if err != nil {
			logger.Build().Str("path", path).Str("error", err.Error()).Msg(ctx, "auto-parse read failed")
			return
		}
		result, err := p.Parse(ctx, content)
		if err != nil {
			logger.Build().Str("path", path).Str("error", err.Error()).Msg(ctx, "auto-parse failed")
			return
		}
		_ = k.meta.SetFileMetadata(ctx, path, "parsed_text", result.Text)
		_ = k.meta.SetFileMetadata(ctx, path, "parsed_at", time.Now().UTC())
		_ = k.meta.SetFileMetadata(ctx, path, "parser_name", mimeType)
	})
}

// Delete implements spec.md §4.8's delete contract.
func (k *Kernel) Delete(opctx nxctx.OpCtx, path string) (err error) {
	start := time.Now()
	defer func() { k.metrics.observe("delete", start, classifyError(err)) }()
	ctx := opctx.Ctx()

	if err = validatePath(path, opctx); err != nil {
		return err
	}
	route, rerr := k.router.Route(path, opctx, true)
	if rerr != nil {
		return rerr
	}
	if route.ReadOnly {
		return errtypes.AccessDenied(path + " is read-only")
	}

	entry, gerr := k.meta.Get(ctx, path)
	if gerr != nil {
		if errAs[errtypes.IsNotFound](gerr) && route.Overlay != nil {
			if _, overlayErr := route.Overlay.ResolveBase(path); overlayErr == nil {
				return route.Overlay.CreateWhiteout(path)
			}
		}
		return gerr
	}

	if err = k.checkPermission(ctx, opctx, "editor", path, entry); err != nil {
		return err
	}

	if err = k.notifyObserver(ctx, "delete", func() error { return k.observer.OnDelete(ctx, path, entry) }); err != nil {
		return err
	}

	if entry.PhysicalPath != "" {
		if derr := route.Backend.DeleteContent(ctx, opctx, entry.PhysicalPath); derr != nil {
			return derr
		}
	}
	if err = k.meta.Delete(ctx, path); err != nil {
		return err
	}

	for _, ancestor := range ancestorsOf(path) {
		k.tiger.remove(ancestor, path)
	}

	k.fireWorkflow(string(events.FileDelete), map[string]interface{}{"path": path})
	_ = k.events.Publish(events.FileEvent{Type: events.FileDelete, Path: path, ZoneID: opctx.Zone(), AgentID: opctx.AgentID, At: time.Now().UTC()})
	return nil
}

// Rename implements spec.md §4.8's rename contract.
func (k *Kernel) Rename(opctx nxctx.OpCtx, oldPath, newPath string) (err error) {
	start := time.Now()
	defer func() { k.metrics.observe("rename", start, classifyError(err)) }()
	ctx := opctx.Ctx()

	if err = validatePath(oldPath, opctx); err != nil {
		return err
	}
	if err = validatePath(newPath, opctx); err != nil {
		return err
	}
	oldRoute, rerr := k.router.Route(oldPath, opctx, true)
	if rerr != nil {
		return rerr
	}
	newRoute, rerr := k.router.Route(newPath, opctx, true)
	if rerr != nil {
		return rerr
	}
	if oldRoute.ReadOnly || newRoute.ReadOnly {
		return errtypes.AccessDenied("rename across a read-only mount")
	}

	entry, gerr := k.meta.Get(ctx, oldPath)
	isDir, direrr := k.meta.IsImplicitDirectory(ctx, oldPath)
	if gerr != nil && !isDir {
		return errtypes.NotFound(oldPath)
	}
	_ = direrr

	if exists, eerr := k.meta.Exists(ctx, newPath); eerr == nil && exists {
		return errtypes.FileExists(newPath)
	}

	if err = k.checkPermission(ctx, opctx, "editor", oldPath, entry); err != nil {
		return err
	}

	if renamer, ok := oldRoute.Backend.(cas.PathRenamer); ok && oldRoute.Backend.Capabilities().SupportsRename {
		if err = renamer.RenameFile(ctx, opctx, oldRoute.BackendPath, newRoute.BackendPath); err != nil {
			return err
		}
	}

	if err = k.meta.RenamePath(ctx, oldPath, newPath); err != nil {
		return err
	}
	if err := k.rebac.UpdateObjectPath(ctx, oldPath, newPath, isDir); err != nil {
		logger.Build().Str("old", oldPath).Str("new", newPath).Str("error", err.Error()).Msg(ctx, "rebac path propagation failed")
	}

	k.moveAncestorGrants(ctx, oldPath, newPath)

	if err = k.notifyObserver(ctx, "rename", func() error { return k.observer.OnRename(ctx, oldPath, newPath) }); err != nil {
		return err
	}

	k.fireWorkflow(string(events.FileRename), map[string]interface{}{"old_path": oldPath, "new_path": newPath})
	_ = k.events.Publish(events.FileEvent{Type: events.FileRename, Path: newPath, OldPath: oldPath, ZoneID: opctx.Zone(), AgentID: opctx.AgentID, At: time.Now().UTC()})
	return nil
}

// Append reads the existing bytes (empty if missing), concatenates content,
// and writes the result (spec.md §4.8). Not-found and permission errors on
// the read are treated as "empty existing" so the first append creates the
// file, subject to parent permissions.
func (k *Kernel) Append(opctx nxctx.OpCtx, path string, content []byte, opts WriteOptions) (*WriteResult, error) {
	existing, err := k.Read(opctx, path, ReadOptions{})
	var base []byte
	if err == nil {
		base = existing.Content
	} else if !errAs[errtypes.IsNotFound](err) && !errAs[errtypes.IsPermissionDenied](err) {
		return nil, err
	}
	return k.Write(opctx, path, append(base, content...), opts)
}

// Stat returns the synthesized {size, etag, version, modified_at,
// is_directory} view spec.md §4.8 describes.
type StatResult struct {
	Size        int64
	ETag        string
	Version     int64
	ModifiedAt  time.Time
	IsDirectory bool
}

func (k *Kernel) Stat(opctx nxctx.OpCtx, path string) (res *StatResult, err error) {
	start := time.Now()
	defer func() { k.metrics.observe("stat", start, classifyError(err)) }()
	ctx := opctx.Ctx()

	if err = validatePath(path, opctx); err != nil {
		return nil, err
	}
	if isDir, derr := k.meta.IsImplicitDirectory(ctx, path); derr == nil && isDir {
		if perr := k.checkPermission(ctx, opctx, "viewer", path, nil); perr != nil {
			return nil, perr
		}
		return &StatResult{IsDirectory: true}, nil
	}
	entry, gerr := k.meta.Get(ctx, path)
	if gerr != nil {
		return nil, gerr
	}
	if err = k.checkPermission(ctx, opctx, "viewer", path, entry); err != nil {
		return nil, err
	}
	return &StatResult{Size: entry.Size, ETag: entry.ETag, Version: entry.Version, ModifiedAt: entry.ModifiedAt}, nil
}

// Exists checks READ on a file, or TRAVERSE-then-fallback on an implicit
// directory (spec.md §4.8, noting the documented over-strictness: a real
// file gets a single permission check with no descendant search, for
// latency).
func (k *Kernel) Exists(opctx nxctx.OpCtx, path string) (bool, error) {
	ctx := opctx.Ctx()
	if err := validatePath(path, opctx); err != nil {
		return false, err
	}
	if isDir, err := k.meta.IsImplicitDirectory(ctx, path); err == nil && isDir {
		if perr := k.checkPermission(ctx, opctx, "viewer", path, nil); perr == nil {
			return true, nil
		}
		return k.descendantAccessCheck(ctx, opctx, path)
	}
	exists, err := k.meta.Exists(ctx, path)
	if err != nil || !exists {
		return false, err
	}
	entry, err := k.meta.Get(ctx, path)
	if err != nil {
		return false, err
	}
	if err := k.checkPermission(ctx, opctx, "viewer", path, entry); err != nil {
		if errAs[errtypes.IsPermissionDenied](err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// descendantAccessCheck resolves the directory's children and returns true
// if the subject has viewer access to at least one, the fallback path for
// an implicit directory whose TRAVERSE check failed.
func (k *Kernel) descendantAccessCheck(ctx context.Context, opctx nxctx.OpCtx, path string) (bool, error) {
	entries, _, err := k.meta.ListDirectoryEntries(ctx, path, opctx.TenantID)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if perr := k.checkPermission(ctx, opctx, "viewer", e.Child, nil); perr == nil {
			return true, nil
		}
	}
	return false, nil
}

// List returns directory entries under prefix.
func (k *Kernel) List(opctx nxctx.OpCtx, prefix string, recursive bool) ([]metadata.FileEntry, error) {
	ctx := opctx.Ctx()
	if err := k.checkPermission(ctx, opctx, "viewer", prefix, nil); err != nil {
		return nil, err
	}
	return k.meta.List(ctx, prefix, recursive, opctx.TenantID)
}

// ListPaginated is List's keyset-paginated variant.
func (k *Kernel) ListPaginated(opctx nxctx.OpCtx, prefix string, recursive bool, limit int, cursor metadata.Cursor) ([]metadata.FileEntry, metadata.Cursor, error) {
	ctx := opctx.Ctx()
	if err := k.checkPermission(ctx, opctx, "viewer", prefix, nil); err != nil {
		return nil, "", err
	}
	return k.meta.ListPaginated(ctx, prefix, recursive, limit, cursor, opctx.TenantID)
}

// ReadRange satisfies a byte-range read, relying on the backend to serve it
// natively when possible.
func (k *Kernel) ReadRange(opctx nxctx.OpCtx, path string, start, end int64) ([]byte, error) {
	ctx := opctx.Ctx()
	entry, err := k.meta.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := k.checkPermission(ctx, opctx, "viewer", path, entry); err != nil {
		return nil, err
	}
	route, err := k.router.Route(path, opctx, false)
	if err != nil {
		return nil, err
	}
	r, err := route.Backend.StreamRange(ctx, opctx.WithBackendPath(route.BackendPath), entry.PhysicalPath, start, end, 64*1024)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, errtypes.BackendError{Op: "read_range", Cause: err}
	}
	return buf.Bytes(), nil
}

// Stream returns a lazy reader over path's current content in
// chunkSize-sized reads, using the backend's plain (non-range) streaming
// read (spec.md §4.8 "stream", distinct from ReadRange/stream_range).
// Callers must Close the returned reader.
func (k *Kernel) Stream(opctx nxctx.OpCtx, path string, chunkSize int) (io.ReadCloser, error) {
	ctx := opctx.Ctx()
	entry, err := k.meta.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := k.checkPermission(ctx, opctx, "viewer", path, entry); err != nil {
		return nil, err
	}
	route, err := k.router.Route(path, opctx, false)
	if err != nil {
		return nil, err
	}
	return route.Backend.StreamContent(ctx, opctx.WithBackendPath(route.BackendPath), entry.PhysicalPath, chunkSize)
}

func parentOf(path string) string {
	idx := strings.LastIndex(strings.TrimSuffix(path, "/"), "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

func mimeFromPath(path string) string {
	switch {
	case strings.HasSuffix(path, ".csv"):
		return "text/csv"
	case strings.HasSuffix(path, ".md"), strings.HasSuffix(path, ".txt"):
		return "text/plain"
	case strings.HasSuffix(path, ".json"):
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
