// Package nxctx defines the operation context the kernel threads through
// every file operation: the opaque caller identity/zone/tenant bundle the
// transport layer (out of scope for this module, see spec.md §1) is
// responsible for deriving. The kernel never mutates an incoming OpCtx; when
// a collaborator needs to enrich it (the router populating BackendPath) it
// works on a copy, returned by WithBackendPath/WithVirtualPath.
package nxctx

import "context"

// OpCtx carries everything the kernel needs to route, authorize, and
// annotate a single file operation. It is the Go shape of spec.md §6's
// "operation context".
type OpCtx struct {
	Context context.Context

	User    string
	Groups  []string
	ZoneID  string
	AgentID string
	IsAdmin bool

	SubjectID   string
	SubjectType string // defaults to "user" if empty, see Subject()

	TenantID string

	TrackReads bool
	ReadSet    []string

	// BackendPath is populated by the router before handing the context to
	// a backend; VirtualPath is the path the operation was invoked with.
	BackendPath string
	VirtualPath string
}

// Subject returns (subject_type, subject_id) with the "user" default applied.
func (c OpCtx) Subject() (subjectType, subjectID string) {
	st := c.SubjectType
	if st == "" {
		st = "user"
	}
	sid := c.SubjectID
	if sid == "" {
		sid = c.User
	}
	return st, sid
}

// Zone returns the effective zone, defaulting to "default" like the rest of
// the kernel (metadata rows, zookies, ReBAC tuples all default this way).
func (c OpCtx) Zone() string {
	if c.ZoneID == "" {
		return "default"
	}
	return c.ZoneID
}

// WithBackendPath returns a copy of c with BackendPath set. The kernel never
// mutates the caller's OpCtx in place.
func (c OpCtx) WithBackendPath(p string) OpCtx {
	c.BackendPath = p
	return c
}

// WithVirtualPath returns a copy of c with VirtualPath set.
func (c OpCtx) WithVirtualPath(p string) OpCtx {
	c.VirtualPath = p
	return c
}

// RecordRead appends path to the context's read-set when TrackReads is
// enabled, returning the (possibly unmodified) copy. Used by the kernel's
// read path for dependency tracking.
func (c OpCtx) RecordRead(path string) OpCtx {
	if !c.TrackReads {
		return c
	}
	rs := make([]string, len(c.ReadSet), len(c.ReadSet)+1)
	copy(rs, c.ReadSet)
	c.ReadSet = append(rs, path)
	return c
}

// Ctx returns the embedded context.Context, defaulting to Background.
func (c OpCtx) Ctx() context.Context {
	if c.Context == nil {
		return context.Background()
	}
	return c.Context
}
