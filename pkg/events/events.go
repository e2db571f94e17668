// Package events defines the kernel's event-bus collaborator contract
// (spec.md §6): a FileEvent envelope and a Bus interface the kernel
// publishes to on every write/delete/rename. Concrete buses live in
// subpackages (natsbus for a JetStream-backed deployment, membus for
// single-node/test use), following the same split reva draws between its
// generic go-micro/v4 events.Stream plumbing (pkg/events/stream/stream.go)
// and the concrete event payloads it carries.
package events

import "time"

// Type discriminates the kind of mutation a FileEvent reports.
type Type string

const (
	FileWrite  Type = "FILE_WRITE"
	FileDelete Type = "FILE_DELETE"
	FileRename Type = "FILE_RENAME"
	DirCreate  Type = "DIR_CREATE"
	DirDelete  Type = "DIR_DELETE"
)

// FileEvent is the wire payload the kernel publishes after every successful
// mutation, per spec.md §6's event-bus collaborator contract.
type FileEvent struct {
	Type     Type
	Path     string
	ZoneID   string
	Size     int64
	ETag     string
	AgentID  string
	OldPath  string
	Revision int64
	At       time.Time
}

// Bus is the collaborator the kernel publishes FileEvents to. Publish
// failures are logged and swallowed by the kernel (spec.md §5, §7):
// event-bus errors never fail the user-facing operation.
type Bus interface {
	Start() error
	Publish(ev FileEvent) error
}
