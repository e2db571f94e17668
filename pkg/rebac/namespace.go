package rebac

// DefaultFileNamespace is the built-in "file" namespace: three direct
// grants (owner/editor/viewer), a parent-edge that lets a directory grant
// cascade to its children via tupleToUserset, and group membership folded
// in through the compute package's grouping-relation fallback. Grounded on
// the relation vocabulary the original implementation's permission
// computer walks (direct_owner/direct_editor/direct_viewer, parent,
// member-of/member, shared-viewer/shared-editor/shared-owner).
func DefaultFileNamespace() Namespace {
	return Namespace{
		ObjectType: "file",
		Relations: map[string]struct{}{
			"direct_owner":  {},
			"direct_editor": {},
			"direct_viewer": {},
			"parent":        {},
			"shared-viewer": {},
			"shared-editor": {},
			"shared-owner":  {},
		},
		Permissions: map[string]Expr{
			"owner": Union(
				Rel("direct_owner"),
				Rel("shared-owner"),
				TupleToUserset("parent", "owner"),
			),
			"editor": Union(
				Rel("direct_editor"),
				Rel("shared-editor"),
				ComputedUserset("owner"),
				TupleToUserset("parent", "editor"),
			),
			"viewer": Union(
				Rel("direct_viewer"),
				Rel("shared-viewer"),
				ComputedUserset("editor"),
				TupleToUserset("parent", "viewer"),
			),
		},
	}
}

// DefaultGroupNamespace is the built-in "group" namespace: membership is a
// direct relation, and "member-of" on the subject side is how a user
// transitively inherits a group's grants (walked by the compute package's
// grouping-relation fallback).
func DefaultGroupNamespace() Namespace {
	return Namespace{
		ObjectType: "group",
		Relations: map[string]struct{}{
			"member": {},
		},
		Permissions: map[string]Expr{
			"member": Rel("member"),
		},
	}
}

// Registry is an in-memory namespace catalog, keyed by object type.
type Registry struct {
	namespaces map[string]Namespace
}

// NewRegistry builds a Registry seeded with the default namespaces.
func NewRegistry() *Registry {
	r := &Registry{namespaces: map[string]Namespace{}}
	r.Register(DefaultFileNamespace())
	r.Register(DefaultGroupNamespace())
	return r
}

// Register adds or replaces a namespace.
func (r *Registry) Register(ns Namespace) {
	r.namespaces[ns.ObjectType] = ns
}

// Get returns the namespace for objectType, if any.
func (r *Registry) Get(objectType string) (Namespace, bool) {
	ns, ok := r.namespaces[objectType]
	return ns, ok
}
