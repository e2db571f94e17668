// Package rebac implements the Zanzibar-style relationship-based access
// control engine: tuples, namespace expressions, and the shared vocabulary
// the repository/compute/l1cache/l2cache/manager subpackages build on.
// Grounded on reva's own ACE/grants value objects
// (pkg/storage/utils/ace, pkg/storage/utils/grants) for the shape of a
// permission grant, generalized from reva's fixed UNIX-ACL model to an
// open relation graph.
package rebac

import (
	"encoding/json"
	"time"
)

// Tuple is one relationship edge: "subject has relation on object", scoped
// to a zone, optionally carrying a userset subject (subject_relation) or
// context predicates.
type Tuple struct {
	ID              int64
	SubjectType     string
	SubjectID       string
	SubjectRelation string // non-empty when the subject is itself a userset
	Relation        string
	ObjectType      string
	ObjectID        string
	ZoneID          string
	SubjectZoneID   string
	ObjectZoneID    string
	Conditions      json.RawMessage
	ExpiresAt       *time.Time
	CreatedAt       time.Time
}

// Key returns the (subject, subject_relation, relation, object, zone) tuple
// identity used for idempotent-write comparisons.
func (t Tuple) Key() string {
	return t.SubjectType + "#" + t.SubjectID + "#" + t.SubjectRelation + "#" +
		t.Relation + "#" + t.ObjectType + "#" + t.ObjectID + "#" + t.ZoneID
}

// IsExpired reports whether t has passed its expiry.
func (t Tuple) IsExpired(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

// Subject identifies a principal: a user, or a userset ("group#member").
type Subject struct {
	Type     string
	ID       string
	Relation string // non-empty for a userset subject
}

// Object identifies a resource.
type Object struct {
	Type string
	ID   string
}

// CrossZoneAllowedRelations is the fixed allow-list of relations that may
// legally span two zones (the cross-zone "shared-*" family spec.md §4.5
// describes). Everything else spanning zones is rejected.
var CrossZoneAllowedRelations = map[string]bool{
	"shared-viewer": true,
	"shared-editor": true,
	"shared-owner":  true,
}

// FileGrantingRelations are the relations on object_type="file" that grant
// access and therefore propagate to child paths on invalidation (spec.md
// §4.7 rule 3).
var FileGrantingRelations = map[string]bool{
	"direct_owner":  true,
	"direct_editor": true,
	"direct_viewer": true,
	"shared-viewer": true,
	"shared-editor": true,
	"shared-owner":  true,
}

// HierarchyRelations are relations whose change requires prefix/subject-wide
// invalidation rather than a pinpoint invalidation (parent edges and group
// membership).
var HierarchyRelations = map[string]bool{
	"parent":    true,
	"member-of": true,
	"member":    true,
}

// MaxTraversalDepth bounds DFS ancestor walks (parent-cycle detection) and
// permission-computation recursion.
const MaxTraversalDepth = 50

// DefaultEagerRecomputeLimit caps how many affected permissions an eager
// recompute will refresh before falling back to plain invalidation.
const DefaultEagerRecomputeLimit = 5

// Namespace is the relation/permission graph for one object type.
type Namespace struct {
	ObjectType  string
	Relations   map[string]struct{}
	Permissions map[string]Expr
}

// Expr is a namespace expression node. Exactly one of the typed fields is
// set, discriminated by Kind.
type Expr struct {
	Kind ExprKind

	// Union / Intersection / Exclusion operands.
	Children []Expr

	// ComputedUserset relation name.
	Relation string

	// TupleToUserset fields.
	Tupleset        string
	ComputedUserset string
}

// ExprKind discriminates an Expr node.
type ExprKind int

const (
	ExprRelation ExprKind = iota
	ExprUnion
	ExprIntersection
	ExprExclusion
	ExprComputedUserset
	ExprTupleToUserset
)

// Rel builds a direct-relation leaf expression.
func Rel(relation string) Expr { return Expr{Kind: ExprRelation, Relation: relation} }

// Union builds a union expression.
func Union(children ...Expr) Expr { return Expr{Kind: ExprUnion, Children: children} }

// Intersection builds an intersection expression.
func Intersection(children ...Expr) Expr { return Expr{Kind: ExprIntersection, Children: children} }

// Exclusion builds an a-and-not-b expression. Exactly two children.
func Exclusion(a, b Expr) Expr { return Expr{Kind: ExprExclusion, Children: []Expr{a, b}} }

// ComputedUserset builds a computed-userset expression.
func ComputedUserset(relation string) Expr {
	return Expr{Kind: ExprComputedUserset, Relation: relation}
}

// TupleToUserset builds a tuple-to-userset expression.
func TupleToUserset(tupleset, computedUserset string) Expr {
	return Expr{Kind: ExprTupleToUserset, Tupleset: tupleset, ComputedUserset: computedUserset}
}
