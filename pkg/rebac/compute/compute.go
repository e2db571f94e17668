// Package compute is the permission computer: it walks a namespace's
// expression tree to answer "does subject have permission on object",
// the graph-traversal half of spec.md §4.6. Grounded on the same
// recursive-expansion shape reva's share/grants code uses when resolving a
// group grant down to its members, generalized to an open relation graph
// instead of a fixed ACL model.
package compute

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nexusfs/core/pkg/log"
	"github.com/nexusfs/core/pkg/rebac"
)

var logger = log.New("rebac/compute")

// TupleStore is the slice of rebac/repository.Repository the computer needs.
// Kept as an interface so compute does not import the sqlite driver.
type TupleStore interface {
	Check(ctx context.Context, subjectType, subjectID, relation, objectType, objectID, zoneID string) (*rebac.Tuple, error)
	ListTupleset(ctx context.Context, objectType, objectID, tupleset, zoneID string) ([]rebac.Object, error)
	ListBySubject(ctx context.Context, subjectType, subjectID, zoneID string) ([]rebac.Tuple, error)
}

// Limits bounds traversal depth and tupleToUserset fan-out.
type Limits struct {
	MaxDepth  int
	MaxFanOut int
}

// DefaultLimits mirrors spec.md §4.6's defaults.
func DefaultLimits() Limits {
	return Limits{MaxDepth: rebac.MaxTraversalDepth, MaxFanOut: 200}
}

// Computer evaluates namespace expressions against a TupleStore.
type Computer struct {
	store      TupleStore
	namespaces *rebac.Registry
	limits     Limits
}

// New builds a Computer.
func New(store TupleStore, namespaces *rebac.Registry, limits Limits) *Computer {
	if limits.MaxDepth <= 0 {
		limits.MaxDepth = rebac.MaxTraversalDepth
	}
	if limits.MaxFanOut <= 0 {
		limits.MaxFanOut = 200
	}
	return &Computer{store: store, namespaces: namespaces, limits: limits}
}

// Request is one permission question.
type Request struct {
	Subject    rebac.Subject
	Permission string
	Object     rebac.Object
	ZoneID     string
	Context    map[string]interface{}
}

// TraceStep records one node visited while explaining a check.
type TraceStep struct {
	Node            string
	Relation        string
	Outcome         string
	TuplesConsulted int
}

// Trace is the accumulated path compute_with_explanation walked.
type Trace struct {
	Steps   []TraceStep
	Allowed bool
}

type state struct {
	visited   map[string]bool
	trace     *Trace
	tuplesHit int
}

// Check reports whether req.Subject holds req.Permission on req.Object.
func (c *Computer) Check(ctx context.Context, req Request) (bool, error) {
	ok, _, err := c.eval(ctx, req, &state{visited: map[string]bool{}}, 0)
	return ok, err
}

// CheckWithExplanation is Check plus an accumulated decision trace.
func (c *Computer) CheckWithExplanation(ctx context.Context, req Request) (bool, Trace, error) {
	tr := &Trace{}
	st := &state{visited: map[string]bool{}, trace: tr}
	ok, _, err := c.eval(ctx, req, st, 0)
	tr.Allowed = ok
	return ok, *tr, err
}

func visitKey(req Request) string {
	return req.Subject.Type + "#" + req.Subject.ID + "#" + req.Permission + "#" + req.Object.Type + "#" + req.Object.ID
}

func (c *Computer) record(st *state, node, relation, outcome string, consulted int) {
	if st.trace != nil {
		st.trace.Steps = append(st.trace.Steps, TraceStep{Node: node, Relation: relation, Outcome: outcome, TuplesConsulted: consulted})
	}
}

// eval returns (allowed, stop-traversal-due-to-cap, error).
func (c *Computer) eval(ctx context.Context, req Request, st *state, depth int) (bool, bool, error) {
	if depth > c.limits.MaxDepth {
		c.record(st, req.Object.Type+"#"+req.Object.ID, req.Permission, "deny:max_depth", 0)
		return false, true, nil
	}
	key := visitKey(req)
	if st.visited[key] {
		c.record(st, req.Object.Type+"#"+req.Object.ID, req.Permission, "deny:cycle", 0)
		return false, false, nil
	}
	st.visited[key] = true

	// 1. direct tuple.
	t, err := c.store.Check(ctx, req.Subject.Type, req.Subject.ID, req.Permission, req.Object.Type, req.Object.ID, req.ZoneID)
	if err != nil {
		return false, false, err
	}
	if t != nil {
		if evalConditions(t.Conditions, req.Context) {
			c.record(st, req.Object.Type+"#"+req.Object.ID, req.Permission, "allow:direct", 1)
			return true, false, nil
		}
		c.record(st, req.Object.Type+"#"+req.Object.ID, req.Permission, "deny:conditions", 1)
	}

	// 2. namespace expression.
	if ns, ok := c.namespaces.Get(req.Object.Type); ok {
		if expr, ok := ns.Permissions[req.Permission]; ok {
			allowed, capped, err := c.evalExpr(ctx, expr, req, st, depth)
			if err != nil {
				return false, false, err
			}
			if allowed {
				return true, false, nil
			}
			if capped {
				return false, true, nil
			}
		}
	}

	// 3. grouping-relation fallback: subject transitively a member of a
	// group/userset that holds the permission.
	groups, err := c.store.ListBySubject(ctx, req.Subject.Type, req.Subject.ID, req.ZoneID)
	if err != nil {
		return false, false, err
	}
	fanOut := 0
	for _, g := range groups {
		if !rebac.HierarchyRelations[g.Relation] || g.Relation == "parent" {
			continue
		}
		fanOut++
		if fanOut > c.limits.MaxFanOut {
			c.record(st, req.Object.Type+"#"+req.Object.ID, req.Permission, "deny:fan_out_cap", fanOut)
			return false, true, nil
		}
		sub := Request{
			Subject:    rebac.Subject{Type: g.ObjectType, ID: g.ObjectID},
			Permission: req.Permission,
			Object:     req.Object,
			ZoneID:     req.ZoneID,
			Context:    req.Context,
		}
		allowed, capped, err := c.eval(ctx, sub, st, depth+1)
		if err != nil {
			return false, false, err
		}
		if allowed {
			c.record(st, req.Object.Type+"#"+req.Object.ID, req.Permission, "allow:group", 1)
			return true, false, nil
		}
		if capped {
			return false, true, nil
		}
	}

	c.record(st, req.Object.Type+"#"+req.Object.ID, req.Permission, "deny", 0)
	return false, false, nil
}

func (c *Computer) evalExpr(ctx context.Context, expr rebac.Expr, req Request, st *state, depth int) (bool, bool, error) {
	switch expr.Kind {
	case rebac.ExprRelation:
		t, err := c.store.Check(ctx, req.Subject.Type, req.Subject.ID, expr.Relation, req.Object.Type, req.Object.ID, req.ZoneID)
		if err != nil {
			return false, false, err
		}
		if t != nil && evalConditions(t.Conditions, req.Context) {
			return true, false, nil
		}
		return false, false, nil

	case rebac.ExprUnion:
		for _, child := range expr.Children {
			allowed, capped, err := c.evalExpr(ctx, child, req, st, depth)
			if err != nil {
				return false, false, err
			}
			if allowed {
				return true, false, nil
			}
			if capped {
				return false, true, nil
			}
		}
		return false, false, nil

	case rebac.ExprIntersection:
		for _, child := range expr.Children {
			allowed, capped, err := c.evalExpr(ctx, child, req, st, depth)
			if err != nil {
				return false, false, err
			}
			if capped {
				return false, true, nil
			}
			if !allowed {
				return false, false, nil
			}
		}
		return true, false, nil

	case rebac.ExprExclusion:
		if len(expr.Children) != 2 {
			return false, false, nil
		}
		allowedA, capped, err := c.evalExpr(ctx, expr.Children[0], req, st, depth)
		if err != nil || capped {
			return false, capped, err
		}
		if !allowedA {
			return false, false, nil
		}
		allowedB, capped, err := c.evalExpr(ctx, expr.Children[1], req, st, depth)
		if err != nil || capped {
			return false, capped, err
		}
		return !allowedB, false, nil

	case rebac.ExprComputedUserset:
		sub := req
		sub.Permission = expr.Relation
		return c.eval(ctx, sub, st, depth+1)

	case rebac.ExprTupleToUserset:
		objs, err := c.store.ListTupleset(ctx, req.Object.Type, req.Object.ID, expr.Tupleset, req.ZoneID)
		if err != nil {
			return false, false, err
		}
		if len(objs) > c.limits.MaxFanOut {
			c.record(st, req.Object.Type+"#"+req.Object.ID, expr.Tupleset, "deny:fan_out_cap", len(objs))
			return false, true, nil
		}
		for _, o := range objs {
			sub := Request{
				Subject:    req.Subject,
				Permission: expr.ComputedUserset,
				Object:     o,
				ZoneID:     req.ZoneID,
				Context:    req.Context,
			}
			allowed, capped, err := c.eval(ctx, sub, st, depth+1)
			if err != nil {
				return false, false, err
			}
			if allowed {
				return true, false, nil
			}
			if capped {
				return false, true, nil
			}
		}
		return false, false, nil
	}
	return false, false, nil
}

// condition is the minimal predicate language a tuple's conditions JSON
// document may encode (spec.md §4.6): a time window, an IP allow-list, and
// a device tag equality check. All present fields must be satisfied.
type condition struct {
	TimeWindow *struct {
		Start *time.Time `json:"start"`
		End   *time.Time `json:"end"`
	} `json:"time_window"`
	IPIn      []string `json:"ip_in"`
	DeviceTag string   `json:"device_tag"`
}

// evalConditions reports whether conditions (possibly empty) is satisfied by
// evalCtx. Tuples without conditions are always eligible.
func evalConditions(conditions json.RawMessage, evalCtx map[string]interface{}) bool {
	if len(conditions) == 0 {
		return true
	}
	var c condition
	if err := json.Unmarshal(conditions, &c); err != nil {
		logger.Build().Str("error", err.Error()).Msg(context.Background(), "malformed tuple conditions, denying")
		return false
	}
	if c.TimeWindow != nil {
		now := time.Now().UTC()
		if c.TimeWindow.Start != nil && now.Before(*c.TimeWindow.Start) {
			return false
		}
		if c.TimeWindow.End != nil && now.After(*c.TimeWindow.End) {
			return false
		}
	}
	if len(c.IPIn) > 0 {
		ip, _ := evalCtx["ip"].(string)
		found := false
		for _, allowed := range c.IPIn {
			if allowed == ip {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if c.DeviceTag != "" {
		tag, _ := evalCtx["device_tag"].(string)
		if tag != c.DeviceTag {
			return false
		}
	}
	return true
}
