// Package workflow evaluates per-project ticket status workflows.
//
// A project either has no workflow, or a Definition listing the statuses a
// ticket may be created in and the directed transitions between statuses.
// A missing or empty definition permits every transition; any content at all
// switches the project to strict evaluation where unlisted moves are refused.
package workflow

import (
	"sort"

	"ticketflow/internal/domain"
)

// StatusSet is an unordered set of status ids.
type StatusSet map[domain.StatusID]struct{}

// NewStatusSet builds a set from ids.
func NewStatusSet(ids ...domain.StatusID) StatusSet {
	s := make(StatusSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s StatusSet) Has(id domain.StatusID) bool {
	_, ok := s[id]
	return ok
}

func (s StatusSet) Add(id domain.StatusID) {
	s[id] = struct{}{}
}

// Sorted returns the ids in ascending order.
func (s StatusSet) Sorted() []domain.StatusID {
	out := make([]domain.StatusID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Definition is the stored workflow of a project.
type Definition struct {
	ProjectID       string
	InitialStatuses StatusSet
	Transitions     map[domain.StatusID]StatusSet
	CreatedAt       string
	UpdatedAt       string
}

// NewDefinition returns an empty definition for a project.
func NewDefinition(projectID string) *Definition {
	return &Definition{
		ProjectID:       projectID,
		InitialStatuses: StatusSet{},
		Transitions:     map[domain.StatusID]StatusSet{},
	}
}

// AddTransition records the edge from -> to.
func (d *Definition) AddTransition(from, to domain.StatusID) {
	if d.Transitions == nil {
		d.Transitions = map[domain.StatusID]StatusSet{}
	}
	targets, ok := d.Transitions[from]
	if !ok {
		targets = StatusSet{}
		d.Transitions[from] = targets
	}
	targets.Add(to)
}

// AddInitial marks a status as allowed on ticket creation.
func (d *Definition) AddInitial(id domain.StatusID) {
	if d.InitialStatuses == nil {
		d.InitialStatuses = StatusSet{}
	}
	d.InitialStatuses.Add(id)
}

// Empty reports whether the definition carries no initial statuses and no
// transition edges. A source key with an empty target set is not an edge.
func (d *Definition) Empty() bool {
	if d == nil {
		return true
	}
	if len(d.InitialStatuses) > 0 {
		return false
	}
	for _, targets := range d.Transitions {
		if len(targets) > 0 {
			return false
		}
	}
	return true
}

// StatusIDs returns every status id referenced by the definition.
func (d *Definition) StatusIDs() StatusSet {
	out := StatusSet{}
	if d == nil {
		return out
	}
	for id := range d.InitialStatuses {
		out.Add(id)
	}
	for from, targets := range d.Transitions {
		out.Add(from)
		for to := range targets {
			out.Add(to)
		}
	}
	return out
}

// Edge is one directed transition.
type Edge struct {
	From domain.StatusID `json:"from"`
	To   domain.StatusID `json:"to"`
}

// Edges lists transitions in a stable order.
func (d *Definition) Edges() []Edge {
	if d == nil {
		return nil
	}
	var edges []Edge
	for from, targets := range d.Transitions {
		for to := range targets {
			edges = append(edges, Edge{From: from, To: to})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	return edges
}

// Policy is the evaluated form of a project's workflow: either unrestricted
// or restricted to a definition.
type Policy struct {
	def *Definition
}

// NewPolicy derives the policy from the stored definition. A nil or empty
// definition yields the unrestricted policy.
func NewPolicy(def *Definition) Policy {
	if def.Empty() {
		return Policy{}
	}
	return Policy{def: def}
}

// Unrestricted reports whether every transition is permitted.
func (p Policy) Unrestricted() bool {
	return p.def == nil
}

// Definition returns the restricting definition, or nil when unrestricted.
func (p Policy) Definition() *Definition {
	return p.def
}

// Allows reports whether moving from -> to is permitted. A nil from means the
// ticket is being created.
func (p Policy) Allows(from *domain.StatusID, to domain.StatusID) bool {
	if p.def == nil {
		return true
	}
	if from == nil {
		return p.def.InitialStatuses.Has(to)
	}
	return p.def.Transitions[*from].Has(to)
}

// Targets returns the statuses reachable from from. It is empty when the
// policy is unrestricted; callers must check Unrestricted before treating the
// result as an allow-list.
func (p Policy) Targets(from *domain.StatusID) StatusSet {
	out := StatusSet{}
	if p.def == nil {
		return out
	}
	src := p.def.InitialStatuses
	if from != nil {
		src = p.def.Transitions[*from]
	}
	for id := range src {
		out.Add(id)
	}
	return out
}

// IsTransitionAllowed evaluates a single transition against a definition that
// may be absent.
func IsTransitionAllowed(def *Definition, from *domain.StatusID, to domain.StatusID) bool {
	return NewPolicy(def).Allows(from, to)
}

// AllowedTargets lists the statuses reachable from from. An absent or empty
// definition yields an empty set, which means "unconstrained", not "none".
func AllowedTargets(def *Definition, from *domain.StatusID) StatusSet {
	return NewPolicy(def).Targets(from)
}
