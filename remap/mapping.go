// Package remap builds the old-to-new identifier mapping for an imported
// flow and applies it to nodes, edges and the panel layout.
//
// Nodes and the entities they own share a single identifier space, so the
// mapping is an arena: every old node id is interned once into a Handle, and
// per-kind side tables list the handles of each node kind. A handle belongs
// to exactly one kind, which makes reuse of an id across kinds impossible.
package remap

import (
	"errors"
	"fmt"

	"github.com/petal-labs/flowport/flow"
	"github.com/petal-labs/flowport/idgen"
)

var (
	// ErrDuplicateNodeID is returned when two nodes share an old id.
	ErrDuplicateNodeID = errors.New("duplicate node id")

	// ErrEmptyNodeID is returned for a node without an id.
	ErrEmptyNodeID = errors.New("node has no id")

	// ErrNotInjective is returned when the generator produced an id that was
	// already assigned in the same mapping.
	ErrNotInjective = errors.New("id generator returned a duplicate id")
)

// Scope selects which entity-bearing node kinds get an id shared with an
// entity row.
type Scope int

const (
	// ScopeAgents covers agent nodes only. Legacy exports embed data-store
	// and if-node payloads in the node itself.
	ScopeAgents Scope = iota
	// ScopeAllEntities covers agents, data-store nodes and if-nodes.
	ScopeAllEntities
)

// Includes reports whether nodes of kind own an entity under this scope.
func (s Scope) Includes(kind flow.NodeKind) bool {
	switch s {
	case ScopeAgents:
		return kind == flow.KindAgent
	case ScopeAllEntities:
		return kind.OwnsEntity()
	default:
		return false
	}
}

func (s Scope) String() string {
	if s == ScopeAllEntities {
		return "all_entities"
	}
	return "agents"
}

// Handle is an opaque reference to one interned node id.
type Handle int

// Entry is the arena slot behind a Handle.
type Entry struct {
	OldID string
	NewID string
	Kind  flow.NodeKind
	// Entity is true when NewID is shared with an entity row.
	Entity bool
}

// Graph is the part of a canonical flow the mapping is built from.
type Graph struct {
	FlowID string
	Nodes  []flow.Node
}

// Mapping is the total, injective old-to-new id mapping of one import. It is
// read-only after Build and safe for concurrent reads.
type Mapping struct {
	scope   Scope
	entries []Entry
	byOld   map[string]Handle
	byKind  map[flow.NodeKind][]Handle

	oldFlowID string
	newFlowID string
}

// Build interns every node id of g and assigns new ids:
//   - Start and End nodes map to themselves
//   - nodes of a kind in scope get a fresh id shared with their entity
//   - every other node gets a fresh node-only id
//
// The flow itself also gets a fresh id.
func Build(g Graph, scope Scope, gen idgen.Generator) (*Mapping, error) {
	m := &Mapping{
		scope:     scope,
		entries:   make([]Entry, 0, len(g.Nodes)),
		byOld:     make(map[string]Handle, len(g.Nodes)),
		byKind:    make(map[flow.NodeKind][]Handle),
		oldFlowID: g.FlowID,
	}
	assigned := make(map[string]bool, len(g.Nodes)+1)

	for i, n := range g.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("nodes[%d]: %w", i, ErrEmptyNodeID)
		}
		if _, dup := m.byOld[n.ID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateNodeID, n.ID)
		}

		e := Entry{OldID: n.ID, Kind: n.Kind}
		if n.Kind.IsSentinel() {
			e.NewID = n.ID
		} else {
			e.NewID = gen.NewID()
			e.Entity = scope.Includes(n.Kind)
		}
		if assigned[e.NewID] {
			return nil, fmt.Errorf("%w: %q", ErrNotInjective, e.NewID)
		}
		assigned[e.NewID] = true

		h := Handle(len(m.entries))
		m.entries = append(m.entries, e)
		m.byOld[n.ID] = h
		m.byKind[n.Kind] = append(m.byKind[n.Kind], h)
	}

	m.newFlowID = gen.NewID()
	if assigned[m.newFlowID] {
		return nil, fmt.Errorf("%w: flow id %q", ErrNotInjective, m.newFlowID)
	}
	return m, nil
}

// Scope returns the scope the mapping was built with.
func (m *Mapping) Scope() Scope { return m.scope }

// Len returns the number of interned node ids.
func (m *Mapping) Len() int { return len(m.entries) }

// Lookup returns the handle for an old node id.
func (m *Mapping) Lookup(oldID string) (Handle, bool) {
	h, ok := m.byOld[oldID]
	return h, ok
}

// Entry returns the slot behind h. It panics if h is out of range.
func (m *Mapping) Entry(h Handle) Entry { return m.entries[h] }

// NewID returns the new id for an old node id.
func (m *Mapping) NewID(oldID string) (string, bool) {
	h, ok := m.byOld[oldID]
	if !ok {
		return "", false
	}
	return m.entries[h].NewID, true
}

// EntityID returns the new id for oldID when it belongs to a node whose
// entity is imported under this mapping's scope and has the given kind.
func (m *Mapping) EntityID(kind flow.NodeKind, oldID string) (string, bool) {
	h, ok := m.byOld[oldID]
	if !ok {
		return "", false
	}
	e := m.entries[h]
	if !e.Entity || e.Kind != kind {
		return "", false
	}
	return e.NewID, true
}

// Handles returns the handles of every node of kind, in graph order.
func (m *Mapping) Handles(kind flow.NodeKind) []Handle {
	return append([]Handle(nil), m.byKind[kind]...)
}

// OldFlowID returns the flow id found in the export, possibly empty.
func (m *Mapping) OldFlowID() string { return m.oldFlowID }

// NewFlowID returns the freshly generated flow id.
func (m *Mapping) NewFlowID() string { return m.newFlowID }

// Pairs returns the node mapping as a plain map.
func (m *Mapping) Pairs() map[string]string {
	out := make(map[string]string, len(m.entries))
	for _, e := range m.entries {
		out[e.OldID] = e.NewID
	}
	return out
}
