// Package flow defines the flow graph model shared by the loader, the
// importer and the stores: nodes, edges, the sentinel anchors and the
// structural diagnostics run before a flow is committed.
package flow

import (
	"encoding/json"
	"time"
)

// Sentinel node ids. Start and End anchors keep these ids across every
// import; they are never regenerated.
const (
	StartNodeID = "start-node"
	EndNodeID   = "end-node"
)

// NodeKind identifies the type of a flow node.
type NodeKind string

const (
	KindStart         NodeKind = "start"
	KindEnd           NodeKind = "end"
	KindAgent         NodeKind = "agent"
	KindIfNode        NodeKind = "ifNode"
	KindDataStoreNode NodeKind = "dataStoreNode"
)

// Valid reports whether k is one of the known node kinds.
func (k NodeKind) Valid() bool {
	switch k {
	case KindStart, KindEnd, KindAgent, KindIfNode, KindDataStoreNode:
		return true
	}
	return false
}

// OwnsEntity reports whether nodes of this kind share their id with a
// separately stored entity row.
func (k NodeKind) OwnsEntity() bool {
	return k == KindAgent || k == KindIfNode || k == KindDataStoreNode
}

// IsSentinel reports whether k is an anchor kind (Start or End).
func (k NodeKind) IsSentinel() bool {
	return k == KindStart || k == KindEnd
}

// Position is the canvas location of a node.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is a vertex of the flow graph.
type Node struct {
	ID       string         `json:"id"`
	Kind     NodeKind       `json:"type"`
	Position Position       `json:"position"`
	Data     map[string]any `json:"data,omitempty"`
}

// Edge is a directed connection between two node ids.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
	BranchLabel  string `json:"label,omitempty"`
}

// Flow is the persisted top-level flow aggregate. Node ids of entity-bearing
// kinds reference rows in the agent, data-store-node and if-node stores.
type Flow struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Description      string          `json:"description,omitempty"`
	Nodes            []Node          `json:"nodes"`
	Edges            []Edge          `json:"edges"`
	ResponseTemplate string          `json:"responseTemplate,omitempty"`
	DataStoreSchema  json.RawMessage `json:"dataStoreSchema,omitempty"`
	PanelLayout      json.RawMessage `json:"panelStructure,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// NodeIDs returns the ids of all nodes in declaration order.
func (f *Flow) NodeIDs() []string {
	ids := make([]string, 0, len(f.Nodes))
	for _, n := range f.Nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

// NodesOfKind returns the nodes whose kind is k.
func (f *Flow) NodesOfKind(k NodeKind) []Node {
	var out []Node
	for _, n := range f.Nodes {
		if n.Kind == k {
			out = append(out, n)
		}
	}
	return out
}

// Clone returns a deep copy of the flow. Node data maps are copied
// recursively so callers can mutate the result freely.
func (f Flow) Clone() Flow {
	out := f
	out.Nodes = make([]Node, len(f.Nodes))
	for i, n := range f.Nodes {
		n.Data = CloneMap(n.Data)
		out.Nodes[i] = n
	}
	out.Edges = append([]Edge(nil), f.Edges...)
	out.DataStoreSchema = append(json.RawMessage(nil), f.DataStoreSchema...)
	out.PanelLayout = append(json.RawMessage(nil), f.PanelLayout...)
	return out
}

// CloneMap deep-copies a JSON-shaped map.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies a JSON-shaped value (maps, slices, scalars).
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = CloneValue(item)
		}
		return out
	default:
		return v
	}
}
