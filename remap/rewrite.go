package remap

import (
	"encoding/json"
	"fmt"

	"github.com/petal-labs/flowport/flow"
	"github.com/petal-labs/flowport/idgen"
)

// flowRefKeys are the payload and layout keys that hold an owning flow id.
var flowRefKeys = map[string]bool{
	"flowId":  true,
	"flow_id": true,
}

// RewriteNodes returns copies of nodes with ids substituted through m. Node
// data is deep-cloned. For data-store and if-nodes whose entity is in scope,
// the embedded flow id is set to the new flow id; any other in-scope node
// that carries a flow id gets the same treatment. An "id" key in node data
// equal to the old node id is rewritten too.
func RewriteNodes(nodes []flow.Node, m *Mapping) []flow.Node {
	out := make([]flow.Node, len(nodes))
	for i, n := range nodes {
		oldID := n.ID
		if newID, ok := m.NewID(oldID); ok {
			n.ID = newID
		}
		n.Data = flow.CloneMap(n.Data)

		if m.Scope().Includes(n.Kind) {
			if n.Kind == flow.KindDataStoreNode || n.Kind == flow.KindIfNode {
				if n.Data == nil {
					n.Data = make(map[string]any)
				}
				n.Data["flowId"] = m.NewFlowID()
			}
			for key := range flowRefKeys {
				if _, ok := n.Data[key]; ok {
					n.Data[key] = m.NewFlowID()
				}
			}
		}
		if self, ok := n.Data["id"].(string); ok && self == oldID {
			n.Data["id"] = n.ID
		}
		out[i] = n
	}
	return out
}

// RewriteEdges returns copies of edges with source and target substituted
// through m and a fresh id each. An endpoint missing from m keeps its
// original id; fallbacks counts how often that happened.
func RewriteEdges(edges []flow.Edge, m *Mapping, gen idgen.Generator) (out []flow.Edge, fallbacks int) {
	out = make([]flow.Edge, len(edges))
	for i, e := range edges {
		if id, ok := m.NewID(e.Source); ok {
			e.Source = id
		} else {
			fallbacks++
		}
		if id, ok := m.NewID(e.Target); ok {
			e.Target = id
		} else {
			fallbacks++
		}
		e.ID = gen.NewID()
		out[i] = e
	}
	return out, fallbacks
}

// RewritePanelLayout deep-clones a panel layout and points every flow
// reference in it at the new flow id: values under flowId/flow_id keys and
// any string equal to the old flow id. Values under nodeId keys are
// substituted through m. A nil layout returns nil.
func RewritePanelLayout(layout json.RawMessage, m *Mapping) (json.RawMessage, error) {
	if len(layout) == 0 || string(layout) == "null" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(layout, &v); err != nil {
		return nil, fmt.Errorf("parsing panel layout: %w", err)
	}
	v = rewriteLayoutValue(v, "", m)
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding panel layout: %w", err)
	}
	return out, nil
}

func rewriteLayoutValue(v any, key string, m *Mapping) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = rewriteLayoutValue(child, k, m)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = rewriteLayoutValue(child, key, m)
		}
		return out
	case string:
		switch {
		case flowRefKeys[key]:
			return m.NewFlowID()
		case key == "nodeId":
			if id, ok := m.NewID(t); ok {
				return id
			}
			return t
		case m.OldFlowID() != "" && t == m.OldFlowID():
			return m.NewFlowID()
		}
		return t
	default:
		return v
	}
}
