package loader

import (
	"errors"
	"fmt"

	"github.com/petal-labs/flowport/flow"
)

// ErrMalformed is returned when a pre-migration document cannot be upgraded.
var ErrMalformed = errors.New("malformed pre-migration document")

// CurrentSchemaVersion is stamped on documents produced by UpgradePreMigration.
const CurrentSchemaVersion = 2

// Migrator upgrades a pre-migration document to a canonical shape. Upgrades
// must be idempotent: applying one to its own output returns it unchanged.
type Migrator interface {
	Upgrade(doc Document) (Document, error)
}

// MigratorFunc adapts a function to Migrator.
type MigratorFunc func(doc Document) (Document, error)

// Upgrade calls f.
func (f MigratorFunc) Upgrade(doc Document) (Document, error) { return f(doc) }

// DefaultMigrator applies UpgradePreMigration.
var DefaultMigrator Migrator = MigratorFunc(UpgradePreMigration)

var preMigrationKinds = map[string]flow.NodeKind{
	"startNode":     flow.KindStart,
	"endNode":       flow.KindEnd,
	"agentNode":     flow.KindAgent,
	"conditionNode": flow.KindIfNode,
	"storeNode":     flow.KindDataStoreNode,
}

// UpgradePreMigration rewrites a pre-migration document into the legacy or
// enhanced shape:
//   - node types are renamed to canonical kinds
//   - start and end nodes take the sentinel ids, and edges follow
//   - inline data.agent payloads move to the "agents" map
//   - inline data.condition and data.store payloads move to "ifNodes" and
//     "dataStoreNodes", which makes the result an enhanced document
//   - edge from/to fields become source/target
//
// A document without pre-migration node types is returned unchanged. The
// input is never modified.
func UpgradePreMigration(doc Document) (Document, error) {
	if _, ok := preMigrationNodeType(doc); !ok {
		return doc, nil
	}

	out := doc.Clone()
	rawNodes, _ := out["nodes"].([]any)

	flowID := out.String("id")
	if flowID == "" {
		flowID = out.String("flowId")
	}

	agents, _ := out["agents"].(map[string]any)
	if agents == nil {
		agents = make(map[string]any)
	}
	ifNodes := make(map[string]any)
	stores := make(map[string]any)
	renamed := make(map[string]string)

	nodes := make([]any, 0, len(rawNodes))
	for i, rn := range rawNodes {
		node, ok := rn.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: nodes[%d] is not an object", ErrMalformed, i)
		}
		id, _ := node["id"].(string)
		if id == "" {
			return nil, fmt.Errorf("%w: nodes[%d] has no id", ErrMalformed, i)
		}
		t, _ := node["type"].(string)
		kind, legacy := preMigrationKinds[t]
		if !legacy {
			nodes = append(nodes, node)
			continue
		}
		node["type"] = string(kind)

		data, _ := node["data"].(map[string]any)
		switch kind {
		case flow.KindStart:
			renamed[id] = flow.StartNodeID
			node["id"] = flow.StartNodeID
		case flow.KindEnd:
			renamed[id] = flow.EndNodeID
			node["id"] = flow.EndNodeID
		case flow.KindAgent:
			if payload, ok := liftPayload(data, "agent"); ok {
				payload["id"] = id
				agents[id] = payload
			}
		case flow.KindIfNode:
			if payload, ok := liftPayload(data, "condition"); ok {
				payload["id"] = id
				payload["flowId"] = flowID
				ifNodes[id] = payload
			}
		case flow.KindDataStoreNode:
			if payload, ok := liftPayload(data, "store"); ok {
				payload["id"] = id
				payload["flowId"] = flowID
				stores[id] = payload
			}
		}
		nodes = append(nodes, node)
	}
	out["nodes"] = nodes

	if rawEdges, ok := out["edges"].([]any); ok {
		edges := make([]any, 0, len(rawEdges))
		for i, re := range rawEdges {
			edge, ok := re.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: edges[%d] is not an object", ErrMalformed, i)
			}
			moveKey(edge, "from", "source")
			moveKey(edge, "to", "target")
			for _, end := range []string{"source", "target"} {
				if id, ok := edge[end].(string); ok {
					if to, ok := renamed[id]; ok {
						edge[end] = to
					}
				}
			}
			if id, _ := edge["id"].(string); id == "" {
				edge["id"] = fmt.Sprintf("edge-%d", i+1)
			}
			edges = append(edges, edge)
		}
		out["edges"] = edges
	}

	out["agents"] = agents
	if len(ifNodes) > 0 || len(stores) > 0 {
		out["ifNodes"] = ifNodes
		out["dataStoreNodes"] = stores
	} else {
		delete(out, "ifNodes")
		delete(out, "dataStoreNodes")
	}
	out["schemaVersion"] = CurrentSchemaVersion
	return out, nil
}

// liftPayload removes data[key] and returns it when it is an object.
func liftPayload(data map[string]any, key string) (map[string]any, bool) {
	if data == nil {
		return nil, false
	}
	payload, ok := data[key].(map[string]any)
	if !ok {
		return nil, false
	}
	delete(data, key)
	return payload, true
}

func moveKey(m map[string]any, from, to string) {
	v, ok := m[from]
	if !ok {
		return
	}
	delete(m, from)
	if _, exists := m[to]; !exists {
		m[to] = v
	}
}
