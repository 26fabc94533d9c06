package entity

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/petal-labs/flowport/flow"
)

// DataStoreField is one computed key written by a data-store node.
type DataStoreField struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// DataStoreNode writes computed fields into the pipeline-scoped key/value
// store. FlowID is a back-reference to the owning flow.
type DataStoreNode struct {
	ID     string           `json:"id"`
	FlowID string           `json:"flowId"`
	Name   string           `json:"name"`
	Fields []DataStoreField `json:"fields"`
}

// ParseDataStoreNode decodes and validates a serialized data-store node.
func ParseDataStoreNode(raw json.RawMessage) (DataStoreNode, error) {
	var n DataStoreNode
	if err := decodeObject(raw, &n); err != nil {
		return DataStoreNode{}, fmt.Errorf("parsing data store node: %w", err)
	}
	if err := flow.AsError(n.Validate()); err != nil {
		return DataStoreNode{}, err
	}
	return n, nil
}

// WithID returns a copy re-keyed to id and bound to flowID.
func (n DataStoreNode) WithID(id, flowID string) DataStoreNode {
	n.ID = id
	n.FlowID = flowID
	n.Fields = append([]DataStoreField(nil), n.Fields...)
	return n
}

// Validate checks structural well-formedness.
//   - DS-001: field key is required
//   - DS-002: duplicate field key
func (n DataStoreNode) Validate() []flow.Diagnostic {
	var diags []flow.Diagnostic
	seen := make(map[string]bool, len(n.Fields))
	for i, f := range n.Fields {
		path := fmt.Sprintf("fields[%d].key", i)
		key := strings.TrimSpace(f.Key)
		if key == "" {
			diags = append(diags, errDiag("DS-001", "Data store field key is required", path))
			continue
		}
		if seen[key] {
			diags = append(diags, errDiag("DS-002", fmt.Sprintf("Duplicate data store field key %q", key), path))
		}
		seen[key] = true
	}
	return diags
}
