package loader

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/petal-labs/flowport/flow"
)

// ErrNotCanonical is returned by ToCanonical for formats that must be
// normalized first.
var ErrNotCanonical = errors.New("document is not in a canonical flow shape")

// Canonical is a legacy or enhanced flow export, decoded into typed nodes
// and edges. Entity payloads stay raw so each importer can parse (and skip)
// them independently.
type Canonical struct {
	Format           Format
	FlowID           string
	Name             string
	Description      string
	ResponseTemplate string
	DataStoreSchema  json.RawMessage
	Nodes            []flow.Node
	Edges            []flow.Edge

	Agents         map[string]json.RawMessage
	DataStoreNodes map[string]json.RawMessage
	IfNodes        map[string]json.RawMessage

	PanelLayout json.RawMessage
	ExportedAt  string
	ExportedBy  string
	Metadata    map[string]any
}

// canonicalDoc is the wire form shared by the legacy and enhanced shapes.
type canonicalDoc struct {
	ID               string                     `json:"id"`
	Name             string                     `json:"name"`
	Description      string                     `json:"description"`
	ResponseTemplate string                     `json:"responseTemplate"`
	DataStoreSchema  json.RawMessage            `json:"dataStoreSchema"`
	Nodes            []flow.Node                `json:"nodes"`
	Edges            []flow.Edge                `json:"edges"`
	Agents           map[string]json.RawMessage `json:"agents"`
	DataStoreNodes   map[string]json.RawMessage `json:"dataStoreNodes"`
	IfNodes          map[string]json.RawMessage `json:"ifNodes"`
	PanelStructure   json.RawMessage            `json:"panelStructure"`
	ExportedAt       string                     `json:"exportedAt"`
	ExportedBy       string                     `json:"exportedBy"`
	Metadata         map[string]any             `json:"metadata"`
}

// ToCanonical decodes a legacy or enhanced document. f must be the
// document's classification.
func ToCanonical(doc Document, f Format) (*Canonical, error) {
	if !f.Canonical() {
		return nil, fmt.Errorf("%w: %s", ErrNotCanonical, f)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	var cd canonicalDoc
	if err := json.Unmarshal(data, &cd); err != nil {
		return nil, fmt.Errorf("decoding %s document: %w", f, err)
	}

	c := &Canonical{
		Format:           f,
		FlowID:           cd.ID,
		Name:             cd.Name,
		Description:      cd.Description,
		ResponseTemplate: cd.ResponseTemplate,
		DataStoreSchema:  nullToNil(cd.DataStoreSchema),
		Nodes:            cd.Nodes,
		Edges:            cd.Edges,
		Agents:           cd.Agents,
		PanelLayout:      nullToNil(cd.PanelStructure),
		ExportedAt:       cd.ExportedAt,
		ExportedBy:       cd.ExportedBy,
		Metadata:         cd.Metadata,
	}
	// Legacy exports embed data-store and if-node payloads in the node, so
	// any side tables they might carry are ignored.
	if f == FormatEnhancedFlow {
		c.DataStoreNodes = cd.DataStoreNodes
		c.IfNodes = cd.IfNodes
	}
	if c.FlowID == "" {
		c.FlowID = metadataString(cd.Metadata, "flowId")
	}
	return c, nil
}

// Payloads returns the side table of raw entity payloads for kind, or nil
// for kinds that own no entity.
func (c *Canonical) Payloads(kind flow.NodeKind) map[string]json.RawMessage {
	switch kind {
	case flow.KindAgent:
		return c.Agents
	case flow.KindDataStoreNode:
		return c.DataStoreNodes
	case flow.KindIfNode:
		return c.IfNodes
	default:
		return nil
	}
}

func nullToNil(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}

func metadataString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
