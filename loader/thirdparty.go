package loader

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/petal-labs/flowport/entity"
	"github.com/petal-labs/flowport/flow"
)

// ThirdPartyAgentID is the id of the single agent synthesized from a
// third-party prompt export. It is remapped like any other agent id.
const ThirdPartyAgentID = "imported-agent"

// globalCharacterID is the prompt_order entry that applies to every
// character in third-party exports.
const globalCharacterID = 100001

const defaultImportName = "Imported prompt"

// ErrNoPromptOrder is returned when a third-party export carries no usable
// prompt order configuration.
var ErrNoPromptOrder = errors.New("third-party export has no prompt order")

type thirdPartyPrompt struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	Content    string `json:"content"`
}

type thirdPartyOrderEntry struct {
	Identifier string `json:"identifier"`
	Enabled    bool   `json:"enabled"`
}

type thirdPartyOrder struct {
	CharacterID any                    `json:"character_id"`
	Order       []thirdPartyOrderEntry `json:"order"`
}

type thirdPartyExport struct {
	Prompts     []thirdPartyPrompt `json:"prompts"`
	PromptOrder []thirdPartyOrder  `json:"prompt_order"`
}

// FromThirdPartyExport converts a third-party prompt export into a legacy
// flow document: Start -> one agent -> End. The agent's prompt holds one
// plain block per enabled, non-empty prompt, in declared order.
func FromThirdPartyExport(doc Document, sourceName string) (Document, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding export: %w", err)
	}
	var exp thirdPartyExport
	if err := json.Unmarshal(data, &exp); err != nil {
		return nil, fmt.Errorf("decoding third-party export: %w", err)
	}

	order, ok := selectOrder(exp.PromptOrder)
	if !ok {
		return nil, ErrNoPromptOrder
	}

	byID := make(map[string]thirdPartyPrompt, len(exp.Prompts))
	for _, p := range exp.Prompts {
		byID[p.Identifier] = p
	}

	blocks := make([]any, 0, len(order))
	for _, entry := range order {
		if !entry.Enabled {
			continue
		}
		p, ok := byID[entry.Identifier]
		if !ok || strings.TrimSpace(p.Content) == "" {
			continue
		}
		role := strings.ToLower(strings.TrimSpace(p.Role))
		if role == "" {
			role = entity.RoleSystem
		}
		block := map[string]any{
			"type":    entity.BlockTypePlain,
			"role":    role,
			"content": p.Content,
		}
		if p.Name != "" {
			block["name"] = p.Name
		}
		blocks = append(blocks, block)
	}

	name := importName(sourceName)
	return Document{
		"name":        name,
		"description": "Imported from a third-party prompt export",
		"nodes": []any{
			nodeDoc(flow.StartNodeID, flow.KindStart, 0),
			nodeDoc(ThirdPartyAgentID, flow.KindAgent, 250),
			nodeDoc(flow.EndNodeID, flow.KindEnd, 500),
		},
		"edges": []any{
			map[string]any{"id": "edge-start", "source": flow.StartNodeID, "target": ThirdPartyAgentID},
			map[string]any{"id": "edge-end", "source": ThirdPartyAgentID, "target": flow.EndNodeID},
		},
		"agents": map[string]any{
			ThirdPartyAgentID: map[string]any{
				"id":     ThirdPartyAgentID,
				"name":   name,
				"prompt": blocks,
			},
		},
	}, nil
}

// selectOrder prefers the global character's order list and falls back to
// the first configuration.
func selectOrder(orders []thirdPartyOrder) ([]thirdPartyOrderEntry, bool) {
	if len(orders) == 0 {
		return nil, false
	}
	for _, o := range orders {
		if isGlobalCharacter(o.CharacterID) {
			return o.Order, true
		}
	}
	return orders[0].Order, true
}

// isGlobalCharacter accepts the global id as a number or a numeric string.
// Other character ids, numeric or not, are ignored.
func isGlobalCharacter(v any) bool {
	switch id := v.(type) {
	case float64:
		return id == globalCharacterID
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		return err == nil && n == globalCharacterID
	}
	return false
}

func importName(sourceName string) string {
	base := filepath.Base(sourceName)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return defaultImportName
	}
	return base
}

func nodeDoc(id string, kind flow.NodeKind, x float64) map[string]any {
	return map[string]any{
		"id":       id,
		"type":     string(kind),
		"position": map[string]any{"x": x, "y": 100.0},
	}
}
