// Package entity defines the per-kind payload rows owned by flow nodes:
// agents, data-store nodes and if-nodes. Each row shares its id with the
// node that owns it.
package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/petal-labs/flowport/flow"
)

// Prompt block roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// BlockTypePlain is a literal text prompt block.
const BlockTypePlain = "plain"

// knownProviders lists the LLM provider names the runtime ships adapters
// for. Other names are accepted with a warning so overrides can fix them.
var knownProviders = map[string]bool{
	"anthropic": true,
	"openai":    true,
	"google":    true,
	"mistral":   true,
	"groq":      true,
	"ollama":    true,
	"deepseek":  true,
}

var validRoles = map[string]bool{
	RoleSystem:    true,
	RoleUser:      true,
	RoleAssistant: true,
}

// PromptBlock is one segment of an agent prompt.
type PromptBlock struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

// Agent is an LLM invocation configuration.
type Agent struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Provider     string          `json:"provider,omitempty"`
	ModelID      string          `json:"modelId,omitempty"`
	ModelName    string          `json:"modelName,omitempty"`
	Prompt       []PromptBlock   `json:"prompt"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	Temperature  *float64        `json:"temperature,omitempty"`
	MaxTokens    *int            `json:"maxTokens,omitempty"`
}

// agentJSON accepts the older flat prompt fields alongside block lists.
type agentJSON struct {
	Agent
	SystemPrompt string `json:"systemPrompt,omitempty"`
	UserPrompt   string `json:"userPrompt,omitempty"`
}

// ParseAgent decodes and validates a serialized agent payload.
func ParseAgent(raw json.RawMessage) (Agent, error) {
	var aj agentJSON
	if err := decodeObject(raw, &aj); err != nil {
		return Agent{}, fmt.Errorf("parsing agent: %w", err)
	}
	a := aj.Agent
	if len(a.Prompt) == 0 {
		if s := strings.TrimSpace(aj.SystemPrompt); s != "" {
			a.Prompt = append(a.Prompt, PromptBlock{Type: BlockTypePlain, Role: RoleSystem, Content: aj.SystemPrompt})
		}
		if s := strings.TrimSpace(aj.UserPrompt); s != "" {
			a.Prompt = append(a.Prompt, PromptBlock{Type: BlockTypePlain, Role: RoleUser, Content: aj.UserPrompt})
		}
	}
	for i := range a.Prompt {
		if a.Prompt[i].Type == "" {
			a.Prompt[i].Type = BlockTypePlain
		}
	}
	if err := flow.AsError(a.Validate()); err != nil {
		return Agent{}, err
	}
	return a, nil
}

// WithID returns a copy of the agent re-keyed to id.
func (a Agent) WithID(id string) Agent {
	a.ID = id
	a.Prompt = append([]PromptBlock(nil), a.Prompt...)
	return a
}

// Validate checks structural well-formedness of the agent.
//   - AG-001: name is required
//   - AG-002: prompt block role must be system, user or assistant
//   - AG-003: prompt block type must be "plain"
//   - AG-004: unknown provider (warning)
//   - AG-005: output schema must be a JSON object
//   - AG-006: model id without provider (warning)
func (a Agent) Validate() []flow.Diagnostic {
	var diags []flow.Diagnostic

	if strings.TrimSpace(a.Name) == "" {
		diags = append(diags, errDiag("AG-001", "Agent name is required", "name"))
	}
	for i, b := range a.Prompt {
		path := fmt.Sprintf("prompt[%d]", i)
		if !validRoles[b.Role] {
			diags = append(diags, errDiag("AG-002",
				fmt.Sprintf("Prompt block role %q must be one of system, user, assistant", b.Role), path+".role"))
		}
		if b.Type != BlockTypePlain {
			diags = append(diags, errDiag("AG-003",
				fmt.Sprintf("Prompt block type %q is not supported", b.Type), path+".type"))
		}
	}
	if a.Provider != "" && !knownProviders[strings.ToLower(a.Provider)] {
		diags = append(diags, flow.Diagnostic{
			Code:     "AG-004",
			Severity: flow.SeverityWarning,
			Message:  fmt.Sprintf("Provider %q is not a known provider", a.Provider),
			Path:     "provider",
		})
	}
	if len(a.OutputSchema) > 0 && !bytes.Equal(bytes.TrimSpace(a.OutputSchema), []byte("null")) {
		var obj map[string]any
		if err := json.Unmarshal(a.OutputSchema, &obj); err != nil {
			diags = append(diags, errDiag("AG-005", "Output schema must be a JSON object", "outputSchema"))
		}
	}
	if a.ModelID != "" && a.Provider == "" {
		diags = append(diags, flow.Diagnostic{
			Code:     "AG-006",
			Severity: flow.SeverityWarning,
			Message:  fmt.Sprintf("Model %q is set without a provider", a.ModelID),
			Path:     "modelId",
		})
	}

	return diags
}

// KnownProvider reports whether name is a provider the runtime can call.
func KnownProvider(name string) bool {
	return knownProviders[strings.ToLower(strings.TrimSpace(name))]
}
