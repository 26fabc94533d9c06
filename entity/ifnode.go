package entity

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/petal-labs/flowport/flow"
)

// Combinator joins the conditions of an if-node.
type Combinator string

const (
	CombinatorAnd Combinator = "AND"
	CombinatorOr  Combinator = "OR"
)

var validOperators = map[string]bool{
	"equals":       true,
	"not_equals":   true,
	"contains":     true,
	"not_contains": true,
	"greater_than": true,
	"less_than":    true,
	"is_empty":     true,
	"is_not_empty": true,
	"is_true":      true,
	"is_false":     true,
}

// Condition is a single boolean test against a pipeline value.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value,omitempty"`
}

// IfNode is a conditional branch evaluated over its conditions.
type IfNode struct {
	ID         string      `json:"id"`
	FlowID     string      `json:"flowId"`
	Name       string      `json:"name"`
	Conditions []Condition `json:"conditions"`
	Combinator Combinator  `json:"combinator"`
}

// ParseIfNode decodes and validates a serialized if-node. A missing
// combinator defaults to AND; lowercase spellings are accepted.
func ParseIfNode(raw json.RawMessage) (IfNode, error) {
	var n IfNode
	if err := decodeObject(raw, &n); err != nil {
		return IfNode{}, fmt.Errorf("parsing if node: %w", err)
	}
	n.Combinator = Combinator(strings.ToUpper(strings.TrimSpace(string(n.Combinator))))
	if n.Combinator == "" {
		n.Combinator = CombinatorAnd
	}
	if err := flow.AsError(n.Validate()); err != nil {
		return IfNode{}, err
	}
	return n, nil
}

// WithID returns a copy re-keyed to id and bound to flowID.
func (n IfNode) WithID(id, flowID string) IfNode {
	n.ID = id
	n.FlowID = flowID
	n.Conditions = append([]Condition(nil), n.Conditions...)
	return n
}

// Validate checks structural well-formedness.
//   - IF-001: combinator must be AND or OR
//   - IF-002: condition field is required
//   - IF-003: unknown operator
//   - IF-004: no conditions (warning)
func (n IfNode) Validate() []flow.Diagnostic {
	var diags []flow.Diagnostic
	if n.Combinator != CombinatorAnd && n.Combinator != CombinatorOr {
		diags = append(diags, errDiag("IF-001",
			fmt.Sprintf("Combinator %q must be AND or OR", n.Combinator), "combinator"))
	}
	for i, c := range n.Conditions {
		path := fmt.Sprintf("conditions[%d]", i)
		if strings.TrimSpace(c.Field) == "" {
			diags = append(diags, errDiag("IF-002", "Condition field is required", path+".field"))
		}
		if !validOperators[c.Operator] {
			diags = append(diags, errDiag("IF-003",
				fmt.Sprintf("Condition operator %q is not supported", c.Operator), path+".operator"))
		}
	}
	if len(n.Conditions) == 0 {
		diags = append(diags, flow.Diagnostic{
			Code:     "IF-004",
			Severity: flow.SeverityWarning,
			Message:  "If node has no conditions and always takes the false branch",
			Path:     "conditions",
		})
	}
	return diags
}
