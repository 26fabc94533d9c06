package flow

import (
	"fmt"
	"strings"
)

// Diagnostic represents a validation error or warning produced by flow or
// entity validation.
type Diagnostic struct {
	Code     string `json:"code"`           // e.g. "FL-001", "AG-002"
	Severity string `json:"severity"`       // "error" or "warning"
	Message  string `json:"message"`        // human-readable description
	Path     string `json:"path,omitempty"` // JSON path to offending field
}

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// HasErrors returns true if any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity diagnostics.
func Errors(diags []Diagnostic) []Diagnostic {
	var errs []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	return errs
}

// Warnings returns only the warning-severity diagnostics.
func Warnings(diags []Diagnostic) []Diagnostic {
	var warns []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			warns = append(warns, d)
		}
	}
	return warns
}

// ValidationError wraps error diagnostics as an error.
type ValidationError struct {
	Diagnostics []Diagnostic
}

func (e *ValidationError) Error() string {
	errs := Errors(e.Diagnostics)
	switch len(errs) {
	case 0:
		return "validation failed"
	case 1:
		return fmt.Sprintf("validation error: %s", errs[0].Message)
	default:
		return fmt.Sprintf("%d validation errors (first: %s)", len(errs), errs[0].Message)
	}
}

// AsError returns a *ValidationError when diags contain errors, nil otherwise.
func AsError(diags []Diagnostic) error {
	if !HasErrors(diags) {
		return nil
	}
	return &ValidationError{Diagnostics: diags}
}

// Validate checks structural integrity of the flow:
//   - FL-001: flow name must be non-empty
//   - FL-002: exactly one Start node, carrying StartNodeID
//   - FL-003: exactly one End node, carrying EndNodeID
//   - FL-004: duplicate node ids
//   - FL-005: unknown node kind
//   - FL-006: edge source/target reference existing nodes
//   - FL-007: sentinel id used by a non-anchor node
//   - FL-008: node with no edges (warning)
func (f *Flow) Validate() []Diagnostic {
	var diags []Diagnostic

	if strings.TrimSpace(f.Name) == "" {
		diags = append(diags, Diagnostic{
			Code:     "FL-001",
			Severity: SeverityError,
			Message:  "Flow name is required",
			Path:     "name",
		})
	}

	nodeIDs := make(map[string]bool, len(f.Nodes))
	var starts, ends int
	for i, node := range f.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)

		if nodeIDs[node.ID] {
			diags = append(diags, Diagnostic{
				Code:     "FL-004",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Duplicate node ID %q", node.ID),
				Path:     path + ".id",
			})
		}
		nodeIDs[node.ID] = true

		if !node.Kind.Valid() {
			diags = append(diags, Diagnostic{
				Code:     "FL-005",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Node %q has unknown type %q", node.ID, node.Kind),
				Path:     path + ".type",
			})
		}

		switch node.Kind {
		case KindStart:
			starts++
			if node.ID != StartNodeID {
				diags = append(diags, Diagnostic{
					Code:     "FL-002",
					Severity: SeverityError,
					Message:  fmt.Sprintf("Start node must have id %q, got %q", StartNodeID, node.ID),
					Path:     path + ".id",
				})
			}
		case KindEnd:
			ends++
			if node.ID != EndNodeID {
				diags = append(diags, Diagnostic{
					Code:     "FL-003",
					Severity: SeverityError,
					Message:  fmt.Sprintf("End node must have id %q, got %q", EndNodeID, node.ID),
					Path:     path + ".id",
				})
			}
		default:
			if node.ID == StartNodeID || node.ID == EndNodeID {
				diags = append(diags, Diagnostic{
					Code:     "FL-007",
					Severity: SeverityError,
					Message:  fmt.Sprintf("Node of type %q uses reserved id %q", node.Kind, node.ID),
					Path:     path + ".id",
				})
			}
		}
	}

	if starts != 1 {
		diags = append(diags, Diagnostic{
			Code:     "FL-002",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Flow must have exactly one start node, found %d", starts),
			Path:     "nodes",
		})
	}
	if ends != 1 {
		diags = append(diags, Diagnostic{
			Code:     "FL-003",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Flow must have exactly one end node, found %d", ends),
			Path:     "nodes",
		})
	}

	connected := make(map[string]bool, len(f.Nodes))
	for i, edge := range f.Edges {
		if !nodeIDs[edge.Source] {
			diags = append(diags, Diagnostic{
				Code:     "FL-006",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Edge source %q references unknown node", edge.Source),
				Path:     fmt.Sprintf("edges[%d].source", i),
			})
		}
		if !nodeIDs[edge.Target] {
			diags = append(diags, Diagnostic{
				Code:     "FL-006",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Edge target %q references unknown node", edge.Target),
				Path:     fmt.Sprintf("edges[%d].target", i),
			})
		}
		connected[edge.Source] = true
		connected[edge.Target] = true
	}

	if len(f.Nodes) > 1 {
		for i, node := range f.Nodes {
			if !connected[node.ID] {
				diags = append(diags, Diagnostic{
					Code:     "FL-008",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("Node %q has no inbound or outbound edges", node.ID),
					Path:     fmt.Sprintf("nodes[%d]", i),
				})
			}
		}
	}

	return diags
}
