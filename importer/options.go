package importer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/petal-labs/flowport/entity"
	"github.com/petal-labs/flowport/flow"
	"github.com/petal-labs/flowport/loader"
)

// Policy decides what a per-entity failure does to the import.
type Policy string

const (
	// PolicyLenient logs and skips the entity; the import continues.
	PolicyLenient Policy = "lenient"
	// PolicyStrict aborts the import on the first entity failure.
	PolicyStrict Policy = "strict"
)

// ParsePolicy parses a policy name. An empty name selects PolicyLenient.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyLenient:
		return PolicyLenient, nil
	case PolicyStrict:
		return PolicyStrict, nil
	default:
		return "", fmt.Errorf("unknown import policy %q (want lenient or strict)", s)
	}
}

// Override replaces an agent's model selection during import.
type Override struct {
	Provider  string `json:"provider" yaml:"provider"`
	ModelID   string `json:"modelId" yaml:"model_id"`
	ModelName string `json:"modelName,omitempty" yaml:"model_name,omitempty"`
}

// Apply returns a with the override's provider and model fields. The
// override always wins over the payload.
func (o Override) Apply(a entity.Agent) entity.Agent {
	a.Provider = o.Provider
	a.ModelID = o.ModelID
	a.ModelName = o.ModelName
	return a
}

// ParseOverride parses "provider/modelId[/modelName]".
func ParseOverride(s string) (Override, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Override{}, fmt.Errorf("invalid override %q (want provider/modelId[/modelName])", s)
	}
	o := Override{Provider: parts[0], ModelID: parts[1]}
	if len(parts) == 3 {
		o.ModelName = parts[2]
	}
	return o, nil
}

// Options controls one import.
type Options struct {
	// SourceName is the input's file name. It selects YAML decoding for
	// .yaml/.yml names and names flows built from third-party exports.
	SourceName string

	// Overrides maps old agent ids to model substitutions.
	Overrides map[string]Override

	Policy Policy

	// Atomic runs every write in one store transaction when the backend
	// supports it.
	Atomic bool

	// Parallel imports the three entity kinds concurrently. It is ignored
	// inside a transaction.
	Parallel bool

	// Migrator upgrades pre-migration documents. Nil selects
	// loader.DefaultMigrator.
	Migrator loader.Migrator
}

func (o Options) migrator() loader.Migrator {
	if o.Migrator == nil {
		return loader.DefaultMigrator
	}
	return o.Migrator
}

func (o Options) strict() bool {
	return o.Policy == PolicyStrict
}

// KindCount counts entity outcomes for one node kind.
type KindCount struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// SkippedEntity records an entity that was not imported.
type SkippedEntity struct {
	Kind   flow.NodeKind `json:"kind"`
	OldID  string        `json:"oldId"`
	NewID  string        `json:"newId,omitempty"`
	Phase  string        `json:"phase"`
	Reason string        `json:"reason"`
}

// Report is the partial-success summary of an import.
type Report struct {
	Counts  map[flow.NodeKind]KindCount `json:"counts"`
	Skipped []SkippedEntity             `json:"skipped,omitempty"`

	// DanglingNodeIDs lists new node ids whose entity row was not saved.
	DanglingNodeIDs []string `json:"danglingNodeIds,omitempty"`

	// EdgeFallbacks counts edge endpoints that were not in the mapping.
	EdgeFallbacks int `json:"edgeFallbacks,omitempty"`

	Warnings []flow.Diagnostic `json:"warnings,omitempty"`
}

// Imported returns the total number of entity rows saved.
func (r Report) Imported() int {
	n := 0
	for _, c := range r.Counts {
		n += c.Imported
	}
	return n
}

// Complete reports whether every entity was imported.
func (r Report) Complete() bool {
	return len(r.Skipped) == 0 && len(r.DanglingNodeIDs) == 0
}

// Summary renders the counts as "agent 2/2, ifNode 1/1".
func (r Report) Summary() string {
	kinds := make([]string, 0, len(r.Counts))
	for k := range r.Counts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		c := r.Counts[flow.NodeKind(k)]
		parts = append(parts, fmt.Sprintf("%s %d/%d", k, c.Imported, c.Imported+c.Skipped))
	}
	if len(parts) == 0 {
		return "no entities"
	}
	return strings.Join(parts, ", ")
}
