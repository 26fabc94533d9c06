package loader

import "fmt"

// Format identifies the shape of an export file.
type Format int

const (
	FormatUnknown Format = iota
	FormatThirdPartyPromptExport
	FormatPreMigration
	FormatLegacyFlow
	FormatEnhancedFlow
)

func (f Format) String() string {
	switch f {
	case FormatThirdPartyPromptExport:
		return "third_party_prompt_export"
	case FormatPreMigration:
		return "pre_migration"
	case FormatLegacyFlow:
		return "legacy_flow"
	case FormatEnhancedFlow:
		return "enhanced_flow"
	default:
		return "unknown"
	}
}

// MarshalText encodes the format by name.
func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// Canonical reports whether f is one of the two shapes consumed directly
// by the importer.
func (f Format) Canonical() bool {
	return f == FormatLegacyFlow || f == FormatEnhancedFlow
}

// preMigrationNodeTypes are the node type names used before node kinds were
// split into separate entity tables.
var preMigrationNodeTypes = map[string]bool{
	"startNode":     true,
	"endNode":       true,
	"agentNode":     true,
	"conditionNode": true,
	"storeNode":     true,
}

// Classify determines the export format of a decoded document. The first
// matching rule wins:
//  1. "prompts" and "prompt_order" lists -> third-party prompt export
//  2. a node typed with a pre-migration type name -> pre-migration
//  3. a "dataStoreNodes" or "ifNodes" key, even empty -> enhanced
//  4. an "agents" map -> legacy
//  5. else unknown
func Classify(doc Document) Format {
	f, _ := classify(doc)
	return f
}

// Detection is the result of Detect.
type Detection struct {
	Format Format `json:"format"`
	Reason string `json:"reason"`
}

// Detect decodes data and classifies it. path selects YAML decoding by
// extension and may be empty.
func Detect(data []byte, path string) (Detection, error) {
	doc, err := Decode(data, path)
	if err != nil {
		return Detection{}, err
	}
	f, reason := classify(doc)
	return Detection{Format: f, Reason: reason}, nil
}

func classify(doc Document) (Format, string) {
	if isList(doc["prompts"]) && isList(doc["prompt_order"]) {
		return FormatThirdPartyPromptExport, `has "prompts" and "prompt_order" lists`
	}
	if t, ok := preMigrationNodeType(doc); ok {
		return FormatPreMigration, fmt.Sprintf("node type %q predates entity tables", t)
	}
	if doc.Has("dataStoreNodes") {
		return FormatEnhancedFlow, `has "dataStoreNodes" map`
	}
	if doc.Has("ifNodes") {
		return FormatEnhancedFlow, `has "ifNodes" map`
	}
	if _, ok := doc["agents"].(map[string]any); ok {
		return FormatLegacyFlow, `has "agents" map`
	}
	return FormatUnknown, "no known format marker"
}

func preMigrationNodeType(doc Document) (string, bool) {
	nodes, ok := doc["nodes"].([]any)
	if !ok {
		return "", false
	}
	for _, n := range nodes {
		node, ok := n.(map[string]any)
		if !ok {
			continue
		}
		if t, ok := node["type"].(string); ok && preMigrationNodeTypes[t] {
			return t, true
		}
	}
	return "", false
}

func isList(v any) bool {
	_, ok := v.([]any)
	return ok
}
