// Package loader decodes exported flow files, classifies them into one of
// the known export formats and upgrades older shapes into the canonical
// legacy or enhanced flow shape consumed by the importer.
package loader

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/flowport/flow"
)

// ErrNotObject is returned when the top level of an export is not an object.
var ErrNotObject = errors.New("export must be a JSON object")

// Document is a decoded export file. Values are JSON-shaped: maps, slices,
// strings, float64, bool and nil.
type Document map[string]any

// Decode parses an export file. Files with a .yaml/.yml extension are parsed
// as YAML; everything else as JSON.
func Decode(data []byte, sourceName string) (Document, error) {
	jsonData := data
	if isYAML(sourceName) {
		converted, err := yamlToJSON(data)
		if err != nil {
			return nil, err
		}
		jsonData = converted
	}

	var raw any
	if err := json.Unmarshal(jsonData, &raw); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return Document(obj), nil
}

// Clone deep-copies the document.
func (d Document) Clone() Document {
	return Document(flow.CloneMap(d))
}

// Has reports whether key is present, even with a null value.
func (d Document) Has(key string) bool {
	_, ok := d[key]
	return ok
}

// String returns the string value at key, or "".
func (d Document) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// isYAML returns true if the file path has a YAML extension.
func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// yamlToJSON converts raw bytes from YAML format to JSON bytes.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	// yaml.v3 uses map[string]any by default, which is JSON-compatible
	return json.Marshal(raw)
}
