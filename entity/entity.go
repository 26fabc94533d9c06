package entity

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/petal-labs/flowport/flow"
)

// ErrNotObject is returned when a payload is not a JSON object.
var ErrNotObject = errors.New("payload must be a JSON object")

// decodeObject unmarshals raw into v after checking it is a JSON object.
// Unknown fields are ignored: exports carry editor-only metadata.
func decodeObject(raw json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ErrNotObject
	}
	return json.Unmarshal(trimmed, v)
}

func errDiag(code, message, path string) flow.Diagnostic {
	return flow.Diagnostic{
		Code:     code,
		Severity: flow.SeverityError,
		Message:  message,
		Path:     path,
	}
}
