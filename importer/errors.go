package importer

import (
	"errors"
	"fmt"

	"github.com/petal-labs/flowport/flow"
)

// Error kinds. Every failure returned by Import wraps exactly one of them
// inside a *PhaseError, so callers can branch with errors.Is.
var (
	ErrRead               = errors.New("read error")
	ErrParse              = errors.New("parse error")
	ErrUnknownFormat      = errors.New("unknown export format")
	ErrMigration          = errors.New("migration error")
	ErrEntityConstruction = errors.New("entity construction error")
	ErrEntityPersist      = errors.New("entity persist error")
	ErrFlowConstruction   = errors.New("flow construction error")
	ErrFlowPersist        = errors.New("flow persist error")
)

// Phase names a step of the import pipeline.
type Phase string

const (
	PhaseRead      Phase = "read"
	PhaseParse     Phase = "parse"
	PhaseDetect    Phase = "detect"
	PhaseNormalize Phase = "normalize"
	PhaseRemap     Phase = "remap"
	PhaseAssemble  Phase = "assemble"
	PhaseEntities  Phase = "entities"
	PhaseCommit    Phase = "commit"
)

// PhaseError reports the pipeline phase that failed. Kind is one of the
// Err* sentinels; Err is the underlying cause.
type PhaseError struct {
	Phase Phase
	Kind  error
	Err   error
}

func (e *PhaseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("import failed in %s phase: %v", e.Phase, e.Kind)
	}
	return fmt.Sprintf("import failed in %s phase: %v: %v", e.Phase, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *PhaseError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func phaseErr(phase Phase, kind, err error) *PhaseError {
	return &PhaseError{Phase: phase, Kind: kind, Err: err}
}

// EntityError is the cause of a per-entity failure.
type EntityError struct {
	Kind  flow.NodeKind
	OldID string
	Err   error
}

func (e *EntityError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Kind, e.OldID, e.Err)
}

func (e *EntityError) Unwrap() error { return e.Err }
