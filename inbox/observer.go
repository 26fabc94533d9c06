package inbox

import "time"

// Outcome is where a swept file ended up.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeFailed    Outcome = "failed"
)

// FileObservation describes one imported (or rejected) inbox file.
type FileObservation struct {
	Path     string
	Outcome  Outcome
	Format   string
	FlowID   string
	Duration time.Duration
	Err      error
}

// SweepObservation summarizes one pass over the inbox directory.
type SweepObservation struct {
	Dir       string
	Files     int
	Processed int
	Failed    int
	Duration  time.Duration
}

// Observer receives inbox signals, typically to export them as telemetry.
type Observer interface {
	ObserveFile(FileObservation)
	ObserveSweep(SweepObservation)
}
