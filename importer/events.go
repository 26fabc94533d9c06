package importer

import (
	"time"

	"github.com/petal-labs/flowport/flow"
)

// EventKind identifies the type of event emitted during an import.
type EventKind string

const (
	// EventImportStarted is emitted before the input is decoded.
	EventImportStarted EventKind = "import.started"

	// EventFormatDetected is emitted once the input has been classified.
	EventFormatDetected EventKind = "import.format"

	// EventPhaseStarted is emitted when a pipeline phase begins.
	EventPhaseStarted EventKind = "phase.started"

	// EventPhaseFinished is emitted when a pipeline phase ends, with Err set
	// when it failed.
	EventPhaseFinished EventKind = "phase.finished"

	// EventEntityImported is emitted after an entity row was saved.
	EventEntityImported EventKind = "entity.imported"

	// EventEntitySkipped is emitted when an entity was not imported.
	EventEntitySkipped EventKind = "entity.skipped"

	// EventImportFinished is emitted after the flow row was committed.
	EventImportFinished EventKind = "import.finished"

	// EventImportFailed is emitted when the import aborts.
	EventImportFailed EventKind = "import.failed"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured record of one import step.
type Event struct {
	Kind     EventKind
	ImportID string
	Time     time.Time

	// Seq numbers the events of one import from 1 in emission order.
	Seq uint64

	// Phase is set for phase and failure events.
	Phase Phase

	// EntityKind, OldID and NewID are set for entity events.
	EntityKind flow.NodeKind
	OldID      string
	NewID      string

	// Elapsed is the duration since the import or phase started.
	Elapsed time.Duration

	// Err is set on failure events and skipped entities.
	Err error

	Payload map[string]any

	// TraceID and SpanID are set when a tracing handler enriched the event.
	TraceID string
	SpanID  string
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, importID string) Event {
	return Event{
		Kind:     kind,
		ImportID: importID,
		Time:     time.Now(),
		Payload:  make(map[string]any),
	}
}

// WithPhase sets the phase on the event.
func (e Event) WithPhase(p Phase) Event {
	e.Phase = p
	return e
}

// WithEntity sets the entity information on the event.
func (e Event) WithEntity(kind flow.NodeKind, oldID, newID string) Event {
	e.EntityKind = kind
	e.OldID = oldID
	e.NewID = newID
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(d time.Duration) Event {
	e.Elapsed = d
	return e
}

// WithErr sets the error on the event.
func (e Event) WithErr(err error) Event {
	e.Err = err
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventHandler handles import events. Calls for one import never overlap,
// even with Options.Parallel set, but different imports call concurrently.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// Events are dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
		}
	}
}
