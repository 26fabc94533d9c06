// Package bus distributes import events to live subscribers and keeps a
// replayable journal of them. The HTTP event stream reads from both.
package bus

import (
	"context"

	"github.com/petal-labs/flowport/importer"
)

// EventBus fans import events out to subscribers. Delivery is best
// effort: a subscriber that falls behind loses events rather than
// blocking the import.
type EventBus interface {
	Publish(event importer.Event)

	// Subscribe follows one import. SubscribeAll follows every import.
	// Both return a Subscription the caller must close.
	Subscribe(importID string) Subscription
	SubscribeAll() Subscription

	Close() error
}

// Subscription is one subscriber's view of the bus. Events is closed when
// the subscription or the bus is closed.
type Subscription interface {
	Events() <-chan importer.Event
	Close() error
}

// EventStore is the import event journal.
type EventStore interface {
	Append(ctx context.Context, event importer.Event) error

	// List returns the events of importID with Seq > afterSeq in Seq
	// order, at most limit of them when limit > 0.
	List(ctx context.Context, importID string, afterSeq uint64, limit int) ([]importer.Event, error)

	// LatestSeq is 0 for an import with no journaled events.
	LatestSeq(ctx context.Context, importID string) (uint64, error)
}
