package bus

import (
	"context"
	"log/slog"

	"github.com/petal-labs/flowport/importer"
)

// Journal returns an importer.EventHandler that appends each event to
// store and then publishes it on eb. A reader that replays store before
// following eb therefore misses nothing. A failed append is logged and
// the event is still published.
func Journal(store EventStore, eb EventBus, logger *slog.Logger) importer.EventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(e importer.Event) {
		if err := store.Append(context.Background(), e); err != nil {
			logger.Error("journal append failed",
				"import_id", e.ImportID, "kind", e.Kind, "seq", e.Seq, "error", err)
		}
		eb.Publish(e)
	}
}
