package otel

import (
	"github.com/petal-labs/flowport/importer"
)

// EnrichHandler wraps an importer.EventHandler with OpenTelemetry trace
// context. Each event gets the TraceID and SpanID of the open phase span of
// its import, falling back to the import's root span. When no span is
// active, the event passes through unchanged.
//
// The tracing handler must see the event first, so list it before the
// enriched handler in importer.MultiEventHandler.
func EnrichHandler(next importer.EventHandler, tracing *TracingHandler) importer.EventHandler {
	return func(e importer.Event) {
		sc := tracing.ActivePhaseSpanContext(e.ImportID)
		if !sc.IsValid() {
			sc = tracing.ActiveImportSpanContext(e.ImportID)
		}
		if sc.IsValid() {
			e.TraceID = sc.TraceID().String()
			e.SpanID = sc.SpanID().String()
		}
		next(e)
	}
}
