package otel_test

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/petal-labs/flowport/idgen"
	"github.com/petal-labs/flowport/importer"
	flowotel "github.com/petal-labs/flowport/otel"
	"github.com/petal-labs/flowport/store"
)

func TestEnrichHandler_PhaseSpanPopulatesTraceFields(t *testing.T) {
	_, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(importer.Event{Kind: importer.EventImportStarted, ImportID: "imp-1", Time: now})
	h.Handle(importer.Event{Kind: importer.EventPhaseStarted, ImportID: "imp-1", Phase: importer.PhaseRemap, Time: now})

	expected := h.ActivePhaseSpanContext("imp-1")
	if !expected.IsValid() {
		t.Fatal("expected valid phase span context")
	}

	var received importer.Event
	enriched := flowotel.EnrichHandler(func(e importer.Event) { received = e }, h)
	enriched(importer.Event{Kind: importer.EventEntityImported, ImportID: "imp-1", OldID: "a1"})

	if received.TraceID != expected.TraceID().String() {
		t.Errorf("TraceID: got %q, want %q", received.TraceID, expected.TraceID().String())
	}
	if received.SpanID != expected.SpanID().String() {
		t.Errorf("SpanID: got %q, want %q", received.SpanID, expected.SpanID().String())
	}
	if received.OldID != "a1" {
		t.Errorf("OldID = %q, event fields not preserved", received.OldID)
	}
}

func TestEnrichHandler_ImportSpanFallback(t *testing.T) {
	_, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))

	h.Handle(importer.Event{Kind: importer.EventImportStarted, ImportID: "imp-1", Time: time.Now()})
	expected := h.ActiveImportSpanContext("imp-1")

	var received importer.Event
	flowotel.EnrichHandler(func(e importer.Event) { received = e }, h)(importer.Event{
		Kind:     importer.EventFormatDetected,
		ImportID: "imp-1",
	})

	if received.SpanID != expected.SpanID().String() {
		t.Errorf("SpanID: got %q, want import span %q", received.SpanID, expected.SpanID().String())
	}
}

func TestEnrichHandler_PassthroughWhenNoSpanActive(t *testing.T) {
	_, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))

	var received importer.Event
	flowotel.EnrichHandler(func(e importer.Event) { received = e }, h)(importer.Event{
		Kind:     importer.EventImportStarted,
		ImportID: "unknown",
	})

	if received.TraceID != "" || received.SpanID != "" {
		t.Errorf("expected empty trace fields, got %q/%q", received.TraceID, received.SpanID)
	}
	if received.ImportID != "unknown" {
		t.Error("event not passed through")
	}
}

func TestTelemetry_EndToEnd(t *testing.T) {
	exporter, _ := newTestTracer()
	// Setup owns the meter provider, so the reader must not be attached elsewhere.
	reader := metric.NewManualReader()

	tel, err := flowotel.Setup(context.Background(), flowotel.Config{
		ServiceName:  "flowport-test",
		SpanExporter: exporter,
		MetricReader: reader,
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	var traced []importer.Event
	handler := importer.MultiEventHandler(
		tel.Handler(),
		flowotel.EnrichHandler(func(e importer.Event) { traced = append(traced, e) }, tel.Tracing),
	)
	imp := importer.NewForBackend(store.NewMemory(),
		importer.WithGenerator(idgen.NewSequence("n")),
		importer.WithEventHandler(handler),
	)

	const export = `{"name": "t", "agents": {},
		"nodes": [{"id": "start-node", "type": "start"}, {"id": "end-node", "type": "end"}],
		"edges": [{"id": "e", "source": "start-node", "target": "end-node"}]}`
	if _, err := imp.Import(context.Background(), []byte(export), importer.Options{SourceName: "t.json"}); err != nil {
		t.Fatalf("Import: %v", err)
	}

	spans := exporter.GetSpans()
	if findSpan(spans, "import:t.json") == nil {
		t.Fatalf("no import span among %d spans", len(spans))
	}
	for _, p := range []importer.Phase{importer.PhaseParse, importer.PhaseDetect, importer.PhaseRemap, importer.PhaseAssemble, importer.PhaseEntities, importer.PhaseCommit} {
		if findSpan(spans, "phase:"+string(p)) == nil {
			t.Errorf("no span for phase %s", p)
		}
	}

	withTrace := 0
	for _, e := range traced {
		if e.TraceID != "" {
			withTrace++
		}
	}
	if withTrace == 0 {
		t.Error("no event carried a trace id")
	}

	rm := collectMetrics(t, reader)
	for _, name := range []string{"flowport.imports", "flowport.import.duration"} {
		if findMetric(rm, name) == nil {
			t.Errorf("%s not recorded", name)
		}
	}
}
