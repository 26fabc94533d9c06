package otel_test

import (
	"errors"
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/petal-labs/flowport/flow"
	"github.com/petal-labs/flowport/importer"
	flowotel "github.com/petal-labs/flowport/otel"
)

// newTestTracer returns a tracer backed by an in-memory span exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

func findSpan(spans tracetest.SpanStubs, name string) *tracetest.SpanStub {
	for i := range spans {
		if spans[i].Name == name {
			return &spans[i]
		}
	}
	return nil
}

func hasAttr(span *tracetest.SpanStub, key, value string) bool {
	for _, attr := range span.Attributes {
		if string(attr.Key) == key && attr.Value.AsString() == value {
			return true
		}
	}
	return false
}

func TestTracingHandler_ImportStartedCreatesRootSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(importer.Event{
		Kind:     importer.EventImportStarted,
		ImportID: "imp-1",
		Time:     now,
		Payload:  map[string]any{"source": "flow.json"},
	})

	if !h.ActiveImportSpanContext("imp-1").IsValid() {
		t.Fatal("expected valid import span context after import.started")
	}

	h.Handle(importer.Event{
		Kind:     importer.EventImportFinished,
		ImportID: "imp-1",
		Time:     now.Add(100 * time.Millisecond),
		Elapsed:  100 * time.Millisecond,
		Payload:  map[string]any{"flow_id": "f-1"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	root := &spans[0]
	if root.Name != "import:flow.json" {
		t.Errorf("span name = %q, want import:flow.json", root.Name)
	}
	if !hasAttr(root, "flowport.import_id", "imp-1") || !hasAttr(root, "flowport.flow_id", "f-1") {
		t.Errorf("attributes = %v", root.Attributes)
	}
	if root.Status.Code != otelcodes.Ok {
		t.Errorf("status = %v, want Ok", root.Status.Code)
	}
	if h.ActiveImportSpanContext("imp-1").IsValid() {
		t.Error("import span still active after import.finished")
	}
}

func TestTracingHandler_UsesImportIDWithoutSource(t *testing.T) {
	exporter, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(importer.Event{Kind: importer.EventImportStarted, ImportID: "imp-2", Time: now})
	h.Handle(importer.Event{Kind: importer.EventImportFinished, ImportID: "imp-2", Time: now})

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != "import:imp-2" {
		t.Fatalf("spans = %v", spans)
	}
}

func TestTracingHandler_PhaseSpansAreChildren(t *testing.T) {
	exporter, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(importer.Event{Kind: importer.EventImportStarted, ImportID: "imp-1", Time: now})
	h.Handle(importer.Event{Kind: importer.EventPhaseStarted, ImportID: "imp-1", Phase: importer.PhaseEntities, Time: now})

	sc := h.ActivePhaseSpanContext("imp-1")
	if !sc.IsValid() {
		t.Fatal("expected valid phase span context after phase.started")
	}
	rootSC := h.ActiveImportSpanContext("imp-1")
	if sc.TraceID() != rootSC.TraceID() {
		t.Error("expected phase span to share trace ID with import span")
	}

	h.Handle(importer.Event{
		Kind:       importer.EventEntityImported,
		ImportID:   "imp-1",
		EntityKind: flow.KindAgent,
		OldID:      "a1",
		NewID:      "n-1",
		Time:       now,
	})
	h.Handle(importer.Event{
		Kind:       importer.EventEntitySkipped,
		ImportID:   "imp-1",
		EntityKind: flow.KindIfNode,
		OldID:      "if1",
		Err:        errors.New("bad operator"),
		Time:       now,
	})
	h.Handle(importer.Event{Kind: importer.EventPhaseFinished, ImportID: "imp-1", Phase: importer.PhaseEntities, Time: now, Elapsed: time.Millisecond})
	h.Handle(importer.Event{Kind: importer.EventImportFinished, ImportID: "imp-1", Time: now})

	spans := exporter.GetSpans()
	phase := findSpan(spans, "phase:entities")
	if phase == nil {
		t.Fatal("did not find phase:entities span")
	}
	if phase.Parent.SpanID() != rootSC.SpanID() {
		t.Error("expected phase span parent to be the import span")
	}
	if len(phase.Events) != 2 {
		t.Fatalf("phase span has %d events, want 2", len(phase.Events))
	}
	if phase.Events[0].Name != string(importer.EventEntityImported) || phase.Events[1].Name != string(importer.EventEntitySkipped) {
		t.Errorf("events = %s, %s", phase.Events[0].Name, phase.Events[1].Name)
	}
	if phase.Status.Code != otelcodes.Ok {
		t.Errorf("phase status = %v", phase.Status.Code)
	}
}

func TestTracingHandler_FailedPhaseAndImport(t *testing.T) {
	exporter, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()
	cause := errors.New("unexpected end of JSON input")

	h.Handle(importer.Event{Kind: importer.EventImportStarted, ImportID: "imp-1", Time: now})
	h.Handle(importer.Event{Kind: importer.EventPhaseStarted, ImportID: "imp-1", Phase: importer.PhaseParse, Time: now})
	h.Handle(importer.Event{Kind: importer.EventPhaseFinished, ImportID: "imp-1", Phase: importer.PhaseParse, Time: now, Err: cause})
	h.Handle(importer.Event{Kind: importer.EventImportFailed, ImportID: "imp-1", Phase: importer.PhaseParse, Time: now, Err: cause})

	spans := exporter.GetSpans()
	phase := findSpan(spans, "phase:parse")
	root := findSpan(spans, "import:imp-1")
	if phase == nil || root == nil {
		t.Fatalf("spans = %v", spans)
	}
	if phase.Status.Code != otelcodes.Error || phase.Status.Description != cause.Error() {
		t.Errorf("phase status = %+v", phase.Status)
	}
	if root.Status.Code != otelcodes.Error {
		t.Errorf("root status = %+v", root.Status)
	}
	if !hasAttr(root, "flowport.failed_phase", "parse") {
		t.Errorf("root attributes = %v", root.Attributes)
	}
}

func TestTracingHandler_FormatAttribute(t *testing.T) {
	exporter, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(importer.Event{Kind: importer.EventImportStarted, ImportID: "imp-1", Time: now})
	h.Handle(importer.Event{Kind: importer.EventFormatDetected, ImportID: "imp-1", Time: now,
		Payload: map[string]any{"format": "enhanced_flow"}})
	h.Handle(importer.Event{Kind: importer.EventImportFinished, ImportID: "imp-1", Time: now})

	root := findSpan(exporter.GetSpans(), "import:imp-1")
	if root == nil || !hasAttr(root, "flowport.format", "enhanced_flow") {
		t.Fatalf("root span = %+v", root)
	}
}

func TestTracingHandler_IgnoresUnknownImports(t *testing.T) {
	exporter, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))

	h.Handle(importer.Event{Kind: importer.EventPhaseFinished, ImportID: "ghost", Phase: importer.PhaseParse})
	h.Handle(importer.Event{Kind: importer.EventEntityImported, ImportID: "ghost"})
	h.Handle(importer.Event{Kind: importer.EventImportFinished, ImportID: "ghost"})

	if n := len(exporter.GetSpans()); n != 0 {
		t.Errorf("got %d spans, want 0", n)
	}
}
