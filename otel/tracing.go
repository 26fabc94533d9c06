// Package otel provides OpenTelemetry integration for flow import events.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/flowport/importer"
)

// TracingHandler translates import events into OpenTelemetry spans. Each
// import gets a root span with one child span per pipeline phase; entity
// outcomes are recorded as span events on the phase span.
type TracingHandler struct {
	tracer trace.Tracer

	mu          sync.RWMutex
	importSpans map[string]trace.Span      // importID -> span
	importCtxs  map[string]context.Context // importID -> context (for child spans)
	phaseSpans  map[string]trace.Span      // importID:phase -> span
	current     map[string]importer.Phase  // importID -> open phase
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from import events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:      tracer,
		importSpans: make(map[string]trace.Span),
		importCtxs:  make(map[string]context.Context),
		phaseSpans:  make(map[string]trace.Span),
		current:     make(map[string]importer.Phase),
	}
}

// Handle processes an import event and creates or ends spans accordingly.
// It has importer.EventHandler semantics.
func (h *TracingHandler) Handle(e importer.Event) {
	switch e.Kind {
	case importer.EventImportStarted:
		h.handleImportStarted(e)
	case importer.EventFormatDetected:
		h.handleFormat(e)
	case importer.EventPhaseStarted:
		h.handlePhaseStarted(e)
	case importer.EventPhaseFinished:
		h.handlePhaseFinished(e)
	case importer.EventEntityImported, importer.EventEntitySkipped:
		h.handleEntity(e)
	case importer.EventImportFinished, importer.EventImportFailed:
		h.handleImportFinished(e)
	}
}

func (h *TracingHandler) handleImportStarted(e importer.Event) {
	source := payloadString(e, "source")

	spanName := "import:" + e.ImportID
	if source != "" {
		spanName = "import:" + source
	}

	ctx, span := h.tracer.Start(context.Background(), spanName,
		trace.WithAttributes(
			attribute.String("flowport.import_id", e.ImportID),
		),
		trace.WithTimestamp(e.Time),
	)
	if source != "" {
		span.SetAttributes(attribute.String("flowport.source", source))
	}

	h.mu.Lock()
	h.importSpans[e.ImportID] = span
	h.importCtxs[e.ImportID] = ctx
	h.mu.Unlock()
}

func (h *TracingHandler) handleFormat(e importer.Event) {
	h.mu.RLock()
	span, ok := h.importSpans[e.ImportID]
	h.mu.RUnlock()
	if ok {
		span.SetAttributes(attribute.String("flowport.format", payloadString(e, "format")))
	}
}

// handlePhaseStarted creates a child span under the import span.
func (h *TracingHandler) handlePhaseStarted(e importer.Event) {
	h.mu.RLock()
	parentCtx, ok := h.importCtxs[e.ImportID]
	h.mu.RUnlock()
	if !ok {
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "phase:"+string(e.Phase),
		trace.WithAttributes(
			attribute.String("flowport.import_id", e.ImportID),
			attribute.String("flowport.phase", string(e.Phase)),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.phaseSpans[phaseKey(e.ImportID, e.Phase)] = span
	h.current[e.ImportID] = e.Phase
	h.mu.Unlock()
}

// handlePhaseFinished ends the phase span, with error status when the
// phase failed.
func (h *TracingHandler) handlePhaseFinished(e importer.Event) {
	key := phaseKey(e.ImportID, e.Phase)

	h.mu.Lock()
	span, ok := h.phaseSpans[key]
	if ok {
		delete(h.phaseSpans, key)
	}
	if h.current[e.ImportID] == e.Phase {
		delete(h.current, e.ImportID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(attribute.String("flowport.duration", e.Elapsed.String()))
	if e.Err != nil {
		span.SetStatus(codes.Error, e.Err.Error())
		span.RecordError(e.Err, trace.WithTimestamp(e.Time))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// handleEntity adds a span event for an entity outcome to the open phase.
func (h *TracingHandler) handleEntity(e importer.Event) {
	h.mu.RLock()
	span, ok := h.phaseSpans[phaseKey(e.ImportID, h.current[e.ImportID])]
	h.mu.RUnlock()
	if !ok {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("flowport.entity_kind", string(e.EntityKind)),
		attribute.String("flowport.old_id", e.OldID),
	}
	if e.NewID != "" {
		attrs = append(attrs, attribute.String("flowport.new_id", e.NewID))
	}
	if e.Err != nil {
		attrs = append(attrs, attribute.String("flowport.error", e.Err.Error()))
	}
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

// handleImportFinished ends the root import span.
func (h *TracingHandler) handleImportFinished(e importer.Event) {
	h.mu.Lock()
	span, ok := h.importSpans[e.ImportID]
	if ok {
		delete(h.importSpans, e.ImportID)
		delete(h.importCtxs, e.ImportID)
		delete(h.current, e.ImportID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(attribute.String("flowport.duration", e.Elapsed.String()))
	if e.Kind == importer.EventImportFailed {
		msg := "import failed"
		if e.Err != nil {
			msg = e.Err.Error()
		}
		span.SetAttributes(attribute.String("flowport.failed_phase", string(e.Phase)))
		span.SetStatus(codes.Error, msg)
	} else {
		if flowID := payloadString(e, "flow_id"); flowID != "" {
			span.SetAttributes(attribute.String("flowport.flow_id", flowID))
		}
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActivePhaseSpanContext returns the SpanContext of the open phase span of
// an import. Returns an empty SpanContext if none is open.
func (h *TracingHandler) ActivePhaseSpanContext(importID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.phaseSpans[phaseKey(importID, h.current[importID])]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveImportSpanContext returns the SpanContext of the root span of an
// import. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveImportSpanContext(importID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.importSpans[importID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func phaseKey(importID string, p importer.Phase) string {
	return importID + ":" + string(p)
}

func payloadString(e importer.Event, key string) string {
	if v, ok := e.Payload[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
