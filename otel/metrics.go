package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/flowport/importer"
)

// MetricsHandler translates import events into OpenTelemetry metrics. It
// records counters for imports and entity outcomes and histograms for
// import and phase durations.
type MetricsHandler struct {
	imports        metric.Int64Counter
	entities       metric.Int64Counter
	importDuration metric.Float64Histogram
	phaseDuration  metric.Float64Histogram
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create its instruments.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	imports, err := meter.Int64Counter("flowport.imports",
		metric.WithDescription("Number of finished imports by status"),
	)
	if err != nil {
		return nil, err
	}

	entities, err := meter.Int64Counter("flowport.entities",
		metric.WithDescription("Number of entity rows imported or skipped"),
	)
	if err != nil {
		return nil, err
	}

	importDur, err := meter.Float64Histogram("flowport.import.duration",
		metric.WithDescription("Duration of an import in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	phaseDur, err := meter.Float64Histogram("flowport.phase.duration",
		metric.WithDescription("Duration of an import phase in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		imports:        imports,
		entities:       entities,
		importDuration: importDur,
		phaseDuration:  phaseDur,
	}, nil
}

// Handle processes an import event and records the matching metrics. It
// has importer.EventHandler semantics.
func (h *MetricsHandler) Handle(e importer.Event) {
	ctx := context.Background()
	switch e.Kind {
	case importer.EventPhaseFinished:
		status := "ok"
		if e.Err != nil {
			status = "error"
		}
		h.phaseDuration.Record(ctx, e.Elapsed.Seconds(), metric.WithAttributes(
			attribute.String("phase", string(e.Phase)),
			attribute.String("status", status),
		))
	case importer.EventEntityImported:
		h.recordEntity(ctx, e, "imported")
	case importer.EventEntitySkipped:
		h.recordEntity(ctx, e, "skipped")
	case importer.EventImportFinished:
		h.recordImport(ctx, e, "completed", "")
	case importer.EventImportFailed:
		h.recordImport(ctx, e, "failed", e.Phase)
	}
}

func (h *MetricsHandler) recordEntity(ctx context.Context, e importer.Event, outcome string) {
	h.entities.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity_kind", string(e.EntityKind)),
		attribute.String("outcome", outcome),
	))
}

func (h *MetricsHandler) recordImport(ctx context.Context, e importer.Event, status string, phase importer.Phase) {
	attrs := []attribute.KeyValue{attribute.String("status", status)}
	if phase != "" {
		attrs = append(attrs, attribute.String("phase", string(phase)))
	}
	opt := metric.WithAttributes(attrs...)
	h.imports.Add(ctx, 1, opt)
	h.importDuration.Record(ctx, e.Elapsed.Seconds(), opt)
}
