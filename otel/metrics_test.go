package otel_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/petal-labs/flowport/flow"
	"github.com/petal-labs/flowport/importer"
	flowotel "github.com/petal-labs/flowport/otel"
)

// newTestMeter returns a meter backed by a manual reader for collecting metrics in tests.
func newTestMeter() (*metric.ManualReader, *metric.MeterProvider) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	return reader, mp
}

// collectMetrics reads all metrics from the reader.
func collectMetrics(t *testing.T, reader *metric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return &rm
}

// findMetric searches for a metric by name in the collected data.
func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the counter value for the data point carrying attr.
func sumFor(t *testing.T, m *metricdata.Metrics, attr attribute.KeyValue) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s type = %T, want Sum[int64]", m.Name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attr.Key); ok && v.Emit() == attr.Value.Emit() {
			total += dp.Value
		}
	}
	return total
}

func TestMetricsHandler_EntityOutcomes(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := flowotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	h.Handle(importer.Event{Kind: importer.EventEntityImported, EntityKind: flow.KindAgent})
	h.Handle(importer.Event{Kind: importer.EventEntityImported, EntityKind: flow.KindAgent})
	h.Handle(importer.Event{Kind: importer.EventEntitySkipped, EntityKind: flow.KindIfNode, Err: errors.New("bad")})

	rm := collectMetrics(t, reader)
	m := findMetric(rm, "flowport.entities")
	if m == nil {
		t.Fatal("flowport.entities metric not found")
	}
	if got := sumFor(t, m, attribute.String("outcome", "imported")); got != 2 {
		t.Errorf("imported = %d, want 2", got)
	}
	if got := sumFor(t, m, attribute.String("outcome", "skipped")); got != 1 {
		t.Errorf("skipped = %d, want 1", got)
	}
	if got := sumFor(t, m, attribute.String("entity_kind", "ifNode")); got != 1 {
		t.Errorf("ifNode = %d, want 1", got)
	}
}

func TestMetricsHandler_ImportsAndDurations(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := flowotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	h.Handle(importer.Event{Kind: importer.EventPhaseFinished, Phase: importer.PhaseParse, Elapsed: 5 * time.Millisecond})
	h.Handle(importer.Event{Kind: importer.EventImportFinished, Elapsed: 200 * time.Millisecond})
	h.Handle(importer.Event{Kind: importer.EventImportFailed, Phase: importer.PhaseParse, Elapsed: time.Millisecond, Err: errors.New("x")})

	rm := collectMetrics(t, reader)

	imports := findMetric(rm, "flowport.imports")
	if imports == nil {
		t.Fatal("flowport.imports metric not found")
	}
	if got := sumFor(t, imports, attribute.String("status", "completed")); got != 1 {
		t.Errorf("completed = %d, want 1", got)
	}
	if got := sumFor(t, imports, attribute.String("status", "failed")); got != 1 {
		t.Errorf("failed = %d, want 1", got)
	}

	dur := findMetric(rm, "flowport.import.duration")
	if dur == nil {
		t.Fatal("flowport.import.duration metric not found")
	}
	hist, ok := dur.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("flowport.import.duration type = %T", dur.Data)
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 2 {
		t.Errorf("import duration count = %d, want 2", count)
	}

	phase := findMetric(rm, "flowport.phase.duration")
	if phase == nil {
		t.Fatal("flowport.phase.duration metric not found")
	}
	if _, ok := phase.Data.(metricdata.Histogram[float64]); !ok {
		t.Fatalf("flowport.phase.duration type = %T", phase.Data)
	}
}

func TestMetricsHandler_IgnoresIrrelevantEvents(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := flowotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	h.Handle(importer.Event{Kind: importer.EventImportStarted})
	h.Handle(importer.Event{Kind: importer.EventPhaseStarted, Phase: importer.PhaseParse})
	h.Handle(importer.Event{Kind: importer.EventFormatDetected})

	rm := collectMetrics(t, reader)
	for _, name := range []string{"flowport.imports", "flowport.entities", "flowport.import.duration", "flowport.phase.duration"} {
		if m := findMetric(rm, name); m != nil {
			switch d := m.Data.(type) {
			case metricdata.Sum[int64]:
				if len(d.DataPoints) > 0 {
					t.Errorf("%s has data points", name)
				}
			case metricdata.Histogram[float64]:
				if len(d.DataPoints) > 0 {
					t.Errorf("%s has data points", name)
				}
			}
		}
	}
}
