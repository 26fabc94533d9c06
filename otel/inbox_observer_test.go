package otel_test

import (
	"errors"
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/petal-labs/flowport/inbox"
	flowotel "github.com/petal-labs/flowport/otel"
)

func TestInboxObserverRecordsMetrics(t *testing.T) {
	reader, mp := newTestMeter()
	meter := mp.Meter("test-inbox-observer")
	tracer := noop.NewTracerProvider().Tracer("test-inbox-observer")

	observer, err := flowotel.NewInboxObserver(meter, tracer)
	if err != nil {
		t.Fatalf("NewInboxObserver() error = %v", err)
	}

	observer.ObserveFile(inbox.FileObservation{
		Path:     "/inbox/a.json",
		Outcome:  inbox.OutcomeProcessed,
		Format:   "legacy_flow",
		FlowID:   "f-1",
		Duration: 120 * time.Millisecond,
	})
	observer.ObserveFile(inbox.FileObservation{
		Path:     "/inbox/b.json",
		Outcome:  inbox.OutcomeFailed,
		Duration: 5 * time.Millisecond,
		Err:      errors.New("parse error"),
	})
	observer.ObserveSweep(inbox.SweepObservation{Dir: "/inbox", Files: 2, Processed: 1, Failed: 1})

	rm := collectMetrics(t, reader)

	files := findMetric(rm, "flowport.inbox.files")
	if files == nil {
		t.Fatal("flowport.inbox.files metric not found")
	}
	if _, ok := files.Data.(metricdata.Sum[int64]); !ok {
		t.Fatalf("flowport.inbox.files type = %T, want Sum[int64]", files.Data)
	}

	sweeps := findMetric(rm, "flowport.inbox.sweeps")
	if sweeps == nil {
		t.Fatal("flowport.inbox.sweeps metric not found")
	}
	if _, ok := sweeps.Data.(metricdata.Sum[int64]); !ok {
		t.Fatalf("flowport.inbox.sweeps type = %T, want Sum[int64]", sweeps.Data)
	}

	latency := findMetric(rm, "flowport.inbox.file.duration")
	if latency == nil {
		t.Fatal("flowport.inbox.file.duration metric not found")
	}
	if _, ok := latency.Data.(metricdata.Histogram[float64]); !ok {
		t.Fatalf("flowport.inbox.file.duration type = %T, want Histogram[float64]", latency.Data)
	}
}

func TestInboxObserverRecordsSpans(t *testing.T) {
	exporter, tp := newTestTracer()
	_, mp := newTestMeter()

	observer, err := flowotel.NewInboxObserver(mp.Meter("test"), tp.Tracer("test"))
	if err != nil {
		t.Fatalf("NewInboxObserver() error = %v", err)
	}
	observer.ObserveFile(inbox.FileObservation{Path: "/inbox/b.json", Outcome: inbox.OutcomeFailed, Err: errors.New("boom")})

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != "inbox.file" {
		t.Fatalf("spans = %v", spans)
	}
	if spans[0].Status.Code != otelcodes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status.Code)
	}
}

func TestInboxObserverNilSafe(t *testing.T) {
	var observer *flowotel.InboxObserver
	observer.ObserveFile(inbox.FileObservation{})
	observer.ObserveSweep(inbox.SweepObservation{})
}
