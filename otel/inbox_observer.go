package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/flowport/inbox"
)

// InboxObserver records inbox sweeps into OpenTelemetry.
type InboxObserver struct {
	tracer trace.Tracer

	files   metric.Int64Counter
	sweeps  metric.Int64Counter
	latency metric.Float64Histogram
}

// NewInboxObserver creates an inbox observer bound to the provided
// meter and tracer. tracer may be nil.
func NewInboxObserver(meter metric.Meter, tracer trace.Tracer) (*InboxObserver, error) {
	files, err := meter.Int64Counter(
		"flowport.inbox.files",
		metric.WithDescription("Number of inbox files handled by outcome"),
	)
	if err != nil {
		return nil, err
	}
	sweeps, err := meter.Int64Counter(
		"flowport.inbox.sweeps",
		metric.WithDescription("Number of inbox sweeps"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"flowport.inbox.file.duration",
		metric.WithDescription("Time to import one inbox file in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &InboxObserver{
		tracer:  tracer,
		files:   files,
		sweeps:  sweeps,
		latency: latency,
	}, nil
}

// ObserveFile records one file result.
func (o *InboxObserver) ObserveFile(observation inbox.FileObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("outcome", string(observation.Outcome)),
	}
	if observation.Format != "" {
		attrs = append(attrs, attribute.String("format", observation.Format))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.files.Add(ctx, 1, options)
	o.latency.Record(ctx, observation.Duration.Seconds(), options)

	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(ctx, "inbox.file", trace.WithAttributes(
		append(attrs, attribute.String("flowport.path", observation.Path))...,
	))
	if observation.Err != nil {
		span.SetStatus(codes.Error, observation.Err.Error())
	} else {
		span.SetAttributes(attribute.String("flowport.flow_id", observation.FlowID))
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// ObserveSweep records one pass over the inbox.
func (o *InboxObserver) ObserveSweep(observation inbox.SweepObservation) {
	if o == nil {
		return
	}
	o.sweeps.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Bool("empty", observation.Files == 0),
		attribute.Bool("had_failures", observation.Failed > 0),
	))
}

var _ inbox.Observer = (*InboxObserver)(nil)
