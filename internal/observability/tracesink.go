package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/snap-bringup/model"
)

// TraceSink turns the bring-up event stream into OpenTelemetry spans: one
// span per stage, with calibration attempts and the clock estimate attached
// as span events. Span timestamps come from the events, so runs driven by a
// manual clock trace with their simulated timing.
type TraceSink struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[model.Stage]trace.Span
}

// NewTraceSink builds a sink against the provided tracer provider, falling
// back to the global one when nil.
func NewTraceSink(tp trace.TracerProvider) *TraceSink {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &TraceSink{
		tracer: tp.Tracer("snap-bringup"),
		spans:  make(map[model.Stage]trace.Span),
	}
}

// Emit implements model.EventSink.
func (t *TraceSink) Emit(e model.Event) {
	if t == nil {
		return
	}
	switch e.Type {
	case model.EventStageStart:
		_, span := t.tracer.Start(context.Background(), "bringup."+e.Stage.String(),
			trace.WithTimestamp(e.At))
		t.mu.Lock()
		t.spans[e.Stage] = span
		t.mu.Unlock()

	case model.EventStageDone:
		t.mu.Lock()
		span, ok := t.spans[e.Stage]
		delete(t.spans, e.Stage)
		t.mu.Unlock()
		if !ok {
			return
		}
		if e.Err != nil {
			span.RecordError(e.Err)
			span.SetStatus(codes.Error, e.Err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End(trace.WithTimestamp(e.At))

	case model.EventCalibrationAttempt:
		span := t.stageSpan(model.StageCalibration)
		if span == nil {
			return
		}
		attrs := []attribute.KeyValue{attribute.Int("attempt", e.Attempt)}
		if e.Calibration != nil {
			attrs = append(attrs,
				attribute.String("verdict", e.Calibration.Verdict.String()),
				attribute.String("failing_lanes", e.Calibration.Failures().String()))
		}
		span.AddEvent("calibration attempt",
			trace.WithTimestamp(e.At), trace.WithAttributes(attrs...))

	case model.EventLinkStatus:
		span := t.stageSpan(model.StageNetwork)
		if span == nil || e.Link == nil {
			return
		}
		span.SetAttributes(
			attribute.String("link.verdict", e.Link.Verdict.String()),
			attribute.Bool("link.up", e.Link.LinkUp),
			attribute.Int("link.overflow", int(e.Link.OverflowCount)))

	case model.EventClockEstimate:
		span := t.stageSpan(model.StageClockEstimate)
		if span == nil {
			return
		}
		span.SetAttributes(attribute.Float64("fpga.clock_mhz", e.ClockMHz))
	}
}

func (t *TraceSink) stageSpan(stage model.Stage) trace.Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spans[stage]
}
