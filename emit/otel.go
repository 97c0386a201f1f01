package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns each event into an OpenTelemetry span: name = the
// event's EventType (or Msg when EventType is empty), attributes = the
// instance id, subtype, and Meta fields, ended immediately since events
// represent points in time rather than durations.
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter wraps tracer, e.g. otel.Tracer("runtara-core").
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

func (o *OTelEmitter) Emit(event Event) {
	ctx := context.Background()
	_, span := o.tracer.Start(ctx, spanName(event))
	defer span.End()
	o.annotate(span, event)
}

func spanName(event Event) string {
	if event.EventType != "" {
		return string(event.EventType)
	}
	return event.Msg
}

func (o *OTelEmitter) annotate(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("instance_id", event.InstanceID),
		attribute.String("subtype", event.Subtype),
	)
	for k, v := range event.Meta {
		span.SetAttributes(attribute.String(k, fmt.Sprintf("%v", v)))
	}
	if errMsg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}

// EmitBatch creates one span per event, in order.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		_, span := o.tracer.Start(ctx, spanName(event))
		o.annotate(span, event)
		span.End()
	}
	return nil
}

// Flush is a no-op here; flushing is the span processor/exporter's job,
// configured by whoever constructs the TracerProvider.
func (o *OTelEmitter) Flush(_ context.Context) error {
	return nil
}
