package hub

import (
	"context"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/DuC-cnZj/predict-bus/hub"

// tableCarrier adapts amqp headers to a propagation.TextMapCarrier.
type tableCarrier amqp.Table

func (c tableCarrier) Get(key string) string {
	v, _ := c[key].(string)
	return v
}

func (c tableCarrier) Set(key, value string) {
	c[key] = value
}

func (c tableCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

type tracingOptions struct {
	tracer trace.Tracer
}

type TracingOption func(*tracingOptions)

func WithTracer(t trace.Tracer) TracingOption {
	return func(o *tracingOptions) {
		o.tracer = t
	}
}

// WithTracing runs h inside a consumer span that continues the trace the
// producer put into the message headers.
func WithTracing(h Handler, opts ...TracingOption) Handler {
	o := tracingOptions{tracer: otel.Tracer(instrumentationName)}
	for _, opt := range opts {
		opt(&o)
	}

	return HandlerFunc(func(ctx context.Context, msg *Message) error {
		ctx = otel.GetTextMapPropagator().Extract(ctx, tableCarrier(msg.Headers))
		ctx, span := o.tracer.Start(ctx, "predict-bus.handle",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.system", "rabbitmq"),
				attribute.String("messaging.destination", msg.Queue),
				attribute.String("messaging.operation", "process"),
				attribute.String("messaging.message_id", msg.Id),
				attribute.String("messaging.rabbitmq.routing_key", msg.RoutingKey),
			),
		)
		defer span.End()

		err := h.Handle(ctx, msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	})
}

func startPublishSpan(ctx context.Context, exchange, routingKey string, headers amqp.Table) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "predict-bus.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination", exchange),
			attribute.String("messaging.rabbitmq.routing_key", routingKey),
		),
	)
	otel.GetTextMapPropagator().Inject(ctx, tableCarrier(headers))

	return ctx, span
}
