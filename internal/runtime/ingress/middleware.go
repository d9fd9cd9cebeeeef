package ingress

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/drblury/metricflow/internal/runtime/ids"
)

// correlationIDMiddleware assigns a correlation ID to frames that arrive
// without one, so replies can always be matched.
func correlationIDMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			if middleware.MessageCorrelationID(msg) == "" {
				middleware.SetCorrelationID(ids.CreateULID(), msg)
			}
			return h(msg)
		}
	}
}

// tracerMiddleware wraps frame handling in an OpenTelemetry span.
func tracerMiddleware() message.HandlerMiddleware {
	tracer := otel.Tracer("github.com/drblury/metricflow/ingress")
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ctx, span := tracer.Start(msg.Context(), "metricflow.ingress")
			defer span.End()
			msg.SetContext(ctx)

			span.SetAttributes(
				attribute.String("message.uuid", msg.UUID),
				attribute.String("message.correlation_id", middleware.MessageCorrelationID(msg)),
			)
			return h(msg)
		}
	}
}
