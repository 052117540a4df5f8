package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/solucity-dev/solucity-sub000/internal/services"
)

// LogPublisher writes order events to the structured log. It is the default for local runs
// where no broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

var _ services.OrderEventPublisher = (*LogPublisher)(nil)

// NewLogPublisher returns a publisher writing through logger.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger.Named("order-events")}
}

func (p *LogPublisher) PublishOrderEvent(_ context.Context, message services.OrderEventMessage) error {
	p.logger.Info("order event",
		zap.String("eventId", message.EventID),
		zap.String("orderId", message.OrderID),
		zap.String("type", message.Type),
		zap.String("previousStatus", message.PreviousStatus),
		zap.String("operation", message.Operation),
		zap.String("actorId", message.ActorID),
		zap.Int64("version", message.Version),
		zap.Time("occurredAt", message.OccurredAt),
		zap.Any("payload", message.Payload),
	)
	return nil
}

// Close is a no-op.
func (p *LogPublisher) Close() error { return nil }
