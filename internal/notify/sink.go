// Package notify delivers order lifecycle events once the transition that
// produced them has been persisted.
package notify

import (
	"context"
	"log/slog"

	"github.com/joao-fontenele/storefront-orders/internal/domain"
)

// Sink delivers a single event. Delivery is best effort.
type Sink interface {
	Notify(ctx context.Context, ev domain.Event) error
}

type publisher interface {
	Publish(ctx context.Context, key, eventType string, event any) error
}

// KafkaSink publishes events keyed by order id.
type KafkaSink struct {
	producer publisher
}

func NewKafkaSink(producer publisher) *KafkaSink {
	return &KafkaSink{producer: producer}
}

func (s *KafkaSink) Notify(ctx context.Context, ev domain.Event) error {
	return s.producer.Publish(ctx, ev.OrderID, string(ev.Type), ev)
}

// LogSink writes events to the structured log. It is used when no broker is
// configured.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(_ context.Context, ev domain.Event) error {
	s.logger.Info("order event",
		"event_id", ev.ID,
		"type", ev.Type,
		"audience", ev.Audience,
		"order_id", ev.OrderID,
		"fulfillment_status", ev.FulfillmentStatus,
		"payment_status", ev.PaymentStatus,
	)
	return nil
}
