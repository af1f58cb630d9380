package messaging

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

var consumerTracer = otel.Tracer("messaging/consumer")

type Consumer struct {
	reader  *kafka.Reader
	topic   string
	groupID string

	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

type consumerConfig struct {
	reader   kafka.ReaderConfig
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

type ConsumerOption func(*consumerConfig)

func WithStartOffset(offset int64) ConsumerOption {
	return func(cfg *consumerConfig) {
		cfg.reader.StartOffset = offset
	}
}

// WithRetry sets how many times a failing handler is called for one message
// and the pause between calls. The pause doubles after every failure.
func WithRetry(attempts int, backoff time.Duration) ConsumerOption {
	return func(cfg *consumerConfig) {
		cfg.attempts = attempts
		cfg.backoff = backoff
	}
}

func WithLogger(logger *slog.Logger) ConsumerOption {
	return func(cfg *consumerConfig) {
		cfg.logger = logger
	}
}

func NewConsumer(brokers []string, topic, groupID string, opts ...ConsumerOption) *Consumer {
	cfg := consumerConfig{
		reader: kafka.ReaderConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: groupID,
		},
		attempts: 3,
		backoff:  500 * time.Millisecond,
		logger:   slog.New(slog.DiscardHandler),
	}

	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.attempts < 1 {
		cfg.attempts = 1
	}

	return &Consumer{
		reader:   kafka.NewReader(cfg.reader),
		topic:    topic,
		groupID:  groupID,
		attempts: cfg.attempts,
		backoff:  cfg.backoff,
		logger:   cfg.logger,
	}
}

// Message is what handlers receive: the payload plus routing metadata.
type Message struct {
	Key       string
	EventType string
	EventID   string
	Value     []byte
}

type HandlerFunc func(ctx context.Context, msg Message) error

// Consume fetches, handles and commits one message at a time. A message whose
// handler keeps failing after every retry is logged and committed so one bad
// event cannot stall the partition. Consume returns only when ctx ends or the
// broker fails.
func (c *Consumer) Consume(ctx context.Context, handler HandlerFunc) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			return err
		}

		if err := c.processMessage(ctx, msg, handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("giving up on message",
				"error", err,
				"topic", c.topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"event_id", header(&msg, EventIDHeader),
			)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return err
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message, handler HandlerFunc) error {
	parentCtx := extractTrace(ctx, &msg)

	spanCtx, span := consumerTracer.Start(parentCtx, "process "+c.topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationName("process"),
			semconv.MessagingOperationTypeDeliver,
			semconv.MessagingDestinationName(c.topic),
			semconv.MessagingKafkaConsumerGroup(c.groupID),
			semconv.MessagingKafkaMessageOffset(int(msg.Offset)),
			semconv.MessagingDestinationPartitionID(strconv.Itoa(msg.Partition)),
			semconv.MessagingKafkaMessageKey(string(msg.Key)),
		),
	)
	defer span.End()

	m := Message{
		Key:       string(msg.Key),
		EventType: header(&msg, EventTypeHeader),
		EventID:   header(&msg, EventIDHeader),
		Value:     msg.Value,
	}

	err := c.handle(spanCtx, m, handler)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// handle calls handler until it succeeds, attempts run out or ctx ends.
func (c *Consumer) handle(ctx context.Context, m Message, handler HandlerFunc) error {
	wait := c.backoff
	for attempt := 1; ; attempt++ {
		err := handler(ctx, m)
		if err == nil || attempt >= c.attempts {
			trace.SpanFromContext(ctx).SetAttributes(attribute.Int("messaging.attempts", attempt))
			return err
		}
		c.logger.Warn("handler failed, retrying", "error", err, "attempt", attempt, "event_id", m.EventID)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		wait *= 2
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
