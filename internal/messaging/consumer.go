package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/bookstore-orderflow/internal/domain"
)

var consumerTracer = otel.Tracer("messaging/consumer")

var errMalformedEvent = errors.New("order event is missing order_id or type")

// OrderEventHandler processes one decoded order event. Returning an error
// stops consumption without committing the message.
type OrderEventHandler func(ctx context.Context, event domain.OrderEvent) error

type Consumer struct {
	reader  *kafka.Reader
	topic   string
	groupID string
	logger  *slog.Logger
}

type ConsumerOption func(*kafka.ReaderConfig)

func WithStartOffset(offset int64) ConsumerOption {
	return func(cfg *kafka.ReaderConfig) {
		cfg.StartOffset = offset
	}
}

func NewConsumer(brokers []string, topic, groupID string, logger *slog.Logger, opts ...ConsumerOption) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	return &Consumer{
		reader:  kafka.NewReader(cfg),
		topic:   topic,
		groupID: groupID,
		logger:  logger,
	}
}

// Consume fetches order events until ctx is cancelled or handler fails.
// Messages whose body is not an order event are logged and committed.
func (c *Consumer) Consume(ctx context.Context, handler OrderEventHandler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			return err
		}

		if err := c.processMessage(ctx, msg, handler); err != nil {
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return err
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message, handler OrderEventHandler) error {
	parentCtx := otel.GetTextMapPropagator().Extract(ctx, carrierFor(&msg))

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
			attribute.String("order.event.type", carrierFor(&msg).Get(eventTypeHeader)),
		),
	)
	defer span.End()

	event, err := decodeOrderEvent(msg.Value)
	if err != nil {
		span.RecordError(err)
		c.logger.ErrorContext(spanCtx, "dropping undecodable order event",
			"error", err, "offset", msg.Offset, "partition", msg.Partition)
		return nil
	}

	if err := handler(spanCtx, event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return nil
}

func decodeOrderEvent(payload []byte) (domain.OrderEvent, error) {
	var event domain.OrderEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return domain.OrderEvent{}, err
	}
	if event.OrderID == "" || event.Type == "" {
		return domain.OrderEvent{}, errMalformedEvent
	}
	return event, nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
