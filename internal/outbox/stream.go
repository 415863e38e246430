package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"realtime_chat/internal/domain"

	"github.com/google/uuid"
	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/amqp"
	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/stream"
)

const EventMessageCreated = "MESSAGE_CREATED"

// record is one entry of the persistence stream.
type record struct {
	ID        uuid.UUID       `json:"id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func encodeMessage(msg *domain.Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return json.Marshal(record{
		ID:        uuid.New(),
		EventType: EventMessageCreated,
		Payload:   payload,
		CreatedAt: time.Now(),
	})
}

// StreamPersister hands messages to a RabbitMQ stream instead of writing
// them to the database directly. A StreamConsumer drains the stream into
// the store.
type StreamPersister struct {
	producer *stream.Producer
	logger   *slog.Logger
}

func NewStreamPersister(env *stream.Environment, streamName string, logger *slog.Logger) (*StreamPersister, error) {
	if logger == nil {
		logger = slog.Default()
	}
	producer, err := env.NewProducer(streamName, stream.NewProducerOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to create stream producer: %w", err)
	}

	p := &StreamPersister{producer: producer, logger: logger}
	go p.watchConfirmations(producer.NotifyPublishConfirmation())
	return p, nil
}

func (p *StreamPersister) watchConfirmations(confirms stream.ChannelPublishConfirm) {
	for batch := range confirms {
		for _, status := range batch {
			if !status.IsConfirmed() {
				p.logger.Error("Stream publish not confirmed", "error", status.GetError())
			}
		}
	}
}

func (p *StreamPersister) Persist(ctx context.Context, msg *domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	if err := p.producer.Send(amqp.NewMessage(data)); err != nil {
		return fmt.Errorf("failed to publish to stream: %w", err)
	}
	return nil
}

func (p *StreamPersister) Close() error {
	return p.producer.Close()
}

type Store interface {
	CreateMessage(ctx context.Context, msg *domain.Message) error
}

type openConsumerFunc func(streamName string, handler stream.MessagesHandler, opts *stream.ConsumerOptions) (io.Closer, error)

// StreamConsumer writes the messages found on the persistence stream to
// the store.
type StreamConsumer struct {
	open       openConsumerFunc
	store      Store
	streamName string
	timeout    time.Duration
	logger     *slog.Logger
}

func NewStreamConsumer(env *stream.Environment, store Store, streamName string, timeout time.Duration, logger *slog.Logger) *StreamConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamConsumer{
		open: func(name string, handler stream.MessagesHandler, opts *stream.ConsumerOptions) (io.Closer, error) {
			consumer, err := env.NewConsumer(name, handler, opts)
			if err != nil {
				return nil, err
			}
			return consumer, nil
		},
		store:      store,
		streamName: streamName,
		timeout:    timeout,
		logger:     logger,
	}
}

// Start opens the consumer and returns; entries are written in the
// background until ctx is cancelled. Stores are idempotent on message id,
// so replaying the stream from the first offset is safe.
func (c *StreamConsumer) Start(ctx context.Context) error {
	consumer, err := c.open(
		c.streamName,
		func(_ stream.ConsumerContext, message *amqp.Message) {
			if err := c.processMessage(ctx, message.GetData()); err != nil {
				c.logger.Error("Failed to persist stream entry", "stream", c.streamName, "error", err)
			}
		},
		stream.NewConsumerOptions().
			SetOffset(stream.OffsetSpecification{}.First()),
	)
	if err != nil {
		return fmt.Errorf("failed to start stream consumer: %w", err)
	}

	c.logger.Info("Stream consumer started", "stream", c.streamName)
	go func() {
		<-ctx.Done()
		if err := consumer.Close(); err != nil {
			c.logger.Warn("Failed to close stream consumer", "stream", c.streamName, "error", err)
		}
	}()
	return nil
}

func (c *StreamConsumer) processMessage(ctx context.Context, data []byte) error {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("failed to unmarshal stream entry: %w", err)
	}
	if rec.EventType != EventMessageCreated {
		c.logger.Debug("Skipping stream entry", "event_type", rec.EventType)
		return nil
	}

	var msg domain.Message
	if err := json.Unmarshal(rec.Payload, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal message payload: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()
	if err := c.store.CreateMessage(writeCtx, &msg); err != nil {
		return fmt.Errorf("%w: message %s: %v", domain.ErrPersistence, msg.ID, err)
	}
	return nil
}
