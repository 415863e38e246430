package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/stream"
)

const (
	ExchangeTopic = "chat.topic"
	ExchangePush  = "chat.push"

	PushQueue = "push_notifications"
)

type RabbitMQClient struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.Mutex

	// StreamEnv is set by ConnectStream and nil otherwise.
	StreamEnv *stream.Environment
}

func NewRabbitMQClient(url string) (*RabbitMQClient, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// Topic exchange for chat side traffic (mail jobs, cross-node events)
	if err := ch.ExchangeDeclare(ExchangeTopic, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare topic exchange: %w", err)
	}

	// Push exchange for users that were offline at fan-out time
	if err := ch.ExchangeDeclare(ExchangePush, "fanout", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare push exchange: %w", err)
	}

	return &RabbitMQClient{
		conn:    conn,
		channel: ch,
	}, nil
}

// ConnectStream opens the stream environment used for message persistence.
func (c *RabbitMQClient) ConnectStream(uri string) error {
	env, err := stream.NewEnvironment(stream.NewEnvironmentOptions().SetUri(uri))
	if err != nil {
		return fmt.Errorf("failed to connect to rabbitmq stream: %w", err)
	}
	c.StreamEnv = env
	return nil
}

// DeclareStream creates the stream if it does not exist yet.
func (c *RabbitMQClient) DeclareStream(name string) error {
	if c.StreamEnv == nil {
		return errors.New("stream environment is not connected")
	}
	err := c.StreamEnv.DeclareStream(name, &stream.StreamOptions{
		MaxLengthBytes: stream.ByteCapacity{}.GB(2),
	})
	if err != nil && !errors.Is(err, stream.StreamAlreadyExists) {
		return fmt.Errorf("failed to declare stream %s: %w", name, err)
	}
	return nil
}

func (c *RabbitMQClient) Publish(ctx context.Context, routingKey string, body interface{}) error {
	return c.PublishToExchange(ctx, ExchangeTopic, routingKey, body)
}

func (c *RabbitMQClient) PublishToExchange(ctx context.Context, exchange, routingKey string, body interface{}) error {
	bytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal body: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	err = c.channel.PublishWithContext(ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         bytes,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to %s/%s: %w", exchange, routingKey, err)
	}
	return nil
}

func (c *RabbitMQClient) Close() {
	if c.StreamEnv != nil {
		c.StreamEnv.Close()
	}
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

// ConsumePushQueue consumes everything published to the push exchange.
// Deliveries must be acked by the caller.
func (c *RabbitMQClient) ConsumePushQueue() (<-chan amqp.Delivery, error) {
	return c.consumeBound(PushQueue, ExchangePush, "#")
}

// BindQueue declares a durable queue bound to the topic exchange with
// routingKey, so jobs published before any consumer exists are kept.
func (c *RabbitMQClient) BindQueue(queue, routingKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.bindLocked(queue, ExchangeTopic, routingKey)
	return err
}

func (c *RabbitMQClient) consumeBound(queue, exchange, routingKey string) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name, err := c.bindLocked(queue, exchange, routingKey)
	if err != nil {
		return nil, err
	}
	return c.channel.Consume(name, "", false, false, false, false, nil)
}

func (c *RabbitMQClient) bindLocked(queue, exchange, routingKey string) (string, error) {
	q, err := c.channel.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return "", fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	if err := c.channel.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
		return "", fmt.Errorf("failed to bind queue %s: %w", queue, err)
	}
	return q.Name, nil
}
