package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"realtime_chat/internal/domain"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

type Consumer interface {
	ConsumePushQueue() (<-chan amqp.Delivery, error)
}

type UserStore interface {
	GetUser(ctx context.Context, userID uuid.UUID) (*domain.User, error)
}

type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Worker turns push notifications into emails for users with an address on
// record. Message alerts for one user are throttled to one per cooldown.
type Worker struct {
	consumer Consumer
	users    UserStore
	mailer   Mailer
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[uuid.UUID]time.Time
}

func NewWorker(consumer Consumer, users UserStore, mailer Mailer, cooldown time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		consumer: consumer,
		users:    users,
		mailer:   mailer,
		cooldown: cooldown,
		logger:   logger,
		now:      time.Now,
		lastSent: make(map[uuid.UUID]time.Time),
	}
}

func (w *Worker) Start(ctx context.Context) {
	msgs, err := w.consumer.ConsumePushQueue()
	if err != nil {
		w.logger.Error("Failed to start push consumer", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				w.logger.Warn("Push queue closed")
				return
			}
			if err := w.handle(ctx, userFromDelivery(d), d.Body); err != nil {
				w.logger.Error("Push notification failed", "routing_key", d.RoutingKey, "error", err)
			}
			d.Ack(false)
		}
	}
}

// userFromDelivery reads the user id from the routing key, falling back to
// the x-death header when the message was dead-lettered.
func userFromDelivery(d amqp.Delivery) string {
	routingKey := d.RoutingKey
	if !strings.HasPrefix(routingKey, routingPrefix) {
		if deaths, ok := d.Headers["x-death"].([]interface{}); ok && len(deaths) > 0 {
			if death, ok := deaths[0].(amqp.Table); ok {
				if keys, ok := death["routing-keys"].([]interface{}); ok && len(keys) > 0 {
					if s, ok := keys[0].(string); ok {
						routingKey = s
					}
				}
			}
		}
	}
	return routingKey
}

func (w *Worker) handle(ctx context.Context, routingKey string, body []byte) error {
	if !strings.HasPrefix(routingKey, routingPrefix) {
		return fmt.Errorf("invalid routing key %q", routingKey)
	}
	userID, err := uuid.Parse(strings.TrimPrefix(routingKey, routingPrefix))
	if err != nil {
		return fmt.Errorf("invalid user in routing key %q: %w", routingKey, err)
	}

	var n struct {
		Type    domain.EventType `json:"type"`
		Payload json.RawMessage  `json:"payload"`
	}
	if err := json.Unmarshal(body, &n); err != nil {
		return fmt.Errorf("failed to unmarshal notification: %w", err)
	}

	if n.Type == domain.EventNewMessageAlert && !w.allow(userID) {
		return nil
	}

	user, err := w.users.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load user %s: %w", userID, err)
	}
	if user.Email == "" {
		return nil
	}

	subject, text := render(n.Type, n.Payload)
	if err := w.mailer.Send(ctx, user.Email, subject, text); err != nil {
		return fmt.Errorf("failed to mail user %s: %w", userID, err)
	}
	w.logger.Info("Push notification mailed", "user_id", userID, "event", n.Type)
	return nil
}

func (w *Worker) allow(userID uuid.UUID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	if last, ok := w.lastSent[userID]; ok && now.Sub(last) < w.cooldown {
		return false
	}
	w.lastSent[userID] = now
	return true
}

func render(eventType domain.EventType, payload json.RawMessage) (string, string) {
	switch eventType {
	case domain.EventNewMessageAlert:
		return "New messages", "You have new messages waiting in one of your chats."
	case domain.EventNewFriendRequest:
		return "New friend request", "Someone sent you a friend request."
	default:
		var alert domain.AlertPayload
		if err := json.Unmarshal(payload, &alert); err == nil && alert.Message != "" {
			return "Notification", alert.Message
		}
		return "Notification", "Something happened in one of your chats."
	}
}
