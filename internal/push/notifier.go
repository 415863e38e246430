package push

import (
	"context"
	"log/slog"
	"time"

	"realtime_chat/internal/broker"
	"realtime_chat/internal/domain"

	"github.com/google/uuid"
)

const (
	routingPrefix = "user."
	queueSize     = 1024
)

// PresenceChecker reports whether a user holds a session on any node.
type PresenceChecker interface {
	IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error)
}

type ExchangePublisher interface {
	PublishToExchange(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// Notification is what goes onto the push exchange for one offline user.
type Notification struct {
	Type      domain.EventType `json:"type"`
	Payload   any              `json:"payload"`
	CreatedAt time.Time        `json:"created_at"`
}

// Notifier forwards events that found a user offline to the push exchange.
// Only events worth a notification outside the app are forwarded.
type Notifier struct {
	pub      ExchangePublisher
	presence PresenceChecker
	queue    chan outgoing
	logger   *slog.Logger
}

type outgoing struct {
	userID uuid.UUID
	n      Notification
}

func NewNotifier(pub ExchangePublisher, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		pub:    pub,
		queue:  make(chan outgoing, queueSize),
		logger: logger,
	}
}

// WithPresence skips users that are connected to another node. Lookup
// errors fall through to publishing.
func (n *Notifier) WithPresence(p PresenceChecker) *Notifier {
	n.presence = p
	return n
}

func Pushable(eventType domain.EventType) bool {
	switch eventType {
	case domain.EventNewMessageAlert, domain.EventNewFriendRequest, domain.EventAlert:
		return true
	}
	return false
}

// NotifyOffline never blocks the caller. When the queue is full the
// notification is dropped.
func (n *Notifier) NotifyOffline(_ context.Context, eventType domain.EventType, userIDs []uuid.UUID, payload any) {
	if !Pushable(eventType) {
		return
	}
	now := time.Now()
	for _, userID := range userIDs {
		select {
		case n.queue <- outgoing{userID: userID, n: Notification{Type: eventType, Payload: payload, CreatedAt: now}}:
		default:
			n.logger.Warn("Push queue full, dropping notification", "user_id", userID, "event", eventType)
		}
	}
}

// Run publishes queued notifications until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-n.queue:
			n.publish(ctx, out)
		}
	}
}

func (n *Notifier) publish(ctx context.Context, out outgoing) {
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if n.presence != nil {
		online, err := n.presence.IsUserOnline(pubCtx, out.userID)
		if err != nil {
			n.logger.Warn("Presence lookup failed", "user_id", out.userID, "error", err)
		} else if online {
			return
		}
	}
	if err := n.pub.PublishToExchange(pubCtx, broker.ExchangePush, routingPrefix+out.userID.String(), out.n); err != nil {
		n.logger.Error("Failed to publish push notification", "user_id", out.userID, "error", err)
	}
}
