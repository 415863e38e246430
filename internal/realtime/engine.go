package realtime

import (
	"context"
	"encoding/json"
	"log/slog"

	"realtime_chat/internal/domain"
	"realtime_chat/internal/presence"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OfflineNotifier is told about targets that had no live connection when an
// event was emitted.
type OfflineNotifier interface {
	NotifyOffline(ctx context.Context, eventType domain.EventType, userIDs []uuid.UUID, payload any)
}

// Delivery summarises one Emit call.
type Delivery struct {
	Targets   int
	Delivered int
	Dropped   int
	Offline   []uuid.UUID
}

type envelope struct {
	Type    domain.EventType `json:"type"`
	Payload any              `json:"payload"`
}

// Engine pushes events to the live connections of a set of users. Delivery is
// best effort and at most once; durable storage is the source of truth.
type Engine struct {
	registry *presence.Registry
	offline  OfflineNotifier
	logger   *slog.Logger

	eventsCounter     metric.Int64Counter
	deliveriesCounter metric.Int64Counter
	droppedCounter    metric.Int64Counter
}

type EngineOption func(*Engine)

func WithOfflineNotifier(n OfflineNotifier) EngineOption {
	return func(e *Engine) { e.offline = n }
}

func NewEngine(registry *presence.Registry, logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("realtime_chat/realtime")
	eventsCounter, _ := meter.Int64Counter("fanout_events_total",
		metric.WithDescription("Events emitted by the fan-out engine"))
	deliveriesCounter, _ := meter.Int64Counter("fanout_deliveries_total",
		metric.WithDescription("Frames queued onto live connections"))
	droppedCounter, _ := meter.Int64Counter("fanout_dropped_total",
		metric.WithDescription("Frames dropped because a connection buffer was full"))

	e := &Engine{
		registry:          registry,
		logger:            logger,
		eventsCounter:     eventsCounter,
		deliveriesCounter: deliveriesCounter,
		droppedCounter:    droppedCounter,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit delivers the event to every live connection of every target. A user
// with several connections gets one copy per connection.
func (e *Engine) Emit(ctx context.Context, eventType domain.EventType, targets []uuid.UUID, payload any) Delivery {
	return e.emit(ctx, eventType, unique(targets, uuid.Nil), payload)
}

// EmitExcept is Emit with one user removed from the targets.
func (e *Engine) EmitExcept(ctx context.Context, eventType domain.EventType, targets []uuid.UUID, except uuid.UUID, payload any) Delivery {
	return e.emit(ctx, eventType, unique(targets, except), payload)
}

// Reply writes an event to a single connection. It is used for responses
// that must never be broadcast, such as errors.
func (e *Engine) Reply(conn presence.Conn, eventType domain.EventType, payload any) bool {
	data, err := json.Marshal(envelope{Type: eventType, Payload: payload})
	if err != nil {
		e.logger.Error("Failed to marshal reply", "event", eventType, "error", err)
		return false
	}
	return conn.Send(data)
}

func (e *Engine) emit(ctx context.Context, eventType domain.EventType, targets []uuid.UUID, payload any) Delivery {
	d := Delivery{Targets: len(targets)}
	if len(targets) == 0 {
		return d
	}

	data, err := json.Marshal(envelope{Type: eventType, Payload: payload})
	if err != nil {
		e.logger.Error("Failed to marshal event", "event", eventType, "error", err)
		return d
	}

	for _, userID := range targets {
		conns := e.registry.Resolve([]uuid.UUID{userID})
		if len(conns) == 0 {
			d.Offline = append(d.Offline, userID)
			continue
		}
		for _, conn := range conns {
			if conn.Send(data) {
				d.Delivered++
			} else {
				d.Dropped++
				e.logger.Warn("Dropped event for slow connection",
					"event", eventType, "user_id", userID, "conn_id", conn.ID())
			}
		}
	}

	attrs := metric.WithAttributes(attribute.String("event", string(eventType)))
	e.eventsCounter.Add(ctx, 1, attrs)
	e.deliveriesCounter.Add(ctx, int64(d.Delivered), attrs)
	if d.Dropped > 0 {
		e.droppedCounter.Add(ctx, int64(d.Dropped), attrs)
	}

	if e.offline != nil && len(d.Offline) > 0 {
		e.offline.NotifyOffline(ctx, eventType, d.Offline, payload)
	}

	e.logger.Debug("Event emitted",
		"event", eventType,
		"targets", d.Targets,
		"delivered", d.Delivered,
		"offline", len(d.Offline),
	)
	return d
}

// unique drops duplicates and except while keeping first-seen order.
func unique(ids []uuid.UUID, except uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == except {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
