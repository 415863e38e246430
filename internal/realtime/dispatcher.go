package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"realtime_chat/internal/domain"
)

// Dispatcher routes client frames of one connection. It is called from the
// connection's read loop, so frames of one connection are handled in order.
type Dispatcher struct {
	manager  *Manager
	ingestor *Ingestor
	engine   *Engine
	logger   *slog.Logger
}

func NewDispatcher(manager *Manager, ingestor *Ingestor, engine *Engine, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{manager: manager, ingestor: ingestor, engine: engine, logger: logger}
}

// Dispatch handles one raw frame. Failures are reported to the originating
// connection only.
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, raw []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		d.replyError(s, "", fmt.Errorf("%w: malformed frame", domain.ErrValidation))
		return
	}

	if err := d.handle(ctx, s, env); err != nil {
		d.logger.Debug("Event rejected", "event", env.Type, "user_id", s.UserID(), "error", err)
		d.replyError(s, env.Type, err)
	}
}

func (d *Dispatcher) handle(ctx context.Context, s *Session, env domain.Envelope) error {
	switch env.Type {
	case domain.ClientSendMessage:
		var p domain.SendMessageRequest
		if err := decode(env.Payload, &p); err != nil {
			return err
		}
		_, err := d.ingestor.Send(ctx, s.Identity(), SendRequest{
			ChatID:  p.ChatID,
			Content: p.Content,
			Members: p.Members,
		})
		return err

	case domain.ClientTypingStart, domain.ClientTypingStop:
		var p domain.ChatPayload
		if err := decode(env.Payload, &p); err != nil {
			return err
		}
		return d.manager.Typing(ctx, s, p.ChatID, env.Type == domain.ClientTypingStart)

	case domain.ClientChatJoined:
		var p domain.ChatPayload
		if err := decode(env.Payload, &p); err != nil {
			return err
		}
		return d.manager.JoinChat(ctx, s, p.ChatID)

	case domain.ClientChatLeft:
		var p domain.ChatPayload
		if err := decode(env.Payload, &p); err != nil {
			return err
		}
		return d.manager.LeaveChat(ctx, s, p.ChatID)

	default:
		return fmt.Errorf("%w: unknown event type %q", domain.ErrValidation, env.Type)
	}
}

// replyError tells the origin connection why event failed. Details of
// server-side failures stay in the log.
func (d *Dispatcher) replyError(s *Session, event domain.EventType, err error) {
	code, status := domain.ErrorCode(err)
	message := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		d.logger.Error("Event failed", "event", event, "user_id", s.UserID(), "error", err)
		message = "internal server error"
	}
	d.engine.Reply(s.Conn(), domain.EventError, domain.ErrorPayload{
		Event:   event,
		Code:    code,
		Message: message,
	})
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", domain.ErrValidation)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: invalid payload: %v", domain.ErrValidation, err)
	}
	return nil
}
