package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"realtime_chat/internal/domain"
	"realtime_chat/internal/realtime"

	"github.com/gorilla/websocket"
)

// Handler upgrades HTTP requests to websocket connections and runs them
// through the connection lifecycle.
type Handler struct {
	manager    *realtime.Manager
	dispatcher *realtime.Dispatcher
	cookieName string
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

func NewHandler(manager *realtime.Manager, dispatcher *realtime.Dispatcher, cookieName string, allowedOrigins []string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		manager:    manager,
		dispatcher: dispatcher,
		cookieName: cookieName,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := TokenFromRequest(r, h.cookieName)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade websocket", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(conn, h.logger)
	// the connection lives past the upgrade request
	ctx := context.WithoutCancel(r.Context())

	session, err := h.manager.Connect(ctx, client, token)
	if err != nil {
		rejectConn(conn, err)
		return
	}

	go client.WritePump()
	client.ReadPump(ctx, session, h.dispatcher)

	h.manager.Disconnect(ctx, session)
	client.Close()
}

// TokenFromRequest reads the session token from the auth cookie or, failing
// that, from an Authorization bearer header.
func TokenFromRequest(r *http.Request, cookieName string) string {
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

func rejectConn(conn *websocket.Conn, err error) {
	code, _ := domain.ErrorCode(err)
	frame, _ := json.Marshal(map[string]any{
		"type": domain.EventError,
		"payload": domain.ErrorPayload{
			Code:    code,
			Message: err.Error(),
		},
	})
	deadline := time.Now().Add(writeWait)
	conn.SetWriteDeadline(deadline)
	conn.WriteMessage(websocket.TextMessage, frame)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication error"), deadline)
	conn.Close()
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
