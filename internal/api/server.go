package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"realtime_chat/internal/domain"
	"realtime_chat/internal/realtime"
	"realtime_chat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const identityKey = "identity"

type ChatService interface {
	ListChats(ctx context.Context, actor domain.Identity) ([]*domain.Chat, error)
	ListGroups(ctx context.Context, actor domain.Identity) ([]*domain.Chat, error)
	GetChat(ctx context.Context, actor domain.Identity, chatID uuid.UUID) (*domain.Chat, error)
	Messages(ctx context.Context, actor domain.Identity, chatID uuid.UUID, page int) ([]*domain.Message, int, error)
	CreateGroup(ctx context.Context, actor domain.Identity, name string, others []uuid.UUID) (*domain.Chat, error)
	AddMembers(ctx context.Context, actor domain.Identity, chatID uuid.UUID, userIDs []uuid.UUID) error
	RemoveMember(ctx context.Context, actor domain.Identity, chatID, userID uuid.UUID) error
	LeaveGroup(ctx context.Context, actor domain.Identity, chatID uuid.UUID) error
	RenameGroup(ctx context.Context, actor domain.Identity, chatID uuid.UUID, name string) error
	DeleteChat(ctx context.Context, actor domain.Identity, chatID uuid.UUID) error
	SendFriendRequest(ctx context.Context, actor domain.Identity, receiverID uuid.UUID) (*domain.FriendRequest, error)
	RespondFriendRequest(ctx context.Context, actor domain.Identity, requestID uuid.UUID, accept bool) (*domain.Chat, error)
}

type MessageSender interface {
	Send(ctx context.Context, sender domain.Identity, req realtime.SendRequest) (*domain.Message, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// TokenIssuer signs session tokens. Only deployments that own the signing
// key have one.
type TokenIssuer interface {
	Sign(userID uuid.UUID, ttl time.Duration) (string, error)
}

// ConnectionCounter reports the number of live websocket connections.
type ConnectionCounter interface {
	Count() int
}

type Deps struct {
	Chats     ChatService
	Messages  MessageSender
	Auth      realtime.Authenticator
	Websocket http.Handler
	Store     Pinger
	Presence  ConnectionCounter
	Tokens    TokenIssuer
	Logger    *slog.Logger

	CookieName     string
	TokenTTL       time.Duration
	AllowedOrigins []string
	// BlobDir is served under BlobURL when set.
	BlobDir string
	BlobURL string
}

type Server struct {
	deps    Deps
	origins map[string]struct{}
	logger  *slog.Logger
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origins := make(map[string]struct{}, len(deps.AllowedOrigins))
	for _, o := range deps.AllowedOrigins {
		origins[o] = struct{}{}
	}
	return &Server{deps: deps, origins: origins, logger: logger}
}

func (s *Server) Routes() http.Handler {
	engine := gin.New()
	engine.Use(s.requestLogger(), gin.Recovery(), s.corsMiddleware())

	engine.GET("/healthz", s.handleHealthz)
	if s.deps.Websocket != nil {
		engine.GET("/ws", gin.WrapH(s.deps.Websocket))
	}
	if s.deps.BlobDir != "" && s.deps.BlobURL != "" {
		engine.Static(s.deps.BlobURL, s.deps.BlobDir)
	}

	api := engine.Group("/api", s.authMiddleware())
	api.GET("/chats", s.handleListChats)
	api.GET("/my/groups", s.handleListGroups)
	api.POST("/chats", s.handleCreateGroup)
	api.GET("/chats/:id", s.handleGetChat)
	api.PUT("/chats/:id", s.handleRenameGroup)
	api.DELETE("/chats/:id", s.handleDeleteChat)
	api.GET("/chats/:id/messages", s.handleMessages)
	api.POST("/chats/:id/attachments", s.handleAttachments)
	api.PUT("/chats/:id/members", s.handleAddMembers)
	api.DELETE("/chats/:id/members/:userId", s.handleRemoveMember)
	api.DELETE("/chats/:id/leave", s.handleLeaveGroup)
	api.POST("/requests", s.handleSendRequest)
	api.PUT("/requests/:id", s.handleRespondRequest)
	api.POST("/session/logout", s.handleLogout)
	if s.deps.Tokens != nil {
		api.POST("/session/refresh", s.handleRefresh)
	}
	return engine
}

func (s *Server) handleHealthz(c *gin.Context) {
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	body := gin.H{"status": "ok"}
	if s.deps.Presence != nil {
		body["connections"] = s.deps.Presence.Count()
	}
	c.JSON(http.StatusOK, body)
}

// handleRefresh reissues the session cookie for the authenticated user.
func (s *Server) handleRefresh(c *gin.Context) {
	token, err := s.deps.Tokens.Sign(identityFrom(c).UserID, s.deps.TokenTTL)
	if err != nil {
		s.abort(c, err)
		return
	}
	s.setSessionCookie(c, token, int(s.deps.TokenTTL.Seconds()))
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Session refreshed"})
}

func (s *Server) handleLogout(c *gin.Context) {
	s.setSessionCookie(c, "", -1)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Logged out successfully"})
}

func (s *Server) setSessionCookie(c *gin.Context, value string, maxAge int) {
	c.SetSameSite(http.SameSiteNoneMode)
	c.SetCookie(s.deps.CookieName, value, maxAge, "/", "", true, true)
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ws.TokenFromRequest(c.Request, s.deps.CookieName)
		identity, err := s.deps.Auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			if !errors.Is(err, domain.ErrAuthentication) {
				err = errors.Join(domain.ErrAuthentication, err)
			}
			s.abort(c, err)
			return
		}
		c.Set(identityKey, identity)
		c.Next()
	}
}

func identityFrom(c *gin.Context) domain.Identity {
	return c.MustGet(identityKey).(domain.Identity)
}

// abort writes the error response for err. Internal errors are logged and
// their details hidden from the client.
func (s *Server) abort(c *gin.Context, err error) {
	code, status := domain.ErrorCode(err)
	message := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("Request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		message = "internal server error"
	}
	c.AbortWithStatusJSON(status, gin.H{"success": false, "code": code, "message": message})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if _, ok := s.origins[origin]; ok {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
