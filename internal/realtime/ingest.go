package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"realtime_chat/internal/blob"
	"realtime_chat/internal/domain"
	"realtime_chat/internal/membership"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	MaxContentLength = 10000
	MaxAttachments   = 5
)

// PersistMode selects the order between the durable write and the realtime
// notification of a new message.
type PersistMode string

const (
	// PersistAsync emits first and writes in the background. A failed write
	// is logged; the event already delivered is not retracted.
	PersistAsync PersistMode = "async"
	// PersistSync writes first and only emits once the write succeeded.
	PersistSync PersistMode = "sync"
)

// Persister durably stores a message.
type Persister interface {
	Persist(ctx context.Context, msg *domain.Message) error
}

type SendRequest struct {
	ChatID  uuid.UUID
	Content string
	// Members is what the client believes the audience is. Targets are always
	// re-resolved from the store, so it is only logged on mismatch.
	Members     []uuid.UUID
	Attachments []blob.Upload
}

// Ingestor accepts messages from authenticated senders, notifies the chat and
// stores the message.
type Ingestor struct {
	members        *membership.Resolver
	engine         *Engine
	persister      Persister
	blobs          blob.Store
	mode           PersistMode
	persistTimeout time.Duration
	logger         *slog.Logger

	now   func() time.Time
	newID func() uuid.UUID

	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup

	persistErrors metric.Int64Counter
}

func NewIngestor(members *membership.Resolver, engine *Engine, persister Persister, blobs blob.Store, mode PersistMode, persistTimeout time.Duration, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	if mode == "" {
		mode = PersistAsync
	}
	if persistTimeout <= 0 {
		persistTimeout = 10 * time.Second
	}
	persistErrors, _ := otel.Meter("realtime_chat/realtime").Int64Counter("messages_persist_errors_total",
		metric.WithDescription("Messages whose durable write failed"))

	return &Ingestor{
		members:        members,
		engine:         engine,
		persister:      persister,
		blobs:          blobs,
		mode:           mode,
		persistTimeout: persistTimeout,
		logger:         logger,
		now:            time.Now,
		newID:          uuid.New,
		persistErrors:  persistErrors,
	}
}

// Send validates, uploads attachments, resolves the chat's current members,
// emits NEW_MESSAGE (NEW_ATTACHMENT when files are attached) followed by
// NEW_MESSAGE_ALERT, and persists according to the configured mode. The
// sender is a target like any other member, so all of the sender's devices
// receive the message too.
func (in *Ingestor) Send(ctx context.Context, sender domain.Identity, req SendRequest) (*domain.Message, error) {
	if !in.begin() {
		return nil, fmt.Errorf("%w: server is shutting down", domain.ErrUnavailable)
	}
	defer in.wg.Done()

	content := strings.TrimSpace(req.Content)
	if err := validateSend(req.ChatID, content, len(req.Attachments)); err != nil {
		return nil, err
	}

	attachments, err := in.upload(ctx, req.Attachments)
	if err != nil {
		return nil, err
	}

	ok, members, err := in.members.IsMember(ctx, req.ChatID, sender.UserID)
	if err == nil && !ok {
		err = fmt.Errorf("%w: user not in the chat", domain.ErrForbidden)
	}
	if err != nil {
		in.discard(attachments)
		return nil, err
	}
	if len(req.Members) > 0 && len(req.Members) != len(members) {
		in.logger.Debug("Client member list is stale", "chat_id", req.ChatID,
			"client", len(req.Members), "resolved", len(members))
	}

	msg := &domain.Message{
		ID:          in.newID(),
		ChatID:      req.ChatID,
		Sender:      domain.Sender{ID: sender.UserID, Name: sender.Name},
		Content:     content,
		Attachments: attachments,
		CreatedAt:   in.now(),
	}

	if in.mode == PersistSync {
		if err := in.persist(ctx, msg); err != nil {
			in.discard(attachments)
			return nil, err
		}
		in.notify(ctx, msg, members)
		return msg, nil
	}

	in.notify(ctx, msg, members)
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		// the write outlives the sender's connection
		_ = in.persist(context.WithoutCancel(ctx), msg)
	}()
	return msg, nil
}

func (in *Ingestor) begin() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.draining {
		return false
	}
	in.wg.Add(1)
	return true
}

// Wait blocks until every accepted send and its background write has
// finished.
func (in *Ingestor) Wait() {
	in.wg.Wait()
}

// Shutdown rejects new sends with domain.ErrUnavailable and waits for the
// accepted ones.
func (in *Ingestor) Shutdown() {
	in.mu.Lock()
	in.draining = true
	in.mu.Unlock()
	in.wg.Wait()
}

func (in *Ingestor) notify(ctx context.Context, msg *domain.Message, members []uuid.UUID) {
	eventType := domain.EventNewMessage
	if len(msg.Attachments) > 0 {
		eventType = domain.EventNewAttachment
	}
	in.engine.Emit(ctx, eventType, members, domain.NewMessagePayload{ChatID: msg.ChatID, Message: msg})
	in.engine.Emit(ctx, domain.EventNewMessageAlert, members, domain.ChatPayload{ChatID: msg.ChatID})
}

func (in *Ingestor) persist(ctx context.Context, msg *domain.Message) error {
	ctx, cancel := context.WithTimeout(ctx, in.persistTimeout)
	defer cancel()

	if err := in.persister.Persist(ctx, msg); err != nil {
		in.persistErrors.Add(ctx, 1)
		in.logger.Error("Failed to persist message",
			"message_id", msg.ID, "chat_id", msg.ChatID, "sender_id", msg.Sender.ID, "error", err)
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return nil
}

func (in *Ingestor) upload(ctx context.Context, uploads []blob.Upload) ([]domain.Attachment, error) {
	attachments := make([]domain.Attachment, 0, len(uploads))
	if len(uploads) == 0 {
		return attachments, nil
	}
	if in.blobs == nil {
		return nil, fmt.Errorf("%w: attachments are not supported", domain.ErrValidation)
	}
	for _, u := range uploads {
		att, err := in.blobs.Upload(ctx, u)
		if err != nil {
			in.discard(attachments)
			return nil, fmt.Errorf("upload %q: %w", u.Name, err)
		}
		attachments = append(attachments, att)
	}
	return attachments, nil
}

func (in *Ingestor) discard(attachments []domain.Attachment) {
	if len(attachments) == 0 {
		return
	}
	ids := make([]string, len(attachments))
	for i, a := range attachments {
		ids[i] = a.PublicID
	}
	if err := in.blobs.Delete(context.Background(), ids...); err != nil {
		in.logger.Warn("Failed to delete orphaned attachments", "ids", ids, "error", err)
	}
}

func validateSend(chatID uuid.UUID, content string, attachments int) error {
	switch {
	case chatID == uuid.Nil:
		return fmt.Errorf("%w: chat ID is required", domain.ErrValidation)
	case content == "" && attachments == 0:
		return fmt.Errorf("%w: message cannot be empty", domain.ErrValidation)
	case utf8.RuneCountInString(content) > MaxContentLength:
		return fmt.Errorf("%w: message exceeds %d characters", domain.ErrValidation, MaxContentLength)
	case attachments > MaxAttachments:
		return fmt.Errorf("%w: you can attach max %d files", domain.ErrValidation, MaxAttachments)
	}
	return nil
}
