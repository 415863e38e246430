package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"realtime_chat/internal/blob"
	"realtime_chat/internal/domain"
	"realtime_chat/internal/membership"
	"realtime_chat/internal/presence"

	"github.com/google/uuid"
)

type recordingConn struct {
	id uuid.UUID

	mu     sync.Mutex
	frames [][]byte
	full   bool
	closed bool
}

func newRecordingConn() *recordingConn { return &recordingConn{id: uuid.New()} }

func (c *recordingConn) ID() uuid.UUID { return c.id }

func (c *recordingConn) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.frames = append(c.frames, data)
	return true
}

func (c *recordingConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *recordingConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *recordingConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

func (c *recordingConn) events(t *testing.T) []domain.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Envelope, 0, len(c.frames))
	for _, f := range c.frames {
		var env domain.Envelope
		if err := json.Unmarshal(f, &env); err != nil {
			t.Fatalf("decode frame %s: %v", f, err)
		}
		out = append(out, env)
	}
	return out
}

func (c *recordingConn) count(t *testing.T, eventType domain.EventType) int {
	t.Helper()
	n := 0
	for _, env := range c.events(t) {
		if env.Type == eventType {
			n++
		}
	}
	return n
}

type memberStore struct {
	mu      sync.Mutex
	members map[uuid.UUID][]uuid.UUID
}

func newMemberStore() *memberStore {
	return &memberStore{members: make(map[uuid.UUID][]uuid.UUID)}
}

func (s *memberStore) set(chatID uuid.UUID, members ...uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[chatID] = members
}

func (s *memberStore) GetChatMembers(_ context.Context, chatID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[chatID]
	if !ok {
		return nil, fmt.Errorf("chat %s: %w", chatID, domain.ErrNotFound)
	}
	return append([]uuid.UUID(nil), m...), nil
}

type tokenAuth map[string]domain.Identity

func (a tokenAuth) Authenticate(_ context.Context, token string) (domain.Identity, error) {
	id, ok := a[token]
	if !ok {
		return domain.Identity{}, errors.New("token validation failed")
	}
	return id, nil
}

type memPersister struct {
	mu     sync.Mutex
	stored []*domain.Message
	err    error
	ctxErr error
}

func (p *memPersister) Persist(ctx context.Context, msg *domain.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctxErr = ctx.Err()
	if p.err != nil {
		return p.err
	}
	p.stored = append(p.stored, msg)
	return nil
}

func (p *memPersister) messages() []*domain.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*domain.Message(nil), p.stored...)
}

type memBlobs struct {
	mu       sync.Mutex
	failOn   string
	uploaded []string
	deleted  []string
}

func (b *memBlobs) Upload(_ context.Context, u blob.Upload) (domain.Attachment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if u.Name == b.failOn {
		return domain.Attachment{}, errors.New("blob store unavailable")
	}
	if u.Body != nil {
		_, _ = io.Copy(io.Discard, u.Body)
	}
	id := "blob-" + u.Name
	b.uploaded = append(b.uploaded, id)
	return domain.Attachment{PublicID: id, URL: "/files/" + id}, nil
}

func (b *memBlobs) Delete(_ context.Context, ids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, ids...)
	return nil
}

type harness struct {
	registry   *presence.Registry
	online     *presence.OnlineSet
	store      *memberStore
	engine     *Engine
	manager    *Manager
	ingestor   *Ingestor
	dispatcher *Dispatcher
	persister  *memPersister
	blobs      *memBlobs
	auth       tokenAuth
}

func newHarness(t *testing.T, mode PersistMode) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &harness{
		registry:  presence.NewRegistry(),
		online:    presence.NewOnlineSet(),
		store:     newMemberStore(),
		persister: &memPersister{},
		blobs:     &memBlobs{},
		auth:      tokenAuth{},
	}
	resolver := membership.NewResolver(h.store)
	h.engine = NewEngine(h.registry, logger)
	h.manager = NewManager(h.registry, h.online, resolver, h.engine, h.auth, logger)
	h.ingestor = NewIngestor(resolver, h.engine, h.persister, h.blobs, mode, 0, logger)
	h.dispatcher = NewDispatcher(h.manager, h.ingestor, h.engine, logger)
	return h
}

// connect authenticates a new connection for a user called name.
func (h *harness) connect(t *testing.T, userID uuid.UUID, name string) (*Session, *recordingConn) {
	t.Helper()
	token := "token-" + uuid.NewString()
	h.auth[token] = domain.Identity{UserID: userID, Name: name}
	conn := newRecordingConn()
	s, err := h.manager.Connect(context.Background(), conn, token)
	if err != nil {
		t.Fatalf("connect %s: %v", name, err)
	}
	return s, conn
}
