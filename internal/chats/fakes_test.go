package chats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"realtime_chat/internal/domain"
	"realtime_chat/internal/realtime"

	"github.com/google/uuid"
)

type memStore struct {
	mu       sync.Mutex
	users    map[uuid.UUID]*domain.User
	chats    map[uuid.UUID]*domain.Chat
	requests map[uuid.UUID]*domain.FriendRequest
	blobIDs  map[uuid.UUID][]string
}

func newMemStore() *memStore {
	return &memStore{
		users:    make(map[uuid.UUID]*domain.User),
		chats:    make(map[uuid.UUID]*domain.Chat),
		requests: make(map[uuid.UUID]*domain.FriendRequest),
		blobIDs:  make(map[uuid.UUID][]string),
	}
}

func (s *memStore) addUser(name string) domain.Identity {
	u := &domain.User{ID: uuid.New(), Name: name, Username: name}
	s.users[u.ID] = u
	return domain.Identity{UserID: u.ID, Name: name}
}

func (s *memStore) GetUser(_ context.Context, id uuid.UUID) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	return u, nil
}

func (s *memStore) FilterExistingUsers(_ context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uuid.UUID
	for _, id := range ids {
		if _, ok := s.users[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *memStore) GetChat(_ context.Context, id uuid.UUID) (*domain.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok {
		return nil, fmt.Errorf("chat %s: %w", id, domain.ErrNotFound)
	}
	cp := *c
	cp.Members = append([]uuid.UUID{}, c.Members...)
	return &cp, nil
}

func (s *memStore) ListChats(_ context.Context, userID uuid.UUID) ([]*domain.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Chat
	for _, c := range s.chats {
		if c.HasMember(userID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStore) ListGroups(_ context.Context, creatorID uuid.UUID) ([]*domain.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Chat
	for _, c := range s.chats {
		if c.GroupChat && c.CreatorID == creatorID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStore) CreateChat(_ context.Context, chat *domain.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *chat
	cp.Members = append([]uuid.UUID{}, chat.Members...)
	s.chats[chat.ID] = &cp
	return nil
}

func (s *memStore) AddChatMembers(_ context.Context, chatID uuid.UUID, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[chatID].Members = append(s.chats[chatID].Members, ids...)
	return nil
}

func (s *memStore) RemoveChatMember(_ context.Context, chatID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.chats[chatID]
	c.Members = uniqueExcept(c.Members, userID)
	return nil
}

func (s *memStore) SetCreator(_ context.Context, chatID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[chatID].CreatorID = userID
	return nil
}

func (s *memStore) RenameChat(_ context.Context, chatID uuid.UUID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[chatID].Name = name
	return nil
}

func (s *memStore) DeleteChat(_ context.Context, chatID uuid.UUID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chats, chatID)
	return s.blobIDs[chatID], nil
}

func (s *memStore) GetMessages(_ context.Context, chatID uuid.UUID, page, pageSize int) ([]*domain.Message, int, error) {
	return []*domain.Message{{ChatID: chatID, Content: fmt.Sprintf("page %d of %d", page, pageSize)}}, 1, nil
}

func (s *memStore) CreateRequest(_ context.Context, req *domain.FriendRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.requests[req.ID] = &cp
	return nil
}

func (s *memStore) FindRequest(_ context.Context, a, b uuid.UUID) (*domain.FriendRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.requests {
		if (r.SenderID == a && r.ReceiverID == b) || (r.SenderID == b && r.ReceiverID == a) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("request: %w", domain.ErrNotFound)
}

func (s *memStore) GetRequest(_ context.Context, id uuid.UUID) (*domain.FriendRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("request: %w", domain.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) UpdateRequestStatus(_ context.Context, id uuid.UUID, status domain.RequestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[id].Status = status
	return nil
}

type emitted struct {
	eventType domain.EventType
	targets   []uuid.UUID
	payload   any
}

type recordingEmitter struct {
	events []emitted
}

func (e *recordingEmitter) Emit(_ context.Context, eventType domain.EventType, targets []uuid.UUID, payload any) realtime.Delivery {
	e.events = append(e.events, emitted{eventType, append([]uuid.UUID{}, targets...), payload})
	return realtime.Delivery{Targets: len(targets)}
}

func (e *recordingEmitter) of(eventType domain.EventType) []emitted {
	var out []emitted
	for _, ev := range e.events {
		if ev.eventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type recordingBlobs struct {
	deleted []string
}

func (b *recordingBlobs) Delete(_ context.Context, ids ...string) error {
	b.deleted = append(b.deleted, ids...)
	return nil
}

type fixture struct {
	store   *memStore
	events  *recordingEmitter
	blobs   *recordingBlobs
	service *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemStore()
	events := &recordingEmitter{}
	blobs := &recordingBlobs{}
	return &fixture{
		store:   store,
		events:  events,
		blobs:   blobs,
		service: NewService(store, events, blobs, slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
}

func sameSet(a, b []uuid.UUID) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[uuid.UUID]int, len(a))
	for _, id := range a {
		set[id]++
	}
	for _, id := range b {
		set[id]--
	}
	for _, n := range set {
		if n != 0 {
			return false
		}
	}
	return true
}
