package presence

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// OnlineSet tracks which users have joined which chat context. It is driven
// by explicit join/leave signals rather than by socket lifetime.
type OnlineSet struct {
	mu    sync.RWMutex
	chats map[uuid.UUID]map[uuid.UUID]struct{} // chat -> users
	users map[uuid.UUID]map[uuid.UUID]struct{} // user -> chats
}

func NewOnlineSet() *OnlineSet {
	return &OnlineSet{
		chats: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		users: make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

func (s *OnlineSet) Join(chatID, userID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chats[chatID] == nil {
		s.chats[chatID] = make(map[uuid.UUID]struct{})
	}
	s.chats[chatID][userID] = struct{}{}
	if s.users[userID] == nil {
		s.users[userID] = make(map[uuid.UUID]struct{})
	}
	s.users[userID][chatID] = struct{}{}
}

func (s *OnlineSet) Leave(chatID, userID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaveLocked(chatID, userID)
}

func (s *OnlineSet) leaveLocked(chatID, userID uuid.UUID) {
	if members, ok := s.chats[chatID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(s.chats, chatID)
		}
	}
	if chats, ok := s.users[userID]; ok {
		delete(chats, chatID)
		if len(chats) == 0 {
			delete(s.users, userID)
		}
	}
}

// RemoveUser drops userID from every chat context and returns the chats it
// was removed from.
func (s *OnlineSet) RemoveUser(userID uuid.UUID) []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	chats := s.users[userID]
	affected := make([]uuid.UUID, 0, len(chats))
	for chatID := range chats {
		affected = append(affected, chatID)
	}
	for _, chatID := range affected {
		s.leaveLocked(chatID, userID)
	}
	return affected
}

// Users returns every user present in at least one chat context, sorted.
func (s *OnlineSet) Users() []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.users)
}

// ChatUsers returns the users present in chatID, sorted.
func (s *OnlineSet) ChatUsers(chatID uuid.UUID) []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.chats[chatID])
}

func (s *OnlineSet) Contains(chatID, userID uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.chats[chatID][userID]
	return ok
}

func sortedKeys[V any](m map[uuid.UUID]V) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
