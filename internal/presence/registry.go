package presence

import (
	"sync"

	"github.com/google/uuid"
)

// Conn is one live bidirectional channel owned by the transport layer.
// Send must not block; it reports false when the frame was not queued.
// Close ends the channel; the transport then runs its normal disconnect.
type Conn interface {
	ID() uuid.UUID
	Send(data []byte) bool
	Close()
}

// Registry maps users to their live connections.
type Registry struct {
	mu sync.RWMutex
	// UserID -> ConnID -> Conn
	conns map[uuid.UUID]map[uuid.UUID]Conn
	// ConnID -> UserID, so a handle lives under one user only
	owners map[uuid.UUID]uuid.UUID
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[uuid.UUID]map[uuid.UUID]Conn),
		owners: make(map[uuid.UUID]uuid.UUID),
	}
}

// Register adds conn under userID. It returns true when this is the user's
// first live connection.
func (r *Registry) Register(userID uuid.UUID, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	connID := conn.ID()
	if prev, ok := r.owners[connID]; ok && prev != userID {
		r.removeLocked(prev, connID)
	}

	userConns, ok := r.conns[userID]
	if !ok {
		userConns = make(map[uuid.UUID]Conn)
		r.conns[userID] = userConns
	}
	userConns[connID] = conn
	r.owners[connID] = userID
	return !ok
}

// Unregister removes conn from whichever user owns it. offline is true when
// that was the owner's last connection. Unknown handles are ignored.
func (r *Registry) Unregister(conn Conn) (userID uuid.UUID, offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.owners[conn.ID()]
	if !ok {
		return uuid.Nil, false
	}
	return userID, r.removeLocked(userID, conn.ID())
}

func (r *Registry) removeLocked(userID, connID uuid.UUID) bool {
	delete(r.owners, connID)
	userConns, ok := r.conns[userID]
	if !ok {
		return false
	}
	delete(userConns, connID)
	if len(userConns) == 0 {
		delete(r.conns, userID)
		return true
	}
	return false
}

// Resolve returns the live connections of every listed user. Offline and
// unknown users contribute nothing.
func (r *Registry) Resolve(userIDs []uuid.UUID) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Conn
	for _, userID := range userIDs {
		for _, c := range r.conns[userID] {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) IsOnline(userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID]) > 0
}

// Online returns every user with at least one live connection.
func (r *Registry) Online() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}
