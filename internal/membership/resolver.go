package membership

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Store is the slice of the persistence store the resolver reads.
type Store interface {
	GetChatMembers(ctx context.Context, chatID uuid.UUID) ([]uuid.UUID, error)
}

// Resolver returns chat membership straight from the store on every call.
// Membership can change between a send and its fan-out, so nothing is cached.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Members returns the current members of chatID. The store reports
// domain.ErrNotFound for unknown chats.
func (r *Resolver) Members(ctx context.Context, chatID uuid.UUID) ([]uuid.UUID, error) {
	members, err := r.store.GetChatMembers(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("resolve members of chat %s: %w", chatID, err)
	}
	return members, nil
}

// IsMember resolves the chat and reports whether userID belongs to it. The
// resolved member list is returned so callers can fan out without a second read.
func (r *Resolver) IsMember(ctx context.Context, chatID, userID uuid.UUID) (bool, []uuid.UUID, error) {
	members, err := r.Members(ctx, chatID)
	if err != nil {
		return false, nil, err
	}
	for _, m := range members {
		if m == userID {
			return true, members, nil
		}
	}
	return false, members, nil
}
