package auth

import (
	"context"
	"errors"
	"fmt"

	"realtime_chat/internal/domain"

	"github.com/google/uuid"
)

type UserStore interface {
	GetUser(ctx context.Context, userID uuid.UUID) (*domain.User, error)
}

// Authenticator turns a session token into the identity of an existing user.
// Every failure is reported as domain.ErrAuthentication.
type Authenticator struct {
	verifier Verifier
	users    UserStore
}

func NewAuthenticator(verifier Verifier, users UserStore) *Authenticator {
	return &Authenticator{verifier: verifier, users: users}
}

func (a *Authenticator) Authenticate(ctx context.Context, token string) (domain.Identity, error) {
	if token == "" {
		return domain.Identity{}, fmt.Errorf("%w: missing token", domain.ErrAuthentication)
	}

	userID, err := a.verifier.Verify(token)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
	}

	user, err := a.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Identity{}, fmt.Errorf("%w: unknown user %s", domain.ErrAuthentication, userID)
		}
		return domain.Identity{}, fmt.Errorf("%w: failed to load user: %v", domain.ErrAuthentication, err)
	}

	name := user.Name
	if name == "" {
		name = user.Username
	}
	return domain.Identity{UserID: user.ID, Name: name}, nil
}
