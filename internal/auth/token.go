package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Verifier checks a session token and returns the user id it was issued for.
type Verifier interface {
	Verify(token string) (uuid.UUID, error)
}

// sessionClaims carries the user id under "id", the shape the web client's
// login endpoint issues. Tokens from an identity provider use "sub" instead.
type sessionClaims struct {
	UserID string `json:"id,omitempty"`
	jwt.RegisteredClaims
}

func (c *sessionClaims) userID() (uuid.UUID, error) {
	raw := c.UserID
	if raw == "" {
		raw = c.Subject
	}
	if raw == "" {
		return uuid.Nil, errors.New("token carries no user id")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid user id in token: %w", err)
	}
	return id, nil
}

// HMACVerifier validates HS256 tokens signed with a shared secret.
type HMACVerifier struct {
	secret []byte
	issuer string
}

func NewHMACVerifier(secret, issuer string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret), issuer: issuer}
}

func (v *HMACVerifier) Verify(token string) (uuid.UUID, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return uuid.Nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !parsed.Valid {
		return uuid.Nil, errors.New("token is not valid")
	}
	return claims.userID()
}

// Sign issues a token for userID. A zero ttl issues a token without expiry.
func (v *HMACVerifier) Sign(userID uuid.UUID, ttl time.Duration) (string, error) {
	claims := sessionClaims{UserID: userID.String()}
	claims.IssuedAt = jwt.NewNumericDate(time.Now())
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	if v.issuer != "" {
		claims.Issuer = v.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// JWKSVerifier validates tokens from an external identity provider against
// its published key set.
type JWKSVerifier struct {
	jwks   *keyfunc.JWKS
	issuer string
}

func NewJWKSVerifier(ctx context.Context, jwksURL, issuer string, logger *slog.Logger) (*JWKSVerifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		Ctx:                 ctx,
		RefreshInterval:     5 * time.Minute,
		RefreshRateLimit:    time.Minute,
		RefreshUnknownKID:   true,
		RefreshErrorHandler: func(err error) { logger.Error("JWKS refresh error", "error", err) },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	logger.Info("JWKS loaded", "jwks_url", jwksURL)
	return &JWKSVerifier{jwks: jwks, issuer: issuer}, nil
}

func (v *JWKSVerifier) Verify(token string) (uuid.UUID, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, v.jwks.Keyfunc, opts...)
	if err != nil {
		return uuid.Nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !parsed.Valid {
		return uuid.Nil, errors.New("token is not valid")
	}
	return claims.userID()
}

// Close shuts down the JWKS background refresh.
func (v *JWKSVerifier) Close() {
	v.jwks.EndBackground()
}
