package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Claims is the only payload shape the codec accepts. Subject carries the
// user id; ID (jti) keeps two tokens minted in the same second distinct.
// The registered exp claim has whole-second resolution, so ExpiresAtNano
// carries the exact expiry and exp is rounded up to cover it.
type Claims struct {
	jwt.RegisteredClaims
	Email         string `json:"email"`
	Username      string `json:"username"`
	Kind          Kind   `json:"kind"`
	ExpiresAtNano int64  `json:"exp_ns"`
}

// Subject is the input to Issue; the codec fills in the registered claims.
type Subject struct {
	UserID   uuid.UUID
	Email    string
	Username string
}

// Validate is invoked by the jwt parser after the registered claims pass.
func (c Claims) Validate() error {
	if _, err := uuid.Parse(c.Subject); err != nil {
		return errors.New("subject is not a user id")
	}
	if c.Email == "" {
		return errors.New("email claim missing")
	}
	if c.Kind != KindAccess && c.Kind != KindRefresh {
		return errors.New("unknown token kind")
	}
	if c.ID == "" || c.IssuedAt == nil || c.ExpiresAt == nil {
		return errors.New("registered claims incomplete")
	}
	if c.ExpiresAtNano <= 0 || time.Unix(0, c.ExpiresAtNano).After(c.ExpiresAt.Time) {
		return errors.New("precise expiry missing or beyond exp")
	}
	return nil
}

func (c Claims) UserID() uuid.UUID {
	id, _ := uuid.Parse(c.Subject)
	return id
}

func (c Claims) ExpiresAtTime() time.Time {
	if c.ExpiresAtNano > 0 {
		return time.Unix(0, c.ExpiresAtNano)
	}
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// TokenCodec mints and checks signed tokens. Verify reports every failure as
// the same ErrInvalidToken.
type TokenCodec interface {
	Issue(kind Kind, sub Subject, ttl time.Duration) (token string, exp time.Time, err error)
	Verify(kind Kind, token string) (Claims, error)
}
