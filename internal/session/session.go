package session

import (
	"context"
	"errors"
	"time"

	"github.com/Avicted/murmur/internal/user"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Session is what callers see. Token is only populated when the caller
// supplied or was just issued the raw token.
type Session struct {
	Token     string
	UserID    user.ID
	CreatedAt time.Time
	ExpiresAt time.Time
	Metadata  map[string]string
}

// Record is the persisted form, keyed by a keyed hash of the token so a
// storage dump does not yield usable bearer credentials.
type Record struct {
	TokenHash string
	UserID    user.ID
	CreatedAt time.Time
	ExpiresAt time.Time
	Metadata  map[string]string
}

type Repository interface {
	Create(ctx context.Context, rec Record) error
	Get(ctx context.Context, tokenHash string) (Record, error)
	// Delete is idempotent.
	Delete(ctx context.Context, tokenHash string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Hasher derives the storage key of a token. securestore.Box implements it.
type Hasher interface {
	HashString(value string) string
}

func (r Record) session(token string) Session {
	return Session{
		Token:     token,
		UserID:    r.UserID,
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
		Metadata:  r.Metadata,
	}
}
