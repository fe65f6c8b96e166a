package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/Avicted/murmur/internal/message"
	"github.com/Avicted/murmur/internal/presence"
	"github.com/Avicted/murmur/internal/session"
	"github.com/Avicted/murmur/internal/user"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	Close(ctx context.Context) error
	Migrate(ctx context.Context) error
	Users() user.Repository
	Sessions() session.Repository
	Messages() message.Repository
	PresenceHistory() presence.HistoryRepository
}

// notFound wraps the domain sentinel together with ErrNotFound so callers can
// match either.
func notFound(domain error) error {
	return fmt.Errorf("%w: %w", domain, ErrNotFound)
}
