package presence

import (
	"context"
	"errors"
	"time"

	"github.com/Avicted/murmur/internal/user"
)

var ErrInvalidInput = errors.New("invalid input")

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

func ParseStatus(raw string) (Status, bool) {
	switch s := Status(raw); s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return s, true
	default:
		return "", false
	}
}

// Event is one heartbeat. Signature is carried opaquely and never verified here.
type Event struct {
	ID        string
	UserID    user.ID
	Status    Status
	EmittedAt time.Time
	Signature string
}

// HistoryRepository is the append-only durable log of heartbeats.
type HistoryRepository interface {
	Append(ctx context.Context, event Event) error
	// List returns at most limit events for userID, newest first.
	List(ctx context.Context, userID user.ID, limit int) ([]Event, error)
}
