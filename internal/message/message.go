package message

import (
	"context"
	"errors"
	"time"

	"github.com/Avicted/murmur/internal/crypto"
	"github.com/Avicted/murmur/internal/user"
)

var ErrNotFound = errors.New("message not found")

type ID string

// StoredMessage is the persisted shape of a message. The payload only exists
// as Nonce/CipherText sealed under the master key.
type StoredMessage struct {
	ID             ID
	ConversationID string
	SenderID       user.ID
	Envelope       *crypto.Envelope
	Nonce          string
	CipherText     string
	CreatedAt      time.Time
	DeliveredAt    *time.Time
	ReadAt         *time.Time
	Mood           *string
	Weight         *float64
}

type Repository interface {
	Save(ctx context.Context, msg StoredMessage) error
	// ListRecent returns the newest limit messages, oldest first.
	ListRecent(ctx context.Context, conversationID string, limit int) ([]StoredMessage, error)
	MarkDelivered(ctx context.Context, id ID, at time.Time) error
	MarkRead(ctx context.Context, id ID, at time.Time) error
}
