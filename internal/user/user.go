package user

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("user not found")

type ID string

// Profile is public, non-secret metadata.
type Profile struct {
	ID          ID
	DisplayName string
	ColorCode   string
	Archetype   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// KeyRecord is one-to-one with Profile. The private key is only ever held as
// an at-rest record.
type KeyRecord struct {
	UserID              ID
	PublicKey           string
	EncryptedPrivateKey string
	PrivateKeyNonce     string
}

// Contact is the display summary of another user. It carries no secrets.
type Contact struct {
	ID          ID
	DisplayName string
	ColorCode   string
	Archetype   string
	PublicKey   string
}

// CreatedUser is returned once, at account creation.
type CreatedUser struct {
	Profile             Profile
	PublicKey           string
	EncryptedPrivateKey string
	PrivateKeyNonce     string
}

type Repository interface {
	// CreateWithKeys writes the profile and key record atomically.
	CreateWithKeys(ctx context.Context, profile Profile, keys KeyRecord) error
	GetProfile(ctx context.Context, id ID) (Profile, error)
	GetKeyRecord(ctx context.Context, id ID) (KeyRecord, error)
	ListContacts(ctx context.Context, owner ID) ([]Contact, error)
}
