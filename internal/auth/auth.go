package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Avicted/murmur/internal/crypto"
	"github.com/Avicted/murmur/internal/securestore"
	"github.com/Avicted/murmur/internal/session"
	"github.com/Avicted/murmur/internal/user"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnauthorized covers unknown users, dead sessions and key material
	// that fails to decrypt. The underlying cause stays in the chain for logs.
	ErrUnauthorized = errors.New("unauthorized")
)

// Credentials is handed to the client at register and login. PrivateKey is
// the raw identity key; it is set only by Register and never persisted in
// the clear.
type Credentials struct {
	Profile    user.Profile
	Session    session.Session
	PublicKey  string
	PrivateKey string
}

type Service struct {
	users    *user.Service
	sessions *session.Service
	engine   *crypto.Engine
}

func NewService(users *user.Service, sessions *session.Service, engine *crypto.Engine) *Service {
	return &Service{users: users, sessions: sessions, engine: engine}
}

func (s *Service) Register(ctx context.Context, displayName, colorCode, archetype string, metadata map[string]string) (Credentials, error) {
	if err := s.ready(); err != nil {
		return Credentials{}, err
	}
	created, err := s.users.CreateUser(ctx, displayName, colorCode, archetype)
	if err != nil {
		if errors.Is(err, user.ErrInvalidInput) {
			return Credentials{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return Credentials{}, err
	}

	privateKey, err := s.openPrivateKey(created.EncryptedPrivateKey, created.PrivateKeyNonce)
	if err != nil {
		return Credentials{}, err
	}
	sess, err := s.sessions.Create(ctx, created.Profile.ID, metadata)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{
		Profile:    created.Profile,
		Session:    sess,
		PublicKey:  created.PublicKey,
		PrivateKey: privateKey,
	}, nil
}

// Login trusts that userID was authenticated upstream and issues a session
// for it. The stored identity key must still open under the master key, but
// only its public half is returned.
func (s *Service) Login(ctx context.Context, userID user.ID, metadata map[string]string) (Credentials, error) {
	if err := s.ready(); err != nil {
		return Credentials{}, err
	}
	if strings.TrimSpace(string(userID)) == "" {
		return Credentials{}, ErrInvalidInput
	}

	profile, ok, err := s.users.GetProfile(ctx, userID)
	if err != nil {
		return Credentials{}, err
	}
	if !ok {
		return Credentials{}, ErrUnauthorized
	}
	keys, ok, err := s.users.GetKeyRecord(ctx, userID)
	if err != nil {
		return Credentials{}, err
	}
	if !ok {
		return Credentials{}, ErrUnauthorized
	}

	if _, err := s.openPrivateKey(keys.EncryptedPrivateKey, keys.PrivateKeyNonce); err != nil {
		return Credentials{}, err
	}
	sess, err := s.sessions.Create(ctx, userID, metadata)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{
		Profile:   profile,
		Session:   sess,
		PublicKey: keys.PublicKey,
	}, nil
}

func (s *Service) Logout(ctx context.Context, token string) error {
	if s.sessions == nil {
		return errors.New("session service is required")
	}
	return s.sessions.Revoke(ctx, token)
}

// Authenticate resolves a bearer token to its live session.
func (s *Service) Authenticate(ctx context.Context, token string) (session.Session, error) {
	if s.sessions == nil {
		return session.Session{}, errors.New("session service is required")
	}
	sess, ok, err := s.sessions.Validate(ctx, token)
	if err != nil {
		return session.Session{}, err
	}
	if !ok {
		return session.Session{}, ErrUnauthorized
	}
	return sess, nil
}

func (s *Service) openPrivateKey(cipherText, nonce string) (string, error) {
	raw, err := s.engine.DecryptAtRest(securestore.Record{Nonce: nonce, CipherText: cipherText})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	priv, err := crypto.PrivateKeyFromBytes(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return crypto.PrivateKeyToBase64(priv), nil
}

func (s *Service) ready() error {
	if s.users == nil || s.sessions == nil || s.engine == nil {
		return errors.New("user, session and crypto services are required")
	}
	return nil
}
