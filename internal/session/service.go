package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Avicted/murmur/internal/user"
)

const tokenBytes = 32

type Service struct {
	repo    Repository
	hasher  Hasher
	ttl     time.Duration
	now     func() time.Time
	randSrc io.Reader
}

func NewService(repo Repository, hasher Hasher, ttl time.Duration) *Service {
	return &Service{
		repo:    repo,
		hasher:  hasher,
		ttl:     ttl,
		now:     time.Now,
		randSrc: rand.Reader,
	}
}

// Create issues a new bearer token for userID. The raw token is returned
// exactly once; only its hash is stored.
func (s *Service) Create(ctx context.Context, userID user.ID, metadata map[string]string) (Session, error) {
	if s.repo == nil || s.hasher == nil {
		return Session{}, errors.New("repository and hasher are required")
	}
	if strings.TrimSpace(string(userID)) == "" {
		return Session{}, ErrInvalidInput
	}
	if s.ttl <= 0 {
		return Session{}, errors.New("session ttl must be positive")
	}

	token, err := s.randomToken()
	if err != nil {
		return Session{}, fmt.Errorf("generate token: %w", err)
	}
	now := s.now().UTC()
	rec := Record{
		TokenHash: s.hasher.HashString(token),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
		Metadata:  copyMetadata(metadata),
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return Session{}, err
	}
	return rec.session(token), nil
}

// Validate reports ok=false for unknown or expired tokens. Expired records
// are deleted on the way out. err is only set for storage faults.
func (s *Service) Validate(ctx context.Context, token string) (Session, bool, error) {
	if s.repo == nil || s.hasher == nil {
		return Session{}, false, errors.New("repository and hasher are required")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, false, nil
	}

	hash := s.hasher.HashString(token)
	rec, err := s.repo.Get(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, false, nil
		}
		return Session{}, false, err
	}
	if rec.ExpiresAt.Before(s.now()) {
		if err := s.repo.Delete(ctx, hash); err != nil {
			return Session{}, false, err
		}
		return Session{}, false, nil
	}
	return rec.session(token), true, nil
}

func (s *Service) Revoke(ctx context.Context, token string) error {
	if s.repo == nil || s.hasher == nil {
		return errors.New("repository and hasher are required")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	return s.repo.Delete(ctx, s.hasher.HashString(token))
}

// Sweep purges every expired session and returns how many were removed.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	if s.repo == nil {
		return 0, errors.New("repository is required")
	}
	return s.repo.DeleteExpired(ctx, s.now().UTC())
}

func (s *Service) randomToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(s.randSrc, buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
