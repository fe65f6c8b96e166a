package user

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Avicted/murmur/internal/crypto"
)

var ErrInvalidInput = errors.New("invalid input")

const (
	maxDisplayName = 64
	maxArchetype   = 32
)

var colorCodePattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

type Service struct {
	repo   Repository
	engine *crypto.Engine
	idGen  func() ID
	now    func() time.Time
}

func NewService(repo Repository, engine *crypto.Engine) *Service {
	return &Service{
		repo:   repo,
		engine: engine,
		idGen: func() ID {
			return ID(uuid.NewString())
		},
		now: time.Now,
	}
}

// CreateUser generates an identity key pair, seals the private key under the
// master key and stores profile and key record in one transaction.
func (s *Service) CreateUser(ctx context.Context, displayName, colorCode, archetype string) (CreatedUser, error) {
	if s.repo == nil || s.engine == nil {
		return CreatedUser{}, errors.New("repository and crypto engine are required")
	}

	name := strings.TrimSpace(displayName)
	color := strings.TrimSpace(colorCode)
	kind := strings.TrimSpace(archetype)
	if name == "" || utf8.RuneCountInString(name) > maxDisplayName {
		return CreatedUser{}, ErrInvalidInput
	}
	if !colorCodePattern.MatchString(color) {
		return CreatedUser{}, ErrInvalidInput
	}
	if kind == "" || utf8.RuneCountInString(kind) > maxArchetype {
		return CreatedUser{}, ErrInvalidInput
	}

	keys, err := s.engine.GenerateIdentityKeyPair()
	if err != nil {
		return CreatedUser{}, err
	}
	sealed, err := s.engine.EncryptAtRest(keys.Private.Bytes())
	if err != nil {
		return CreatedUser{}, err
	}

	now := s.now().UTC()
	profile := Profile{
		ID:          s.idGen(),
		DisplayName: name,
		ColorCode:   strings.ToUpper(color),
		Archetype:   kind,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	record := KeyRecord{
		UserID:              profile.ID,
		PublicKey:           keys.PublicBase64(),
		EncryptedPrivateKey: sealed.CipherText,
		PrivateKeyNonce:     sealed.Nonce,
	}

	if err := s.repo.CreateWithKeys(ctx, profile, record); err != nil {
		return CreatedUser{}, err
	}
	return CreatedUser{
		Profile:             profile,
		PublicKey:           record.PublicKey,
		EncryptedPrivateKey: record.EncryptedPrivateKey,
		PrivateKeyNonce:     record.PrivateKeyNonce,
	}, nil
}

// GetProfile reports absence with ok=false rather than an error.
func (s *Service) GetProfile(ctx context.Context, id ID) (Profile, bool, error) {
	if s.repo == nil {
		return Profile{}, false, errors.New("repository is required")
	}
	if strings.TrimSpace(string(id)) == "" {
		return Profile{}, false, ErrInvalidInput
	}
	p, err := s.repo.GetProfile(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Profile{}, false, nil
		}
		return Profile{}, false, err
	}
	return p, true, nil
}

func (s *Service) GetKeyRecord(ctx context.Context, id ID) (KeyRecord, bool, error) {
	if s.repo == nil {
		return KeyRecord{}, false, errors.New("repository is required")
	}
	if strings.TrimSpace(string(id)) == "" {
		return KeyRecord{}, false, ErrInvalidInput
	}
	k, err := s.repo.GetKeyRecord(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return KeyRecord{}, false, nil
		}
		return KeyRecord{}, false, err
	}
	return k, true, nil
}

func (s *Service) ListContacts(ctx context.Context, owner ID) ([]Contact, error) {
	if s.repo == nil {
		return nil, errors.New("repository is required")
	}
	if strings.TrimSpace(string(owner)) == "" {
		return nil, ErrInvalidInput
	}
	return s.repo.ListContacts(ctx, owner)
}
