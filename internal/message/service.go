package message

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Avicted/murmur/internal/crypto"
	"github.com/Avicted/murmur/internal/securestore"
	"github.com/Avicted/murmur/internal/user"
)

var ErrInvalidInput = errors.New("invalid input")

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	maxMoodLength       = 32
)

// StoreRequest carries one message to persist. Envelope is optional and set
// when the sender already encrypted Payload for a peer.
type StoreRequest struct {
	ConversationID string
	SenderID       user.ID
	Envelope       *crypto.Envelope
	Payload        []byte
	Mood           *string
	Weight         *float64
}

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
		idGen:  func() ID { return ID(uuid.NewString()) },
		now:    time.Now,
	}
}

// Store seals the payload under the master key and persists it. The returned
// record never carries the payload itself.
func (s *Service) Store(ctx context.Context, req StoreRequest) (StoredMessage, error) {
	if s.repo == nil || s.engine == nil {
		return StoredMessage{}, errors.New("repository and crypto engine are required")
	}
	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" || strings.TrimSpace(string(req.SenderID)) == "" || len(req.Payload) == 0 {
		return StoredMessage{}, ErrInvalidInput
	}
	if req.Mood != nil && utf8.RuneCountInString(*req.Mood) > maxMoodLength {
		return StoredMessage{}, ErrInvalidInput
	}
	if req.Weight != nil && (math.IsNaN(*req.Weight) || *req.Weight < 0 || *req.Weight > 1) {
		return StoredMessage{}, ErrInvalidInput
	}
	if req.Envelope != nil && (req.Envelope.EphemeralPublicKey == "" || req.Envelope.Nonce == "" || req.Envelope.CipherText == "") {
		return StoredMessage{}, ErrInvalidInput
	}

	sealed, err := s.engine.EncryptAtRest(req.Payload)
	if err != nil {
		return StoredMessage{}, err
	}

	msg := StoredMessage{
		ID:             s.idGen(),
		ConversationID: conversationID,
		SenderID:       req.SenderID,
		Envelope:       req.Envelope,
		Nonce:          sealed.Nonce,
		CipherText:     sealed.CipherText,
		CreatedAt:      s.now().UTC(),
		Mood:           req.Mood,
		Weight:         req.Weight,
	}
	if err := s.repo.Save(ctx, msg); err != nil {
		return StoredMessage{}, err
	}
	return msg, nil
}

// ListConversation returns the newest limit messages in chronological order.
// Records are returned sealed.
func (s *Service) ListConversation(ctx context.Context, conversationID string, limit int) ([]StoredMessage, error) {
	if s.repo == nil {
		return nil, errors.New("repository is required")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, ErrInvalidInput
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.repo.ListRecent(ctx, conversationID, limit)
}

func (s *Service) MarkDelivered(ctx context.Context, id ID) error {
	if s.repo == nil {
		return errors.New("repository is required")
	}
	if strings.TrimSpace(string(id)) == "" {
		return ErrInvalidInput
	}
	return s.repo.MarkDelivered(ctx, id, s.now().UTC())
}

func (s *Service) MarkRead(ctx context.Context, id ID) error {
	if s.repo == nil {
		return errors.New("repository is required")
	}
	if strings.TrimSpace(string(id)) == "" {
		return ErrInvalidInput
	}
	return s.repo.MarkRead(ctx, id, s.now().UTC())
}

// Open decrypts the at-rest layer of a stored message for a caller that holds
// the master key. Peer envelopes are left untouched.
func (s *Service) Open(msg StoredMessage) ([]byte, error) {
	if s.engine == nil {
		return nil, errors.New("crypto engine is required")
	}
	return s.engine.DecryptAtRest(securestore.Record{Nonce: msg.Nonce, CipherText: msg.CipherText})
}
