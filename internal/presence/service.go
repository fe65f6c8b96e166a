package presence

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Avicted/murmur/internal/user"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	maxSignatureLength  = 1024
)

type Service struct {
	history HistoryRepository
	timeout time.Duration
	idGen   func() string
	now     func() time.Time

	mu     sync.RWMutex
	latest map[user.ID]Event
}

func NewService(history HistoryRepository, timeout time.Duration) *Service {
	return &Service{
		history: history,
		timeout: timeout,
		idGen:   uuid.NewString,
		now:     time.Now,
		latest:  make(map[user.ID]Event),
	}
}

// Record persists the heartbeat, replaces the user's in-memory entry and
// returns the active snapshot. If persistence fails the in-memory view is
// left unchanged.
func (s *Service) Record(ctx context.Context, userID user.ID, status, signature string) ([]Event, error) {
	if s.history == nil {
		return nil, errors.New("history repository is required")
	}
	if strings.TrimSpace(string(userID)) == "" {
		return nil, ErrInvalidInput
	}
	st, ok := ParseStatus(strings.ToLower(strings.TrimSpace(status)))
	if !ok {
		return nil, ErrInvalidInput
	}
	if len(signature) > maxSignatureLength {
		return nil, ErrInvalidInput
	}

	event := Event{
		ID:        s.idGen(),
		UserID:    userID,
		Status:    st,
		EmittedAt: s.now().UTC(),
		Signature: signature,
	}
	if err := s.history.Append(ctx, event); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.latest[userID] = event
	s.mu.Unlock()

	return s.Active(), nil
}

// Active returns every entry emitted within the timeout window, sorted by
// user id.
func (s *Service) Active() []Event {
	cutoff := s.now().Add(-s.timeout)

	s.mu.RLock()
	out := make([]Event, 0, len(s.latest))
	for _, ev := range s.latest {
		if !ev.EmittedAt.Before(cutoff) {
			out = append(out, ev)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s *Service) IsOnline(userID user.ID) bool {
	cutoff := s.now().Add(-s.timeout)
	s.mu.RLock()
	ev, ok := s.latest[userID]
	s.mu.RUnlock()
	return ok && ev.Status != StatusOffline && !ev.EmittedAt.Before(cutoff)
}

// Prune drops stale in-memory entries. History is untouched.
func (s *Service) Prune() int {
	cutoff := s.now().Add(-s.timeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, ev := range s.latest {
		if ev.EmittedAt.Before(cutoff) {
			delete(s.latest, id)
			removed++
		}
	}
	return removed
}

func (s *Service) History(ctx context.Context, userID user.ID, limit int) ([]Event, error) {
	if s.history == nil {
		return nil, errors.New("history repository is required")
	}
	if strings.TrimSpace(string(userID)) == "" {
		return nil, ErrInvalidInput
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.history.List(ctx, userID, limit)
}
