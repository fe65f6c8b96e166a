package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"time"

	pebble "github.com/cockroachdb/pebble"

	"github.com/Avicted/murmur/internal/presence"
	"github.com/Avicted/murmur/internal/user"
)

const presencePrefix = "presence\x00"

// PebbleHistory is an append-only presence log on a local pebble database.
// Keys sort by user then emission time, so a reverse scan over one user's
// prefix yields newest first.
type PebbleHistory struct {
	db *pebble.DB
}

type pebbleEvent struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Status    string `json:"status"`
	EmittedAt int64  `json:"emitted_at"`
	Signature string `json:"signature,omitempty"`
}

func OpenPebbleHistory(dir string) (*PebbleHistory, error) {
	if dir == "" {
		return nil, fmt.Errorf("presence history dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create presence history dir: %w", err)
	}
	return openPebble(dir, &pebble.Options{})
}

func openPebble(dir string, opts *pebble.Options) (*PebbleHistory, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open presence history: %w", err)
	}
	return &PebbleHistory{db: db}, nil
}

func (h *PebbleHistory) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

func (h *PebbleHistory) Append(ctx context.Context, ev presence.Event) error {
	_ = ctx
	if ev.ID == "" || ev.UserID == "" || ev.EmittedAt.IsZero() {
		return fmt.Errorf("event id, user_id, and emitted_at are required")
	}
	value, err := json.Marshal(pebbleEvent{
		ID:        ev.ID,
		UserID:    string(ev.UserID),
		Status:    string(ev.Status),
		EmittedAt: ev.EmittedAt.UnixNano(),
		Signature: ev.Signature,
	})
	if err != nil {
		return fmt.Errorf("encode presence event: %w", err)
	}
	if err := h.db.Set(presenceKey(ev), value, pebble.Sync); err != nil {
		return fmt.Errorf("write presence event: %w", err)
	}
	return nil
}

func (h *PebbleHistory) List(ctx context.Context, userID user.ID, limit int) ([]presence.Event, error) {
	_ = ctx
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	lower := userPrefix(userID)
	upper := append([]byte(nil), lower...)
	upper[len(upper)-1]++

	iter, err := h.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("open presence iterator: %w", err)
	}
	defer iter.Close()

	var events []presence.Event
	for ok := iter.Last(); ok && len(events) < limit; ok = iter.Prev() {
		var stored pebbleEvent
		if err := json.Unmarshal(iter.Value(), &stored); err != nil {
			return nil, fmt.Errorf("decode presence event: %w", err)
		}
		events = append(events, stored.event())
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate presence events: %w", err)
	}
	return events, nil
}

func (e pebbleEvent) event() presence.Event {
	return presence.Event{
		ID:        e.ID,
		UserID:    user.ID(e.UserID),
		Status:    presence.Status(e.Status),
		EmittedAt: time.Unix(0, e.EmittedAt).UTC(),
		Signature: e.Signature,
	}
}

// userPrefix ends in a NUL separator so "ab" never matches "abc".
func userPrefix(userID user.ID) []byte {
	key := make([]byte, 0, len(presencePrefix)+len(userID)+1)
	key = append(key, presencePrefix...)
	key = append(key, userID...)
	return append(key, 0)
}

func presenceKey(ev presence.Event) []byte {
	key := userPrefix(ev.UserID)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(ev.EmittedAt.UnixNano()))
	key = append(key, ts[:]...)
	return append(key, ev.ID...)
}
