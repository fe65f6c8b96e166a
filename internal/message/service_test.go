package message

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/Avicted/murmur/internal/crypto"
	"github.com/Avicted/murmur/internal/securestore"
)

type fakeRepo struct {
	messages  []StoredMessage
	limit     int
	saveErr   error
	delivered map[ID]time.Time
	read      map[ID]time.Time
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{delivered: make(map[ID]time.Time), read: make(map[ID]time.Time)}
}

func (r *fakeRepo) Save(_ context.Context, msg StoredMessage) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	r.messages = append(r.messages, msg)
	return nil
}

func (r *fakeRepo) ListRecent(_ context.Context, conversationID string, limit int) ([]StoredMessage, error) {
	r.limit = limit
	var matched []StoredMessage
	for _, m := range r.messages {
		if m.ConversationID == conversationID {
			matched = append(matched, m)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	if len(matched) > limit {
		matched = matched[:limit]
	}
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	return matched, nil
}

func (r *fakeRepo) mark(dst map[ID]time.Time, id ID, at time.Time) error {
	for _, m := range r.messages {
		if m.ID == id {
			if _, ok := dst[id]; !ok {
				dst[id] = at
			}
			return nil
		}
	}
	return ErrNotFound
}

func (r *fakeRepo) MarkDelivered(_ context.Context, id ID, at time.Time) error {
	return r.mark(r.delivered, id, at)
}

func (r *fakeRepo) MarkRead(_ context.Context, id ID, at time.Time) error {
	return r.mark(r.read, id, at)
}

func newTestEngine(t *testing.T) *crypto.Engine {
	t.Helper()
	prim, err := crypto.Init()
	if err != nil {
		t.Fatalf("crypto.Init() error = %v", err)
	}
	box, err := securestore.NewBox(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("NewBox() error = %v", err)
	}
	engine, err := crypto.NewEngine(prim, box)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return engine
}

func newTestService(t *testing.T) (*Service, *fakeRepo, *time.Time) {
	t.Helper()
	repo := newFakeRepo()
	svc := NewService(repo, newTestEngine(t))
	clock := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	seq := 0
	svc.now = func() time.Time { return clock }
	svc.idGen = func() ID {
		seq++
		return ID(fmt.Sprintf("msg-%d", seq))
	}
	return svc, repo, &clock
}

func TestStore_SealsPayload(t *testing.T) {
	svc, repo, _ := newTestService(t)
	mood := "calm"
	weight := 0.5

	msg, err := svc.Store(context.Background(), StoreRequest{
		ConversationID: "conv-1",
		SenderID:       "atlas",
		Payload:        []byte("hello"),
		Mood:           &mood,
		Weight:         &weight,
	})
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if msg.ID != "msg-1" || msg.ConversationID != "conv-1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.Nonce == "" || msg.CipherText == "" {
		t.Fatal("expected sealed payload")
	}
	if strings.Contains(msg.CipherText, "hello") {
		t.Fatal("payload leaked into cipher text")
	}
	if len(repo.messages) != 1 || repo.messages[0].CipherText != msg.CipherText {
		t.Fatal("expected message to be persisted")
	}

	plain, err := svc.Open(msg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if string(plain) != "hello" {
		t.Fatalf("Open() = %q", plain)
	}
}

func TestStore_WithPeerEnvelope(t *testing.T) {
	svc, _, _ := newTestService(t)
	engine := svc.engine

	nyx, err := engine.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair() error = %v", err)
	}
	env, err := engine.EncryptForPeer(nyx.Public, []byte("hello"))
	if err != nil {
		t.Fatalf("EncryptForPeer() error = %v", err)
	}

	msg, err := svc.Store(context.Background(), StoreRequest{
		ConversationID: "atlas-nyx",
		SenderID:       "atlas",
		Envelope:       &env,
		Payload:        []byte(env.CipherText),
	})
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	inner, err := svc.Open(msg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	stored := *msg.Envelope
	stored.CipherText = string(inner)
	plain, err := engine.DecryptFromPeer(nyx.Private, stored)
	if err != nil {
		t.Fatalf("DecryptFromPeer() error = %v", err)
	}
	if string(plain) != "hello" {
		t.Fatalf("plaintext = %q", plain)
	}
}

func TestStore_InvalidInput(t *testing.T) {
	svc, repo, _ := newTestService(t)
	long := strings.Repeat("m", 33)
	neg, over := -0.1, 1.5

	cases := map[string]StoreRequest{
		"conversation": {SenderID: "a", Payload: []byte("x")},
		"sender":       {ConversationID: "c", Payload: []byte("x")},
		"payload":      {ConversationID: "c", SenderID: "a"},
		"mood":         {ConversationID: "c", SenderID: "a", Payload: []byte("x"), Mood: &long},
		"weight low":   {ConversationID: "c", SenderID: "a", Payload: []byte("x"), Weight: &neg},
		"weight high":  {ConversationID: "c", SenderID: "a", Payload: []byte("x"), Weight: &over},
		"envelope":     {ConversationID: "c", SenderID: "a", Payload: []byte("x"), Envelope: &crypto.Envelope{Nonce: "n"}},
	}
	for name, req := range cases {
		if _, err := svc.Store(context.Background(), req); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: error = %v, want ErrInvalidInput", name, err)
		}
	}
	if len(repo.messages) != 0 {
		t.Fatal("invalid input should not reach storage")
	}
}

func TestStore_RepoError(t *testing.T) {
	svc, repo, _ := newTestService(t)
	repo.saveErr = errors.New("connection reset")
	if _, err := svc.Store(context.Background(), StoreRequest{ConversationID: "c", SenderID: "a", Payload: []byte("x")}); err == nil {
		t.Fatal("expected storage error")
	}
}

func TestListConversation_OrderAndLimit(t *testing.T) {
	svc, repo, clock := newTestService(t)
	for i := 0; i < 5; i++ {
		*clock = clock.Add(time.Second)
		if _, err := svc.Store(context.Background(), StoreRequest{ConversationID: "c", SenderID: "a", Payload: []byte{byte(i + 1)}}); err != nil {
			t.Fatalf("Store() error = %v", err)
		}
	}

	msgs, err := svc.ListConversation(context.Background(), "c", 3)
	if err != nil {
		t.Fatalf("ListConversation() error = %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	want := []ID{"msg-3", "msg-4", "msg-5"}
	for i, m := range msgs {
		if m.ID != want[i] {
			t.Fatalf("msgs[%d] = %s, want %s", i, m.ID, want[i])
		}
	}

	if _, err := svc.ListConversation(context.Background(), "c", 0); err != nil {
		t.Fatalf("ListConversation() error = %v", err)
	}
	if repo.limit != defaultHistoryLimit {
		t.Fatalf("limit = %d, want default", repo.limit)
	}
	if _, err := svc.ListConversation(context.Background(), "c", 10_000); err != nil {
		t.Fatalf("ListConversation() error = %v", err)
	}
	if repo.limit != maxHistoryLimit {
		t.Fatalf("limit = %d, want cap", repo.limit)
	}
	if _, err := svc.ListConversation(context.Background(), " ", 10); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestMarkDeliveredAndRead(t *testing.T) {
	svc, repo, clock := newTestService(t)
	msg, _ := svc.Store(context.Background(), StoreRequest{ConversationID: "c", SenderID: "a", Payload: []byte("x")})

	first := *clock
	if err := svc.MarkDelivered(context.Background(), msg.ID); err != nil {
		t.Fatalf("MarkDelivered() error = %v", err)
	}
	*clock = clock.Add(time.Minute)
	if err := svc.MarkDelivered(context.Background(), msg.ID); err != nil {
		t.Fatalf("MarkDelivered() again error = %v", err)
	}
	if !repo.delivered[msg.ID].Equal(first) {
		t.Fatalf("delivered at %v, want first write %v", repo.delivered[msg.ID], first)
	}

	if err := svc.MarkRead(context.Background(), msg.ID); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if err := svc.MarkRead(context.Background(), "unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkRead(unknown) error = %v", err)
	}
	if err := svc.MarkDelivered(context.Background(), ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("MarkDelivered(blank) error = %v", err)
	}
}
