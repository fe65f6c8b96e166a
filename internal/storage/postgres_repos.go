package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Avicted/murmur/internal/crypto"
	"github.com/Avicted/murmur/internal/message"
	"github.com/Avicted/murmur/internal/presence"
	"github.com/Avicted/murmur/internal/session"
	"github.com/Avicted/murmur/internal/user"
)

type userRepo struct {
	db *sql.DB
	// afterProfileInsert runs inside the transaction between the two inserts.
	afterProfileInsert func(ctx context.Context) error
}

func (r *userRepo) CreateWithKeys(ctx context.Context, p user.Profile, k user.KeyRecord) error {
	if p.ID == "" || p.DisplayName == "" || p.CreatedAt.IsZero() {
		return fmt.Errorf("user id, display_name, and created_at are required")
	}
	if k.UserID != p.ID || k.PublicKey == "" || k.EncryptedPrivateKey == "" || k.PrivateKeyNonce == "" {
		return fmt.Errorf("key record must belong to the user and carry sealed key material")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create user: %w", err)
	}

	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = p.CreatedAt
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO users (id, display_name, color_code, archetype, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`, p.ID, p.DisplayName, p.ColorCode, p.Archetype, p.CreatedAt, updatedAt); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert user: %w", err)
	}

	if r.afterProfileInsert != nil {
		if err := r.afterProfileInsert(ctx); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO user_keys (user_id, public_key, encrypted_private_key, private_key_nonce)
		VALUES ($1, $2, $3, $4)`, k.UserID, k.PublicKey, k.EncryptedPrivateKey, k.PrivateKeyNonce); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert user keys: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create user: %w", err)
	}
	return nil
}

func (r *userRepo) GetProfile(ctx context.Context, id user.ID) (user.Profile, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, display_name, color_code, archetype, created_at, updated_at
		FROM users WHERE id = $1`, id)
	var p user.Profile
	if err := row.Scan(&p.ID, &p.DisplayName, &p.ColorCode, &p.Archetype, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return user.Profile{}, notFound(user.ErrNotFound)
		}
		return user.Profile{}, fmt.Errorf("select user: %w", err)
	}
	return p, nil
}

func (r *userRepo) GetKeyRecord(ctx context.Context, id user.ID) (user.KeyRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT user_id, public_key, encrypted_private_key, private_key_nonce
		FROM user_keys WHERE user_id = $1`, id)
	var k user.KeyRecord
	if err := row.Scan(&k.UserID, &k.PublicKey, &k.EncryptedPrivateKey, &k.PrivateKeyNonce); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return user.KeyRecord{}, notFound(user.ErrNotFound)
		}
		return user.KeyRecord{}, fmt.Errorf("select user keys: %w", err)
	}
	return k, nil
}

func (r *userRepo) ListContacts(ctx context.Context, owner user.ID) ([]user.Contact, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT u.id, u.display_name, u.color_code, u.archetype, k.public_key
		FROM users u
		JOIN user_keys k ON k.user_id = u.id
		WHERE u.id <> $1
		ORDER BY u.display_name ASC, u.id ASC`, owner)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var contacts []user.Contact
	for rows.Next() {
		var c user.Contact
		if err := rows.Scan(&c.ID, &c.DisplayName, &c.ColorCode, &c.Archetype, &c.PublicKey); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}
	return contacts, nil
}

type sessionRepo struct {
	db *sql.DB
}

func (r *sessionRepo) Create(ctx context.Context, rec session.Record) error {
	if rec.TokenHash == "" || rec.UserID == "" || rec.ExpiresAt.IsZero() {
		return fmt.Errorf("token hash, user id, and expires_at are required")
	}
	var metadata any
	if len(rec.Metadata) > 0 {
		raw, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("encode session metadata: %w", err)
		}
		metadata = string(raw)
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO sessions (token_hash, user_id, created_at, expires_at, metadata)
		VALUES ($1, $2, $3, $4, $5)`, rec.TokenHash, rec.UserID, rec.CreatedAt, rec.ExpiresAt, metadata)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *sessionRepo) Get(ctx context.Context, tokenHash string) (session.Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT token_hash, user_id, created_at, expires_at, metadata
		FROM sessions WHERE token_hash = $1`, tokenHash)
	var rec session.Record
	var metadata sql.NullString
	if err := row.Scan(&rec.TokenHash, &rec.UserID, &rec.CreatedAt, &rec.ExpiresAt, &metadata); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Record{}, notFound(session.ErrNotFound)
		}
		return session.Record{}, fmt.Errorf("select session: %w", err)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &rec.Metadata); err != nil {
			return session.Record{}, fmt.Errorf("decode session metadata: %w", err)
		}
	}
	return rec, nil
}

func (r *sessionRepo) Delete(ctx context.Context, tokenHash string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash = $1`, tokenHash); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (r *sessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired sessions rows affected: %w", err)
	}
	return n, nil
}

type messageRepo struct {
	db *sql.DB
}

func (r *messageRepo) Save(ctx context.Context, msg message.StoredMessage) error {
	if msg.ID == "" || msg.ConversationID == "" || msg.SenderID == "" || msg.CreatedAt.IsZero() {
		return fmt.Errorf("message id, conversation_id, sender_id, and created_at are required")
	}
	if msg.Nonce == "" || msg.CipherText == "" {
		return fmt.Errorf("message must be sealed before it is stored")
	}
	var envelope any
	if msg.Envelope != nil {
		raw, err := json.Marshal(msg.Envelope)
		if err != nil {
			return fmt.Errorf("encode envelope: %w", err)
		}
		envelope = string(raw)
	}
	var mood any
	if msg.Mood != nil {
		mood = *msg.Mood
	}
	var weight any
	if msg.Weight != nil {
		weight = *msg.Weight
	}

	_, err := r.db.ExecContext(ctx, `INSERT INTO messages (id, conversation_id, sender_id, envelope, nonce, cipher_text, created_at, mood, weight)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, msg.ConversationID, msg.SenderID, envelope, msg.Nonce, msg.CipherText, msg.CreatedAt, mood, weight)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *messageRepo) ListRecent(ctx context.Context, conversationID string, limit int) ([]message.StoredMessage, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id, conversation_id, sender_id, envelope, nonce, cipher_text, created_at, delivered_at, read_at, mood, weight
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []message.StoredMessage
	for rows.Next() {
		var m message.StoredMessage
		var envelope sql.NullString
		var deliveredAt, readAt sql.NullTime
		var mood sql.NullString
		var weight sql.NullFloat64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &envelope, &m.Nonce, &m.CipherText, &m.CreatedAt, &deliveredAt, &readAt, &mood, &weight); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if envelope.Valid && envelope.String != "" {
			var env crypto.Envelope
			if err := json.Unmarshal([]byte(envelope.String), &env); err != nil {
				return nil, fmt.Errorf("decode envelope: %w", err)
			}
			m.Envelope = &env
		}
		if deliveredAt.Valid {
			t := deliveredAt.Time
			m.DeliveredAt = &t
		}
		if readAt.Valid {
			t := readAt.Time
			m.ReadAt = &t
		}
		if mood.Valid {
			v := mood.String
			m.Mood = &v
		}
		if weight.Valid {
			v := weight.Float64
			m.Weight = &v
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (r *messageRepo) MarkDelivered(ctx context.Context, id message.ID, at time.Time) error {
	return r.patchTimestamp(ctx, `UPDATE messages SET delivered_at = COALESCE(delivered_at, $2) WHERE id = $1`, id, at)
}

func (r *messageRepo) MarkRead(ctx context.Context, id message.ID, at time.Time) error {
	return r.patchTimestamp(ctx, `UPDATE messages SET read_at = COALESCE(read_at, $2) WHERE id = $1`, id, at)
}

func (r *messageRepo) patchTimestamp(ctx context.Context, query string, id message.ID, at time.Time) error {
	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update message rows affected: %w", err)
	}
	if n == 0 {
		return notFound(message.ErrNotFound)
	}
	return nil
}

type presenceRepo struct {
	db *sql.DB
}

func (r *presenceRepo) Append(ctx context.Context, ev presence.Event) error {
	if ev.ID == "" || ev.UserID == "" || ev.EmittedAt.IsZero() {
		return fmt.Errorf("event id, user_id, and emitted_at are required")
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO presence_events (id, user_id, status, emitted_at, signature)
		VALUES ($1, $2, $3, $4, $5)`, ev.ID, ev.UserID, string(ev.Status), ev.EmittedAt, ev.Signature)
	if err != nil {
		return fmt.Errorf("insert presence event: %w", err)
	}
	return nil
}

func (r *presenceRepo) List(ctx context.Context, userID user.ID, limit int) ([]presence.Event, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, user_id, status, emitted_at, signature
		FROM presence_events
		WHERE user_id = $1
		ORDER BY emitted_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list presence events: %w", err)
	}
	defer rows.Close()

	var events []presence.Event
	for rows.Next() {
		var ev presence.Event
		var status string
		if err := rows.Scan(&ev.ID, &ev.UserID, &status, &ev.EmittedAt, &ev.Signature); err != nil {
			return nil, fmt.Errorf("scan presence event: %w", err)
		}
		ev.Status = presence.Status(status)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate presence events: %w", err)
	}
	return events, nil
}
