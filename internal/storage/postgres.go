package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Avicted/murmur/internal/message"
	"github.com/Avicted/murmur/internal/presence"
	"github.com/Avicted/murmur/internal/session"
	"github.com/Avicted/murmur/internal/user"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type PostgresStore struct {
	db       *sql.DB
	users    *userRepo
	sessions *sessionRepo
	messages *messageRepo
	presence *presenceRepo
}

func NewPostgresStore(ctx context.Context, dbURL string) (*PostgresStore, error) {
	if dbURL == "" {
		return nil, fmt.Errorf("db url is required")
	}

	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return newPostgresStore(db), nil
}

func newPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:       db,
		users:    &userRepo{db: db},
		sessions: &sessionRepo{db: db},
		messages: &messageRepo{db: db},
		presence: &presenceRepo{db: db},
	}
}

func (s *PostgresStore) Close(ctx context.Context) error {
	_ = ctx
	return s.db.Close()
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	migrator := NewMigrator(s.db, migrationsFS)
	return migrator.Up(ctx)
}

// Ping backs the health endpoint.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Users() user.Repository {
	return s.users
}

func (s *PostgresStore) Sessions() session.Repository {
	return s.sessions
}

func (s *PostgresStore) Messages() message.Repository {
	return s.messages
}

func (s *PostgresStore) PresenceHistory() presence.HistoryRepository {
	return s.presence
}
