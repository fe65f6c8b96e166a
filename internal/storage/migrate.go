package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

const (
	migrationGlob = "migrations/*.sql"

	// migrationLockID is the pg_advisory_lock key shared by every murmur
	// instance pointed at the same database.
	migrationLockID int64 = 0x6d75726d7572
)

// ErrMigrationDrift means a migration recorded as applied no longer matches
// the file shipped in the binary.
var ErrMigrationDrift = errors.New("applied migration changed")

type migration struct {
	id       string
	body     string
	checksum string
}

// execQueryer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type execQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Migrator applies embedded SQL files in lexical order. Each file runs in its
// own transaction and is recorded with a checksum of its contents.
type Migrator struct {
	db  *sql.DB
	fs  fs.FS
	now func() time.Time
}

func NewMigrator(db *sql.DB, migrations fs.FS) *Migrator {
	return &Migrator{db: db, fs: migrations, now: time.Now}
}

// Up applies every pending migration while holding a session advisory lock,
// so concurrent server starts apply each file once.
func (m *Migrator) Up(ctx context.Context) (err error) {
	if m.db == nil {
		return errors.New("db is required")
	}

	all, err := loadMigrations(m.fs)
	if err != nil {
		return err
	}
	if len(all) == 0 {
		return nil
	}

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	defer func() {
		_, unlockErr := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockID)
		if unlockErr != nil && err == nil {
			err = fmt.Errorf("unlock migrations: %w", unlockErr)
		}
	}()

	if err := ensureMigrationTable(ctx, conn); err != nil {
		return err
	}
	applied, err := appliedMigrations(ctx, conn)
	if err != nil {
		return err
	}

	for _, mig := range all {
		if sum, ok := applied[mig.id]; ok {
			if sum != mig.checksum {
				return fmt.Errorf("%w: %s", ErrMigrationDrift, mig.id)
			}
			continue
		}
		if err := m.apply(ctx, conn, mig); err != nil {
			return err
		}
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, conn *sql.Conn, mig migration) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", mig.id, err)
	}

	// Comment-only files are recorded without running anything.
	if strings.TrimSpace(stripLineComments(mig.body)) != "" {
		if _, err := tx.ExecContext(ctx, mig.body); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", mig.id, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (id, checksum, applied_at) VALUES ($1, $2, $3)`,
		mig.id, mig.checksum, m.now().UTC(),
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", mig.id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", mig.id, err)
	}
	return nil
}

func loadMigrations(fsys fs.FS) ([]migration, error) {
	files, err := fs.Glob(fsys, migrationGlob)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)

	out := make([]migration, 0, len(files))
	for _, file := range files {
		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", file, err)
		}
		out = append(out, migration{
			id:       path.Base(file),
			body:     string(content),
			checksum: checksumOf(content),
		})
	}
	return out, nil
}

func checksumOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func ensureMigrationTable(ctx context.Context, q execQueryer) error {
	_, err := q.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		id TEXT PRIMARY KEY,
		checksum TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

func appliedMigrations(ctx context.Context, q execQueryer) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var id, checksum string
		if err := rows.Scan(&id, &checksum); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[id] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}
	return applied, nil
}

func stripLineComments(sqlText string) string {
	lines := strings.Split(sqlText, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
