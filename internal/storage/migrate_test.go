package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"testing/fstest"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func setupPostgresDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	if err := testcontainers.SkipIfDockerNotAvailable(); err != nil {
		t.Skip("docker not available for testcontainers")
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "murmur",
			"POSTGRES_PASSWORD": "murmur",
			"POSTGRES_DB":       "murmur",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("postgres host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("postgres port: %v", err)
	}
	conn := fmt.Sprintf("postgres://murmur:murmur@%s:%s/murmur?sslmode=disable", host, port.Port())

	db, err := sql.Open("pgx", conn)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("open db: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		_ = container.Terminate(ctx)
		t.Fatalf("ping db: %v", err)
	}

	cleanup := func() {
		_ = db.Close()
		_ = container.Terminate(context.Background())
	}
	return db, cleanup
}

func TestMigrator_ConcurrentUpAppliesOnce(t *testing.T) {
	db, cleanup := setupPostgresDB(t)
	defer cleanup()
	ctx := context.Background()

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { errs <- NewMigrator(db, migrationsFS).Up(ctx) }()
	}
	for i := 0; i < 3; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Up() error = %v", err)
		}
	}

	all, err := loadMigrations(migrationsFS)
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count schema_migrations: %v", err)
	}
	if count != len(all) {
		t.Fatalf("recorded %d migrations, want %d", count, len(all))
	}

	var checksum string
	var appliedAt time.Time
	row := db.QueryRowContext(ctx, `SELECT checksum, applied_at FROM schema_migrations WHERE id = $1`, all[0].id)
	if err := row.Scan(&checksum, &appliedAt); err != nil {
		t.Fatalf("scan schema_migrations: %v", err)
	}
	if checksum != all[0].checksum || appliedAt.IsZero() {
		t.Fatalf("unexpected record: checksum=%q applied_at=%v", checksum, appliedAt)
	}
}

func TestMigrator_RejectsEditedMigration(t *testing.T) {
	db, cleanup := setupPostgresDB(t)
	defer cleanup()
	ctx := context.Background()

	fsys := fstest.MapFS{"migrations/0001_demo.sql": {Data: []byte("CREATE TABLE demo (id INT);")}}
	if err := NewMigrator(db, fsys).Up(ctx); err != nil {
		t.Fatalf("first Up() error = %v", err)
	}
	if err := NewMigrator(db, fsys).Up(ctx); err != nil {
		t.Fatalf("second Up() error = %v", err)
	}

	fsys["migrations/0001_demo.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE demo (id BIGINT);")}
	if err := NewMigrator(db, fsys).Up(ctx); !errors.Is(err, ErrMigrationDrift) {
		t.Fatalf("expected ErrMigrationDrift, got %v", err)
	}
}
