package storage

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
)

var (
	lockSQL   = regexp.QuoteMeta(`SELECT pg_advisory_lock($1)`)
	unlockSQL = regexp.QuoteMeta(`SELECT pg_advisory_unlock($1)`)
)

func newMigratorWithMock(t *testing.T, migrationFS fstest.MapFS) (*Migrator, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("sqlmock expectations: %v", err)
		}
		_ = db.Close()
	})
	return NewMigrator(db, migrationFS), mock
}

func expectLockedPreamble(mock sqlmock.Sqlmock, applied *sqlmock.Rows) {
	mock.ExpectExec(lockSQL).WithArgs(migrationLockID).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT id, checksum FROM schema_migrations`).WillReturnRows(applied)
}

func sqlFile(body string) *fstest.MapFile {
	return &fstest.MapFile{Data: []byte(body)}
}

func TestMigratorUpRequiresDB(t *testing.T) {
	err := NewMigrator(nil, fstest.MapFS{}).Up(context.Background())
	if err == nil || !strings.Contains(err.Error(), "db is required") {
		t.Fatalf("expected db required error, got %v", err)
	}
}

func TestMigratorUpWithoutFilesTouchesNothing(t *testing.T) {
	m, _ := newMigratorWithMock(t, fstest.MapFS{})
	if err := m.Up(context.Background()); err != nil {
		t.Fatalf("Up() error = %v", err)
	}
}

func TestMigratorUpAppliesPendingUnderLock(t *testing.T) {
	already := "CREATE TABLE already_table (id INT);\n"
	fsys := fstest.MapFS{
		"migrations/0002_apply.sql":   sqlFile("CREATE TABLE demo_table (id INT);\n"),
		"migrations/0001_already.sql": sqlFile(already),
		"migrations/0003_comment.sql": sqlFile("-- comment only\n  -- still comment\n"),
	}
	m, mock := newMigratorWithMock(t, fsys)

	expectLockedPreamble(mock, sqlmock.NewRows([]string{"id", "checksum"}).
		AddRow("0001_already.sql", checksumOf([]byte(already))))

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE demo_table`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO schema_migrations`).
		WithArgs("0002_apply.sql", checksumOf(fsys["migrations/0002_apply.sql"].Data), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO schema_migrations`).
		WithArgs("0003_comment.sql", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectExec(unlockSQL).WithArgs(migrationLockID).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := m.Up(context.Background()); err != nil {
		t.Fatalf("Up() error = %v", err)
	}
}

func TestMigratorUpDetectsDrift(t *testing.T) {
	fsys := fstest.MapFS{"migrations/0001_schema.sql": sqlFile("CREATE TABLE users (id TEXT);")}
	m, mock := newMigratorWithMock(t, fsys)

	expectLockedPreamble(mock, sqlmock.NewRows([]string{"id", "checksum"}).
		AddRow("0001_schema.sql", checksumOf([]byte("CREATE TABLE users (id UUID);"))))
	mock.ExpectExec(unlockSQL).WithArgs(migrationLockID).WillReturnResult(sqlmock.NewResult(0, 0))

	err := m.Up(context.Background())
	if !errors.Is(err, ErrMigrationDrift) || !strings.Contains(err.Error(), "0001_schema.sql") {
		t.Fatalf("expected drift error naming the file, got %v", err)
	}
}

func TestMigratorUpExecErrorRollsBackAndUnlocks(t *testing.T) {
	fsys := fstest.MapFS{"migrations/0001_fail.sql": sqlFile("CREATE TABLE broken_table (id INT);")}
	m, mock := newMigratorWithMock(t, fsys)

	expectLockedPreamble(mock, sqlmock.NewRows([]string{"id", "checksum"}))
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE broken_table`).WillReturnError(errors.New("exec boom"))
	mock.ExpectRollback()
	mock.ExpectExec(unlockSQL).WithArgs(migrationLockID).WillReturnResult(sqlmock.NewResult(0, 0))

	err := m.Up(context.Background())
	if err == nil || !strings.Contains(err.Error(), "exec migration 0001_fail.sql") {
		t.Fatalf("expected exec migration error, got %v", err)
	}
}

func TestMigratorUpLockAndUnlockErrors(t *testing.T) {
	fsys := fstest.MapFS{"migrations/0001_schema.sql": sqlFile("SELECT 1;")}

	t.Run("lock", func(t *testing.T) {
		m, mock := newMigratorWithMock(t, fsys)
		mock.ExpectExec(lockSQL).WillReturnError(errors.New("lock timeout"))

		err := m.Up(context.Background())
		if err == nil || !strings.Contains(err.Error(), "lock migrations") {
			t.Fatalf("expected lock error, got %v", err)
		}
	})

	t.Run("unlock", func(t *testing.T) {
		m, mock := newMigratorWithMock(t, fsys)
		expectLockedPreamble(mock, sqlmock.NewRows([]string{"id", "checksum"}).
			AddRow("0001_schema.sql", checksumOf([]byte("SELECT 1;"))))
		mock.ExpectExec(unlockSQL).WillReturnError(errors.New("conn gone"))

		err := m.Up(context.Background())
		if err == nil || !strings.Contains(err.Error(), "unlock migrations") {
			t.Fatalf("expected unlock error, got %v", err)
		}
	})
}

func TestMigratorRecordAndCommitErrors(t *testing.T) {
	fsys := fstest.MapFS{"migrations/0001_t.sql": sqlFile("CREATE TABLE t (id INT)")}

	t.Run("record insert rolls back", func(t *testing.T) {
		m, mock := newMigratorWithMock(t, fsys)
		expectLockedPreamble(mock, sqlmock.NewRows([]string{"id", "checksum"}))
		mock.ExpectBegin()
		mock.ExpectExec(`CREATE TABLE t`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`INSERT INTO schema_migrations`).WillReturnError(errors.New("insert failed"))
		mock.ExpectRollback()
		mock.ExpectExec(unlockSQL).WillReturnResult(sqlmock.NewResult(0, 0))

		err := m.Up(context.Background())
		if err == nil || !strings.Contains(err.Error(), "record migration 0001_t.sql") {
			t.Fatalf("expected record error, got %v", err)
		}
	})

	t.Run("commit", func(t *testing.T) {
		m, mock := newMigratorWithMock(t, fsys)
		expectLockedPreamble(mock, sqlmock.NewRows([]string{"id", "checksum"}))
		mock.ExpectBegin()
		mock.ExpectExec(`CREATE TABLE t`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`INSERT INTO schema_migrations`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit().WillReturnError(errors.New("commit failed"))
		mock.ExpectExec(unlockSQL).WillReturnResult(sqlmock.NewResult(0, 0))

		err := m.Up(context.Background())
		if err == nil || !strings.Contains(err.Error(), "commit migration 0001_t.sql") {
			t.Fatalf("expected commit error, got %v", err)
		}
	})
}

func TestMigrationTableHelpersErrors(t *testing.T) {
	t.Run("create table", func(t *testing.T) {
		m, mock := newMigratorWithMock(t, fstest.MapFS{})
		mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).WillReturnError(errors.New("create failed"))
		if err := ensureMigrationTable(context.Background(), m.db); err == nil || !strings.Contains(err.Error(), "create schema_migrations") {
			t.Fatalf("expected create error, got %v", err)
		}
	})

	t.Run("query", func(t *testing.T) {
		m, mock := newMigratorWithMock(t, fstest.MapFS{})
		mock.ExpectQuery(`SELECT id, checksum FROM schema_migrations`).WillReturnError(errors.New("query failed"))
		if _, err := appliedMigrations(context.Background(), m.db); err == nil || !strings.Contains(err.Error(), "list schema_migrations") {
			t.Fatalf("expected query error, got %v", err)
		}
	})

	t.Run("scan", func(t *testing.T) {
		m, mock := newMigratorWithMock(t, fstest.MapFS{})
		mock.ExpectQuery(`SELECT id, checksum FROM schema_migrations`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("0001"))
		if _, err := appliedMigrations(context.Background(), m.db); err == nil || !strings.Contains(err.Error(), "scan schema_migrations") {
			t.Fatalf("expected scan error, got %v", err)
		}
	})
}

func TestLoadMigrationsOrderAndChecksums(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/0002_b.sql": sqlFile("SELECT 2;"),
		"migrations/0001_a.sql": sqlFile("SELECT 1;"),
		"migrations/notes.txt":  sqlFile("ignored"),
	}
	got, err := loadMigrations(fsys)
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(got) != 2 || got[0].id != "0001_a.sql" || got[1].id != "0002_b.sql" {
		t.Fatalf("unexpected order: %+v", got)
	}
	if got[0].checksum == got[1].checksum || len(got[0].checksum) != 64 {
		t.Fatalf("unexpected checksums: %q %q", got[0].checksum, got[1].checksum)
	}

	embedded, err := loadMigrations(migrationsFS)
	if err != nil || len(embedded) == 0 {
		t.Fatalf("embedded migrations: %v (%d)", err, len(embedded))
	}
}

func TestStripLineComments(t *testing.T) {
	out := stripLineComments(strings.Join([]string{
		"-- top comment",
		"CREATE TABLE x (id INT);",
		"  -- indented comment",
		"INSERT INTO x VALUES (1);",
	}, "\n"))
	if strings.Contains(out, "--") {
		t.Fatalf("expected line comments removed, got %q", out)
	}
	if !strings.Contains(out, "CREATE TABLE x") || !strings.Contains(out, "INSERT INTO x") {
		t.Fatalf("expected SQL statements preserved, got %q", out)
	}
}
