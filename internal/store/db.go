// Package store owns the embedded SQLite database: opening it with
// write-ahead journaling and foreign keys enforced, applying the numbered
// schema migrations, and serializing writers through an explicit
// transaction combinator. The handle is safe to share across concurrent
// readers; all multi-row mutations must go through Tx.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver" // registers the "sqlite3" driver
	_ "github.com/ncruces/go-sqlite3/embed"  // embeds the sqlite wasm binary

	"github.com/cawdev/caw/internal/log"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// DBFileName is the canonical database file name.
const DBFileName = "workflows.db"

// Store wraps the shared database handle. SQLite in WAL mode supports
// many concurrent readers and one writer; writeMu keeps our writers from
// ever contending on SQLITE_BUSY.
type Store struct {
	db      *sql.DB
	path    string
	writeMu sync.Mutex
}

// Open opens (creating if necessary) the database at path and brings the
// schema up to date. An existing file is copied to <path>.bak before any
// pending migration runs.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	existed := fileExists(path)

	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(10000)" +
		"&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, path: path}

	if existed {
		if err := backupFile(path); err != nil {
			log.Warn(log.CatStore, "Pre-migration backup failed", "path", path, "err", err)
		}
	}

	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Debug(log.CatStore, "Database opened", "path", path)
	return s, nil
}

// migrate applies any pending schema migrations. Applied versions are
// recorded in schema_migrations; re-open is idempotent.
func (s *Store) migrate() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migration runner: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// DB returns the shared handle for read queries. Writers must use Tx.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the on-disk path of the database file.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// backupFile copies path to path+".bak", replacing any previous backup.
func backupFile(path string) error {
	src, err := os.Open(path) //nolint:gosec // G304: path is our own db file
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(path+".bak", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = dst.Close() }()

	_, err = io.Copy(dst, src)
	return err
}

// ResolvePath returns the database location for the given mode.
// Mode "per-repo" places it under <repoPath>/.caw/; "global" under
// ~/.caw/.
func ResolvePath(dbMode, repoPath string) (string, error) {
	switch dbMode {
	case "per-repo":
		if repoPath == "" {
			var err error
			repoPath, err = os.Getwd()
			if err != nil {
				return "", fmt.Errorf("resolve repo path: %w", err)
			}
		}
		return filepath.Join(repoPath, ".caw", DBFileName), nil
	case "global", "":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, ".caw", DBFileName), nil
	default:
		return "", fmt.Errorf("unknown db mode %q", dbMode)
	}
}
