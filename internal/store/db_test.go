package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), DBFileName)
	s, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_CreatesDirectoryAndFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", ".caw", DBFileName)
	s, err := Open(dbPath)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	info, err := os.Stat(dbPath)
	require.NoError(t, err)
	require.False(t, info.IsDir())
}

func TestOpen_RunsMigrations(t *testing.T) {
	s := openTestStore(t)

	for _, table := range []string{
		"sessions", "repositories", "workflows", "workflow_repositories",
		"workspaces", "agents", "tasks", "task_dependencies", "checkpoints",
		"messages", "memories", "templates", "schema_migrations",
	} {
		var name string
		err := s.DB().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), DBFileName)
	s1, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(dbPath)
	require.NoError(t, err, "re-open should not re-apply migrations")
	require.NoError(t, s2.Close())
}

func TestOpen_BackupBeforeMigration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), DBFileName)
	s1, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(dbPath)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	_, err = os.Stat(dbPath + ".bak")
	require.NoError(t, err, "re-open of an existing db should leave a backup")
}

func TestOpen_ForeignKeysEnforced(t *testing.T) {
	s := openTestStore(t)

	_, err := s.DB().Exec(
		`INSERT INTO tasks (id, workflow_id, name, status, sequence, created_at, updated_at)
		 VALUES ('tk_x', 'wf_missing', 'orphan', 'pending', 1, 0, 0)`)
	require.Error(t, err, "insert referencing a missing workflow must fail")
}

func TestTx_CommitAndRollback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.Tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO sessions (id, pid, started_at, last_heartbeat) VALUES ('ss_a', 1, 0, 0)`)
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.Tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO sessions (id, pid, started_at, last_heartbeat) VALUES ('ss_b', 2, 0, 0)`)
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM sessions").Scan(&count))
	require.Equal(t, 1, count, "rolled-back insert must not be visible")
}

func TestResolvePath(t *testing.T) {
	p, err := ResolvePath("per-repo", "/tmp/myrepo")
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/tmp/myrepo", ".caw", DBFileName), p)

	_, err = ResolvePath("bogus", "")
	require.Error(t, err)
}

func TestCascadeDelete_WorkflowRemovesTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO workflows (id, name, source_type, status, created_at, updated_at)
			 VALUES ('wf_a', 'w', 'prompt', 'planning', 0, 0)`); err != nil {
			return err
		}
		_, err := tx.Exec(
			`INSERT INTO tasks (id, workflow_id, name, status, sequence, created_at, updated_at)
			 VALUES ('tk_a', 'wf_a', 't', 'pending', 1, 0, 0)`)
		return err
	})
	require.NoError(t, err)

	_, err = s.DB().Exec(`DELETE FROM workflows WHERE id = 'wf_a'`)
	require.NoError(t, err)

	var count int
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM tasks").Scan(&count))
	require.Equal(t, 0, count, "deleting a workflow must cascade to its tasks")
}
