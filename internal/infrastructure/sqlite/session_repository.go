package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/cawdev/caw/internal/domain"
	"github.com/cawdev/caw/internal/ids"
	"github.com/cawdev/caw/internal/store"
)

const sessionColumns = `id, pid, started_at, last_heartbeat, is_daemon, metadata`

// SessionRepo persists host-process session records.
type SessionRepo struct {
	store *store.Store
	clock ids.Clock
}

// NewSessionRepo creates a SessionRepo.
func NewSessionRepo(s *store.Store, clock ids.Clock) *SessionRepo {
	return &SessionRepo{store: s, clock: clock}
}

func scanSession(sc scanner) (*domain.Session, error) {
	var s domain.Session
	var isDaemon int
	var metadata *string
	err := sc.Scan(&s.ID, &s.PID, &s.StartedAt, &s.LastHeartbeat, &isDaemon, &metadata)
	if err != nil {
		return nil, err
	}
	s.IsDaemon = isDaemon != 0
	s.Metadata = decodeMap(metadata)
	return &s, nil
}

// Create registers a new session.
func (r *SessionRepo) Create(s *domain.Session) error {
	if s.ID == "" {
		s.ID = ids.New(ids.PrefixSession)
	}
	now := r.clock.NowMillis()
	if s.StartedAt == 0 {
		s.StartedAt = now
	}
	s.LastHeartbeat = now

	metadata, err := jsonMap(s.Metadata)
	if err != nil {
		return err
	}
	_, err = r.store.DB().Exec(
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.PID, s.StartedAt, s.LastHeartbeat, boolToInt(s.IsDaemon), metadata,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get retrieves a session by id.
func (r *SessionRepo) Get(id string) (*domain.Session, error) {
	row := r.store.DB().QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFound("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// List returns all sessions, oldest first.
func (r *SessionRepo) List() ([]*domain.Session, error) {
	rows, err := r.store.DB().Query(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetDaemon returns the daemon session, or NotFound if none is running.
func (r *SessionRepo) GetDaemon() (*domain.Session, error) {
	row := r.store.DB().QueryRow(`SELECT ` + sessionColumns + ` FROM sessions WHERE is_daemon = 1 LIMIT 1`)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFound("session", "daemon")
	}
	if err != nil {
		return nil, fmt.Errorf("get daemon session: %w", err)
	}
	return s, nil
}

// Heartbeat refreshes the session's liveness timestamp.
func (r *SessionRepo) Heartbeat(id string) error {
	res, err := r.store.DB().Exec(
		`UPDATE sessions SET last_heartbeat = ? WHERE id = ?`,
		r.clock.NowMillis(), id,
	)
	if err != nil {
		return fmt.Errorf("session heartbeat: %w", err)
	}
	return requireRow(res, "session", id)
}

// PromoteToDaemonIn marks the session as the daemon after demoting any
// current holder. Must run inside a transaction.
func (r *SessionRepo) PromoteToDaemonIn(q DBTX, id string) error {
	if _, err := q.Exec(`UPDATE sessions SET is_daemon = 0 WHERE is_daemon = 1`); err != nil {
		return fmt.Errorf("demote daemon: %w", err)
	}
	res, err := q.Exec(`UPDATE sessions SET is_daemon = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("promote daemon: %w", err)
	}
	return requireRow(res, "session", id)
}

// StaleIn returns sessions whose heartbeat is older than the cutoff.
func (r *SessionRepo) StaleIn(q DBTX, cutoff int64) ([]*domain.Session, error) {
	rows, err := q.Query(
		`SELECT `+sessionColumns+` FROM sessions WHERE last_heartbeat < ?`, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteIn removes sessions by id.
func (r *SessionRepo) DeleteIn(q DBTX, sessionIDs []string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	args := make([]any, len(sessionIDs))
	for i, id := range sessionIDs {
		args[i] = id
	}
	_, err := q.Exec(
		`DELETE FROM sessions WHERE id IN (`+placeholders(len(sessionIDs))+`)`, args...,
	)
	if err != nil {
		return fmt.Errorf("delete sessions: %w", err)
	}
	return nil
}

// Delete removes a single session on the shared handle.
func (r *SessionRepo) Delete(id string) error {
	return r.DeleteIn(r.store.DB(), []string{id})
}
