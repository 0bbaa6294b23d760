// Package lock implements the single-writer workflow lock bound to a
// session. The coordinator never blocks; a lost race is a structured
// result and the caller decides whether to retry.
package lock

import (
	"context"
	"database/sql"
	"errors"

	"github.com/cawdev/caw/internal/domain"
	"github.com/cawdev/caw/internal/ids"
	"github.com/cawdev/caw/internal/infrastructure/sqlite"
	"github.com/cawdev/caw/internal/log"
	"github.com/cawdev/caw/internal/store"
)

// Coordinator mediates workflow locks.
type Coordinator struct {
	store     *store.Store
	workflows *sqlite.WorkflowRepo
	sessions  *sqlite.SessionRepo
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(s *store.Store, clock ids.Clock) *Coordinator {
	return &Coordinator{
		store:     s,
		workflows: sqlite.NewWorkflowRepo(s, clock),
		sessions:  sqlite.NewSessionRepo(s, clock),
	}
}

// Result is the structured outcome of Lock.
type Result struct {
	Success  bool
	LockedBy string // holder session id when Success is false
}

// Lock attempts the compare-and-set: it succeeds when the lock is free
// or already held by sessionID (re-entrant).
func (c *Coordinator) Lock(ctx context.Context, workflowID, sessionID string) (*Result, error) {
	if _, err := c.sessions.Get(sessionID); err != nil {
		return nil, err
	}
	result := &Result{}
	err := c.store.Tx(ctx, func(tx *sql.Tx) error {
		acquired, holder, err := c.workflows.TryLockIn(tx, workflowID, sessionID)
		if err != nil {
			return err
		}
		result.Success = acquired
		if !acquired {
			result.LockedBy = holder
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Success {
		log.Debug(log.CatLock, "workflow locked", "workflow", workflowID, "session", sessionID)
	}
	return result, nil
}

// Unlock clears the lock when held by sessionID. Returns true if a lock
// was actually released.
func (c *Coordinator) Unlock(ctx context.Context, workflowID, sessionID string) (bool, error) {
	var released bool
	err := c.store.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := c.workflows.GetIn(tx, workflowID); err != nil {
			return err
		}
		var err error
		released, err = c.workflows.UnlockIn(tx, workflowID, sessionID)
		return err
	})
	if err != nil {
		return false, err
	}
	if released {
		log.Debug(log.CatLock, "workflow unlocked", "workflow", workflowID, "session", sessionID)
	}
	return released, nil
}

// Info describes a workflow's lock state joined with its session.
type Info struct {
	Locked     bool
	SessionID  *string
	LockedAt   *int64
	SessionPID *int
}

// GetLockInfo reports who holds a workflow, if anyone. A lock pointing
// at a session that no longer exists is reported as held with no pid.
func (c *Coordinator) GetLockInfo(workflowID string) (*Info, error) {
	w, err := c.workflows.Get(workflowID)
	if err != nil {
		return nil, err
	}
	info := &Info{}
	if w.LockedBySessionID == nil {
		return info, nil
	}
	info.Locked = true
	info.SessionID = w.LockedBySessionID
	info.LockedAt = w.LockedAt

	s, err := c.sessions.Get(*w.LockedBySessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return info, nil
		}
		return nil, err
	}
	pid := s.PID
	info.SessionPID = &pid
	return info, nil
}
