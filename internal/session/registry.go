// Package session tracks instances of the host process: registration,
// heartbeats, daemon election, and the stale-actor reaper that recovers
// locks and task claims abandoned by dead sessions and agents.
package session

import (
	"context"
	"database/sql"

	"github.com/cawdev/caw/internal/domain"
	"github.com/cawdev/caw/internal/ids"
	"github.com/cawdev/caw/internal/infrastructure/sqlite"
	"github.com/cawdev/caw/internal/log"
	"github.com/cawdev/caw/internal/store"
)

// Registry manages sessions and runs the reaper.
type Registry struct {
	store     *store.Store
	clock     ids.Clock
	sessions  *sqlite.SessionRepo
	workflows *sqlite.WorkflowRepo
	tasks     *sqlite.TaskRepo
	agents    *sqlite.AgentRepo
}

// NewRegistry creates a Registry.
func NewRegistry(s *store.Store, clock ids.Clock) *Registry {
	return &Registry{
		store:     s,
		clock:     clock,
		sessions:  sqlite.NewSessionRepo(s, clock),
		workflows: sqlite.NewWorkflowRepo(s, clock),
		tasks:     sqlite.NewTaskRepo(s, clock),
		agents:    sqlite.NewAgentRepo(s, clock),
	}
}

// RegisterParams are the inputs for Register.
type RegisterParams struct {
	PID      int
	IsDaemon bool
	Metadata map[string]any
}

// Register creates a session row for this process. Daemon registration
// demotes any prior daemon.
func (r *Registry) Register(ctx context.Context, p RegisterParams) (*domain.Session, error) {
	s := &domain.Session{PID: p.PID, Metadata: p.Metadata}
	if err := r.sessions.Create(s); err != nil {
		return nil, err
	}
	if p.IsDaemon {
		if err := r.PromoteToDaemon(ctx, s.ID); err != nil {
			return nil, err
		}
		s.IsDaemon = true
	}
	log.Info(log.CatSession, "session registered", "id", s.ID, "pid", s.PID, "daemon", s.IsDaemon)
	return s, nil
}

// Heartbeat refreshes the session's liveness timestamp.
func (r *Registry) Heartbeat(sessionID string) error {
	return r.sessions.Heartbeat(sessionID)
}

// Deregister removes the session, releasing any workflow locks it holds.
func (r *Registry) Deregister(ctx context.Context, sessionID string) error {
	err := r.store.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := r.workflows.ReleaseLocksHeldByIn(tx, []string{sessionID}); err != nil {
			return err
		}
		return r.sessions.DeleteIn(tx, []string{sessionID})
	})
	if err != nil {
		return err
	}
	log.Info(log.CatSession, "session deregistered", "id", sessionID)
	return nil
}

// List returns every session.
func (r *Registry) List() ([]*domain.Session, error) {
	return r.sessions.List()
}

// Get returns one session.
func (r *Registry) Get(sessionID string) (*domain.Session, error) {
	return r.sessions.Get(sessionID)
}

// GetDaemon returns the current daemon session.
func (r *Registry) GetDaemon() (*domain.Session, error) {
	return r.sessions.GetDaemon()
}

// PromoteToDaemon makes the session the daemon, demoting any holder.
func (r *Registry) PromoteToDaemon(ctx context.Context, sessionID string) error {
	return r.store.Tx(ctx, func(tx *sql.Tx) error {
		return r.sessions.PromoteToDaemonIn(tx, sessionID)
	})
}

// ReapReport summarizes one CleanupStale pass.
type ReapReport struct {
	SessionsRemoved int
	LocksReleased   int
	AgentsOfflined  int
	ClaimsReleased  int
}

// CleanupStale is the stale-actor reaper. In one transaction it removes
// sessions whose heartbeat is older than timeoutMillis, releases the
// workflow locks they held, marks equally stale agents offline, and
// clears those agents' task claims, resetting in-flight tasks to
// pending so they can be re-dispatched.
func (r *Registry) CleanupStale(ctx context.Context, timeoutMillis int64) (*ReapReport, error) {
	cutoff := r.clock.NowMillis() - timeoutMillis
	report := &ReapReport{}

	err := r.store.Tx(ctx, func(tx *sql.Tx) error {
		stale, err := r.sessions.StaleIn(tx, cutoff)
		if err != nil {
			return err
		}
		if len(stale) > 0 {
			sessionIDs := make([]string, len(stale))
			for i, s := range stale {
				sessionIDs[i] = s.ID
			}
			released, err := r.workflows.ReleaseLocksHeldByIn(tx, sessionIDs)
			if err != nil {
				return err
			}
			report.LocksReleased = released
			if err := r.sessions.DeleteIn(tx, sessionIDs); err != nil {
				return err
			}
			report.SessionsRemoved = len(sessionIDs)
		}

		staleAgents, err := r.agents.StaleIn(tx, cutoff)
		if err != nil {
			return err
		}
		for _, a := range staleAgents {
			claims, err := r.tasks.ReleaseClaimsOfIn(tx, a.ID)
			if err != nil {
				return err
			}
			report.ClaimsReleased += claims
			if err := r.agents.SetOfflineIn(tx, a.ID); err != nil {
				return err
			}
			report.AgentsOfflined++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if report.SessionsRemoved > 0 || report.AgentsOfflined > 0 {
		log.Info(log.CatSession, "reaper pass",
			"sessions_removed", report.SessionsRemoved,
			"locks_released", report.LocksReleased,
			"agents_offlined", report.AgentsOfflined,
			"claims_released", report.ClaimsReleased)
	}
	return report, nil
}
