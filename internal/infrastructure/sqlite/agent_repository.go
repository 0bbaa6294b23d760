package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/cawdev/caw/internal/domain"
	"github.com/cawdev/caw/internal/ids"
	"github.com/cawdev/caw/internal/store"
)

const agentColumns = `id, workflow_id, name, runtime, role, status, capabilities,
	current_task_id, workspace_path, last_heartbeat, metadata, created_at, updated_at`

// AgentRepo persists agent records.
type AgentRepo struct {
	store *store.Store
	clock ids.Clock
}

// NewAgentRepo creates an AgentRepo.
func NewAgentRepo(s *store.Store, clock ids.Clock) *AgentRepo {
	return &AgentRepo{store: s, clock: clock}
}

func scanAgent(sc scanner) (*domain.Agent, error) {
	var a domain.Agent
	var capabilities, metadata *string
	err := sc.Scan(
		&a.ID, &a.WorkflowID, &a.Name, &a.Runtime, &a.Role, &a.Status, &capabilities,
		&a.CurrentTaskID, &a.WorkspacePath, &a.LastHeartbeat, &metadata, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Capabilities = decodeMap(capabilities)
	a.Metadata = decodeMap(metadata)
	return &a, nil
}

// Create inserts a new agent, defaulting role to worker and status to
// online.
func (r *AgentRepo) Create(a *domain.Agent) error {
	return r.CreateIn(r.store.DB(), a)
}

// CreateIn inserts an agent over an arbitrary handle.
func (r *AgentRepo) CreateIn(q DBTX, a *domain.Agent) error {
	if a.ID == "" {
		a.ID = ids.New(ids.PrefixAgent)
	}
	if a.Role == "" {
		a.Role = domain.RoleWorker
	}
	if a.Status == "" {
		a.Status = domain.AgentOnline
	}
	now := r.clock.NowMillis()
	a.CreatedAt, a.UpdatedAt = now, now
	if a.LastHeartbeat == nil {
		hb := now
		a.LastHeartbeat = &hb
	}

	capabilities, err := jsonMap(a.Capabilities)
	if err != nil {
		return err
	}
	metadata, err := jsonMap(a.Metadata)
	if err != nil {
		return err
	}
	_, err = q.Exec(
		`INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.WorkflowID, a.Name, a.Runtime, a.Role, a.Status, capabilities,
		a.CurrentTaskID, a.WorkspacePath, a.LastHeartbeat, metadata, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// Get retrieves an agent by id.
func (r *AgentRepo) Get(id string) (*domain.Agent, error) {
	return r.GetIn(r.store.DB(), id)
}

// GetIn retrieves an agent over an arbitrary handle.
func (r *AgentRepo) GetIn(q DBTX, id string) (*domain.Agent, error) {
	row := q.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFound("agent", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// AgentFilter narrows List results. Zero values match everything.
type AgentFilter struct {
	Role    domain.AgentRole
	Status  domain.AgentStatus
	Runtime string
}

// List returns agents matching the filter.
func (r *AgentRepo) List(filter AgentFilter) ([]*domain.Agent, error) {
	return r.ListIn(r.store.DB(), filter)
}

// ListIn is List inside an existing transaction.
func (r *AgentRepo) ListIn(q DBTX, filter AgentFilter) ([]*domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	var where []string
	if filter.Role != "" {
		where = append(where, "role = ?")
		args = append(args, string(filter.Role))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Runtime != "" {
		where = append(where, "runtime = ?")
		args = append(args, filter.Runtime)
	}
	for i, cond := range where {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY created_at"

	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetBusyIn marks the agent busy on a task.
func (r *AgentRepo) SetBusyIn(q DBTX, id, taskID string) error {
	res, err := q.Exec(
		`UPDATE agents SET status = ?, current_task_id = ?, updated_at = ? WHERE id = ?`,
		domain.AgentBusy, taskID, r.clock.NowMillis(), id,
	)
	if err != nil {
		return fmt.Errorf("set agent busy: %w", err)
	}
	return requireRow(res, "agent", id)
}

// SetOnlineIn returns the agent to the online idle state.
func (r *AgentRepo) SetOnlineIn(q DBTX, id string) error {
	res, err := q.Exec(
		`UPDATE agents SET status = ?, current_task_id = NULL, updated_at = ? WHERE id = ?`,
		domain.AgentOnline, r.clock.NowMillis(), id,
	)
	if err != nil {
		return fmt.Errorf("set agent online: %w", err)
	}
	return requireRow(res, "agent", id)
}

// SetOfflineIn marks the agent offline and clears its task.
func (r *AgentRepo) SetOfflineIn(q DBTX, id string) error {
	res, err := q.Exec(
		`UPDATE agents SET status = ?, current_task_id = NULL, updated_at = ? WHERE id = ?`,
		domain.AgentOffline, r.clock.NowMillis(), id,
	)
	if err != nil {
		return fmt.Errorf("set agent offline: %w", err)
	}
	return requireRow(res, "agent", id)
}

// Heartbeat refreshes the agent's liveness timestamp.
func (r *AgentRepo) Heartbeat(id string) error {
	now := r.clock.NowMillis()
	res, err := r.store.DB().Exec(
		`UPDATE agents SET last_heartbeat = ?, updated_at = ? WHERE id = ?`,
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("agent heartbeat: %w", err)
	}
	return requireRow(res, "agent", id)
}

// StaleIn returns agents whose heartbeat is older than the cutoff and
// that are not already offline.
func (r *AgentRepo) StaleIn(q DBTX, cutoff int64) ([]*domain.Agent, error) {
	rows, err := q.Query(
		`SELECT `+agentColumns+` FROM agents
		 WHERE status != ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)`,
		domain.AgentOffline, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
