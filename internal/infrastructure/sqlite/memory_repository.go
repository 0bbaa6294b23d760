package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/cawdev/caw/internal/domain"
	"github.com/cawdev/caw/internal/ids"
	"github.com/cawdev/caw/internal/store"
)

const memoryColumns = `id, repository_id, topic, memory_type, content, confidence,
	reinforcement_count, last_reinforced_at, decay_rate, metadata, created_at, updated_at`

// MemoryRepo persists topic-keyed learning records.
type MemoryRepo struct {
	store *store.Store
	clock ids.Clock
}

// NewMemoryRepo creates a MemoryRepo.
func NewMemoryRepo(s *store.Store, clock ids.Clock) *MemoryRepo {
	return &MemoryRepo{store: s, clock: clock}
}

func scanMemory(sc scanner) (*domain.Memory, error) {
	var m domain.Memory
	var metadata *string
	err := sc.Scan(
		&m.ID, &m.RepositoryID, &m.Topic, &m.Type, &m.Content, &m.Confidence,
		&m.ReinforcementCount, &m.LastReinforcedAt, &m.DecayRate, &metadata,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Metadata = decodeMap(metadata)
	return &m, nil
}

// InsertIn writes a new memory at full confidence.
func (r *MemoryRepo) InsertIn(q DBTX, m *domain.Memory) error {
	if m.ID == "" {
		m.ID = ids.New(ids.PrefixMemory)
	}
	if m.Type == "" {
		m.Type = domain.MemoryLearning
	}
	if m.Confidence == 0 {
		m.Confidence = 1.0
	}
	if m.DecayRate == 0 {
		m.DecayRate = 0.05
	}
	now := r.clock.NowMillis()
	m.CreatedAt, m.UpdatedAt = now, now
	if m.LastReinforcedAt == 0 {
		m.LastReinforcedAt = now
	}

	metadata, err := jsonMap(m.Metadata)
	if err != nil {
		return err
	}
	_, err = q.Exec(
		`INSERT INTO memories (`+memoryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.RepositoryID, m.Topic, m.Type, m.Content, m.Confidence,
		m.ReinforcementCount, m.LastReinforcedAt, m.DecayRate, metadata,
		m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// Get retrieves a memory by id.
func (r *MemoryRepo) Get(id string) (*domain.Memory, error) {
	return r.GetIn(r.store.DB(), id)
}

// GetIn retrieves a memory over an arbitrary handle.
func (r *MemoryRepo) GetIn(q DBTX, id string) (*domain.Memory, error) {
	row := q.QueryRow(`SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFound("memory", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	return m, nil
}

// FindDuplicateIn looks for an existing memory with the same topic,
// content, and repository scope. Returns nil when none exists.
func (r *MemoryRepo) FindDuplicateIn(q DBTX, repositoryID *string, topic, content string) (*domain.Memory, error) {
	query := `SELECT ` + memoryColumns + ` FROM memories
		WHERE topic = ? AND content = ?`
	args := []any{topic, content}
	if repositoryID == nil {
		query += ` AND repository_id IS NULL`
	} else {
		query += ` AND repository_id = ?`
		args = append(args, *repositoryID)
	}
	row := q.QueryRow(query+` LIMIT 1`, args...)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find duplicate memory: %w", err)
	}
	return m, nil
}

// ReinforceIn bumps the reinforcement count and stores the new
// confidence computed by the service.
func (r *MemoryRepo) ReinforceIn(q DBTX, id string, confidence float64) error {
	now := r.clock.NowMillis()
	res, err := q.Exec(
		`UPDATE memories
		 SET confidence = ?, reinforcement_count = reinforcement_count + 1,
		     last_reinforced_at = ?, updated_at = ?
		 WHERE id = ?`,
		confidence, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("reinforce memory: %w", err)
	}
	return requireRow(res, "memory", id)
}

// MemoryFilter narrows recall queries. Zero values match everything; a
// nil RepositoryID with ScopeToRepo false means no repository filtering.
type MemoryFilter struct {
	RepositoryID *string
	ScopeToRepo  bool
	Topic        string
	Type         domain.MemoryType
}

// List returns memories matching the filter. Decay scoring and ordering
// happen in the service; rows come back most recently reinforced first.
func (r *MemoryRepo) List(filter MemoryFilter) ([]*domain.Memory, error) {
	query := `SELECT ` + memoryColumns + ` FROM memories WHERE 1 = 1`
	var args []any
	if filter.ScopeToRepo {
		if filter.RepositoryID == nil {
			query += ` AND repository_id IS NULL`
		} else {
			// Repo-scoped recall also surfaces global memories.
			query += ` AND (repository_id = ? OR repository_id IS NULL)`
			args = append(args, *filter.RepositoryID)
		}
	}
	if filter.Topic != "" {
		query += ` AND topic LIKE ?`
		args = append(args, "%"+filter.Topic+"%")
	}
	if filter.Type != "" {
		query += ` AND memory_type = ?`
		args = append(args, string(filter.Type))
	}
	query += ` ORDER BY last_reinforced_at DESC`

	rows, err := r.store.DB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteIn removes memories by id, batched by the caller.
func (r *MemoryRepo) DeleteIn(q DBTX, memoryIDs []string) (int, error) {
	if len(memoryIDs) == 0 {
		return 0, nil
	}
	args := make([]any, len(memoryIDs))
	for i, id := range memoryIDs {
		args[i] = id
	}
	res, err := q.Exec(
		`DELETE FROM memories WHERE id IN (`+placeholders(len(memoryIDs))+`)`, args...,
	)
	if err != nil {
		return 0, fmt.Errorf("delete memories: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
