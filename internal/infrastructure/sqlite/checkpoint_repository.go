package sqlite

import (
	"fmt"

	"github.com/cawdev/caw/internal/domain"
	"github.com/cawdev/caw/internal/ids"
	"github.com/cawdev/caw/internal/store"
)

const checkpointColumns = `id, task_id, sequence, checkpoint_type, summary, detail, files_changed, created_at`

// CheckpointRepo persists the append-only task progress records.
type CheckpointRepo struct {
	store *store.Store
	clock ids.Clock
}

// NewCheckpointRepo creates a CheckpointRepo.
func NewCheckpointRepo(s *store.Store, clock ids.Clock) *CheckpointRepo {
	return &CheckpointRepo{store: s, clock: clock}
}

func scanCheckpoint(sc scanner) (*domain.Checkpoint, error) {
	var cp domain.Checkpoint
	var detail, files *string
	err := sc.Scan(&cp.ID, &cp.TaskID, &cp.Sequence, &cp.Type, &cp.Summary, &detail, &files, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}
	cp.Detail = decodeMap(detail)
	cp.FilesChanged = decodeList(files)
	return &cp, nil
}

// AppendIn appends a checkpoint, assigning the next dense per-task
// sequence. Must run inside a transaction so concurrent appenders cannot
// collide on the sequence.
func (r *CheckpointRepo) AppendIn(q DBTX, taskID string, cpType domain.CheckpointType, summary string, detail map[string]any, filesChanged []string) (*domain.Checkpoint, error) {
	var next int
	err := q.QueryRow(
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM checkpoints WHERE task_id = ?`,
		taskID,
	).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("next checkpoint sequence: %w", err)
	}

	detailBlob, err := jsonMap(detail)
	if err != nil {
		return nil, err
	}
	filesBlob, err := jsonList(filesChanged)
	if err != nil {
		return nil, err
	}

	cp := &domain.Checkpoint{
		ID:           ids.New(ids.PrefixCheckpoint),
		TaskID:       taskID,
		Sequence:     next,
		Type:         cpType,
		Summary:      summary,
		Detail:       detail,
		FilesChanged: filesChanged,
		CreatedAt:    r.clock.NowMillis(),
	}
	_, err = q.Exec(
		`INSERT INTO checkpoints (`+checkpointColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.TaskID, cp.Sequence, cp.Type, cp.Summary, detailBlob, filesBlob, cp.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert checkpoint: %w", err)
	}
	return cp, nil
}

// ListByTask returns a task's checkpoints in sequence order. A positive
// limit keeps only the most recent entries (still returned oldest first).
func (r *CheckpointRepo) ListByTask(taskID string, limit int) ([]*domain.Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE task_id = ? ORDER BY sequence`
	args := []any{taskID}
	if limit > 0 {
		query = `SELECT ` + checkpointColumns + ` FROM (
			SELECT ` + checkpointColumns + ` FROM checkpoints WHERE task_id = ?
			ORDER BY sequence DESC LIMIT ?
		) ORDER BY sequence`
		args = append(args, limit)
	}

	rows, err := r.store.DB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// CountByTask returns the number of checkpoints a task has.
func (r *CheckpointRepo) CountByTask(taskID string) (int, error) {
	var n int
	err := r.store.DB().QueryRow(
		`SELECT COUNT(*) FROM checkpoints WHERE task_id = ?`, taskID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count checkpoints: %w", err)
	}
	return n, nil
}
