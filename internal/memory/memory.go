// Package memory implements the topic-keyed learning store. Confidence
// decays exponentially with time since the last reinforcement and is
// restored on repeated observation; recall ranks by the decayed value.
package memory

import (
	"context"
	"database/sql"
	"math"
	"sort"

	"github.com/cawdev/caw/internal/domain"
	"github.com/cawdev/caw/internal/ids"
	"github.com/cawdev/caw/internal/infrastructure/sqlite"
	"github.com/cawdev/caw/internal/log"
	"github.com/cawdev/caw/internal/store"
)

const millisPerDay = 24 * 60 * 60 * 1000

// DefaultPruneThreshold is the effective-confidence floor below which
// Prune deletes rows.
const DefaultPruneThreshold = 0.1

// pruneBatchSize bounds how many rows one Prune transaction deletes.
const pruneBatchSize = 100

// Store manages memories.
type Store struct {
	store    *store.Store
	clock    ids.Clock
	memories *sqlite.MemoryRepo
}

// NewStore creates a memory Store.
func NewStore(s *store.Store, clock ids.Clock) *Store {
	return &Store{store: s, clock: clock, memories: sqlite.NewMemoryRepo(s, clock)}
}

// CreateParams are the inputs for Create.
type CreateParams struct {
	Topic        string
	Content      string
	Type         domain.MemoryType
	RepositoryID *string
	Confidence   float64
	DecayRate    float64
	Metadata     map[string]any
}

// Create stores a memory. An existing row with the same topic, content,
// and repository scope is reinforced instead of duplicated; the
// reinforced row is returned.
func (s *Store) Create(ctx context.Context, p CreateParams) (*domain.Memory, error) {
	if p.Topic == "" {
		return nil, domain.Preconditionf("memory topic is required")
	}
	if p.Content == "" {
		return nil, domain.Preconditionf("memory content is required")
	}
	if p.Type == "" {
		p.Type = domain.MemoryLearning
	}

	var result *domain.Memory
	err := s.store.Tx(ctx, func(tx *sql.Tx) error {
		existing, err := s.memories.FindDuplicateIn(tx, p.RepositoryID, p.Topic, p.Content)
		if err != nil {
			return err
		}
		if existing != nil {
			if err := s.reinforceIn(tx, existing); err != nil {
				return err
			}
			result = existing
			return nil
		}

		m := &domain.Memory{
			RepositoryID: p.RepositoryID,
			Topic:        p.Topic,
			Type:         p.Type,
			Content:      p.Content,
			Confidence:   p.Confidence,
			DecayRate:    p.DecayRate,
			Metadata:     p.Metadata,
		}
		if err := s.memories.InsertIn(tx, m); err != nil {
			return err
		}
		result = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Reinforce bumps a memory's confidence halfway toward certainty.
func (s *Store) Reinforce(ctx context.Context, memoryID string) (*domain.Memory, error) {
	var out *domain.Memory
	err := s.store.Tx(ctx, func(tx *sql.Tx) error {
		m, err := s.memories.GetIn(tx, memoryID)
		if err != nil {
			return err
		}
		if err := s.reinforceIn(tx, m); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// reinforceIn applies the reinforcement update in place:
// confidence += (1 - confidence) * 0.5.
func (s *Store) reinforceIn(tx *sql.Tx, m *domain.Memory) error {
	m.Confidence += (1 - m.Confidence) * 0.5
	m.ReinforcementCount++
	m.LastReinforcedAt = s.clock.NowMillis()
	return s.memories.ReinforceIn(tx, m.ID, m.Confidence)
}

// RecallParams narrow Recall.
type RecallParams struct {
	Topic         string
	Type          domain.MemoryType
	RepositoryID  *string
	ScopeToRepo   bool
	MinConfidence float64
	Limit         int
}

// Recalled is a memory with its decayed confidence.
type Recalled struct {
	Memory              *domain.Memory
	EffectiveConfidence float64
}

// Recall returns memories ranked by decayed confidence, highest first.
// Repository-scoped recall includes globally scoped rows. Default limit
// is 50.
func (s *Store) Recall(p RecallParams) ([]Recalled, error) {
	rows, err := s.memories.List(sqlite.MemoryFilter{
		RepositoryID: p.RepositoryID,
		ScopeToRepo:  p.ScopeToRepo,
		Topic:        p.Topic,
		Type:         p.Type,
	})
	if err != nil {
		return nil, err
	}

	now := s.clock.NowMillis()
	var out []Recalled
	for _, m := range rows {
		eff := EffectiveConfidence(m, now)
		if eff < p.MinConfidence {
			continue
		}
		out = append(out, Recalled{Memory: m, EffectiveConfidence: eff})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EffectiveConfidence > out[j].EffectiveConfidence
	})

	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// EffectiveConfidence applies exponential decay to the stored value:
// stored * exp(-decay_rate * days_since_last_reinforcement), clamped to
// [0, 1].
func EffectiveConfidence(m *domain.Memory, nowMillis int64) float64 {
	days := float64(nowMillis-m.LastReinforcedAt) / millisPerDay
	if days < 0 {
		days = 0
	}
	eff := m.Confidence * math.Exp(-m.DecayRate*days)
	if eff < 0 {
		return 0
	}
	if eff > 1 {
		return 1
	}
	return eff
}

// Prune deletes memories whose effective confidence fell below the
// threshold. Deletion is batched; returns the count removed.
func (s *Store) Prune(ctx context.Context, threshold float64) (int, error) {
	if threshold <= 0 {
		threshold = DefaultPruneThreshold
	}
	rows, err := s.memories.List(sqlite.MemoryFilter{})
	if err != nil {
		return 0, err
	}

	now := s.clock.NowMillis()
	var doomed []string
	for _, m := range rows {
		if EffectiveConfidence(m, now) < threshold {
			doomed = append(doomed, m.ID)
		}
	}

	removed := 0
	for start := 0; start < len(doomed); start += pruneBatchSize {
		end := start + pruneBatchSize
		if end > len(doomed) {
			end = len(doomed)
		}
		batch := doomed[start:end]
		err := s.store.Tx(ctx, func(tx *sql.Tx) error {
			n, err := s.memories.DeleteIn(tx, batch)
			removed += n
			return err
		})
		if err != nil {
			return removed, err
		}
	}
	if removed > 0 {
		log.Info(log.CatMemory, "memories pruned", "count", removed, "threshold", threshold)
	}
	return removed, nil
}
