package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/cawdev/caw/internal/domain"
	"github.com/cawdev/caw/internal/ids"
	"github.com/cawdev/caw/internal/store"
)

const repositoryColumns = `id, path, name, created_at, updated_at`

// RepositoryRepo persists registered source trees.
type RepositoryRepo struct {
	store *store.Store
	clock ids.Clock
}

// NewRepositoryRepo creates a RepositoryRepo.
func NewRepositoryRepo(s *store.Store, clock ids.Clock) *RepositoryRepo {
	return &RepositoryRepo{store: s, clock: clock}
}

func scanRepository(sc scanner) (*domain.Repository, error) {
	var repo domain.Repository
	err := sc.Scan(&repo.ID, &repo.Path, &repo.Name, &repo.CreatedAt, &repo.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

// EnsureIn registers a path, returning the existing record when the path
// is already known. Paths are unique.
func (r *RepositoryRepo) EnsureIn(q DBTX, path string, name *string) (*domain.Repository, error) {
	existing, err := r.getByPathIn(q, path)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	now := r.clock.NowMillis()
	repo := &domain.Repository{
		ID:        ids.New(ids.PrefixRepository),
		Path:      path,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = q.Exec(
		`INSERT INTO repositories (`+repositoryColumns+`) VALUES (?, ?, ?, ?, ?)`,
		repo.ID, repo.Path, repo.Name, repo.CreatedAt, repo.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert repository: %w", err)
	}
	return repo, nil
}

// Ensure is EnsureIn on the shared handle.
func (r *RepositoryRepo) Ensure(path string, name *string) (*domain.Repository, error) {
	return r.EnsureIn(r.store.DB(), path, name)
}

// Get retrieves a repository by id.
func (r *RepositoryRepo) Get(id string) (*domain.Repository, error) {
	row := r.store.DB().QueryRow(`SELECT `+repositoryColumns+` FROM repositories WHERE id = ?`, id)
	repo, err := scanRepository(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFound("repository", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get repository: %w", err)
	}
	return repo, nil
}

// GetByPath retrieves a repository by its on-disk path.
func (r *RepositoryRepo) GetByPath(path string) (*domain.Repository, error) {
	return r.getByPathIn(r.store.DB(), path)
}

func (r *RepositoryRepo) getByPathIn(q DBTX, path string) (*domain.Repository, error) {
	row := q.QueryRow(`SELECT `+repositoryColumns+` FROM repositories WHERE path = ?`, path)
	repo, err := scanRepository(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFound("repository", path)
	}
	if err != nil {
		return nil, fmt.Errorf("get repository by path: %w", err)
	}
	return repo, nil
}

// List returns all registered repositories ordered by path.
func (r *RepositoryRepo) List() ([]*domain.Repository, error) {
	rows, err := r.store.DB().Query(`SELECT ` + repositoryColumns + ` FROM repositories ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Repository
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		out = append(out, repo)
	}
	return out, rows.Err()
}
