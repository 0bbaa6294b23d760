package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/cawdev/caw/internal/domain"
	"github.com/cawdev/caw/internal/ids"
	"github.com/cawdev/caw/internal/store"
)

const templateColumns = `id, name, description, template, created_at, updated_at`

// TemplateRepo persists reusable named plans.
type TemplateRepo struct {
	store *store.Store
	clock ids.Clock
}

// NewTemplateRepo creates a TemplateRepo.
func NewTemplateRepo(s *store.Store, clock ids.Clock) *TemplateRepo {
	return &TemplateRepo{store: s, clock: clock}
}

func scanTemplate(sc scanner) (*domain.Template, error) {
	var t domain.Template
	err := sc.Scan(&t.ID, &t.Name, &t.Description, &t.Template, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Upsert saves a template by name, replacing the plan body when the name
// already exists.
func (r *TemplateRepo) Upsert(t *domain.Template) error {
	now := r.clock.NowMillis()
	existing, err := r.GetByName(t.Name)
	switch {
	case err == nil:
		t.ID = existing.ID
		t.CreatedAt = existing.CreatedAt
		t.UpdatedAt = now
		_, err = r.store.DB().Exec(
			`UPDATE templates SET description = ?, template = ?, updated_at = ? WHERE id = ?`,
			t.Description, t.Template, t.UpdatedAt, t.ID,
		)
		if err != nil {
			return fmt.Errorf("update template: %w", err)
		}
		return nil
	case errors.Is(err, domain.ErrNotFound):
		if t.ID == "" {
			t.ID = ids.New(ids.PrefixTemplate)
		}
		t.CreatedAt, t.UpdatedAt = now, now
		_, err = r.store.DB().Exec(
			`INSERT INTO templates (`+templateColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
			t.ID, t.Name, t.Description, t.Template, t.CreatedAt, t.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert template: %w", err)
		}
		return nil
	default:
		return err
	}
}

// Get retrieves a template by id.
func (r *TemplateRepo) Get(id string) (*domain.Template, error) {
	row := r.store.DB().QueryRow(`SELECT `+templateColumns+` FROM templates WHERE id = ?`, id)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFound("template", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	return t, nil
}

// GetByName retrieves a template by its unique name.
func (r *TemplateRepo) GetByName(name string) (*domain.Template, error) {
	row := r.store.DB().QueryRow(`SELECT `+templateColumns+` FROM templates WHERE name = ?`, name)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFound("template", name)
	}
	if err != nil {
		return nil, fmt.Errorf("get template by name: %w", err)
	}
	return t, nil
}

// List returns all templates ordered by name.
func (r *TemplateRepo) List() ([]*domain.Template, error) {
	rows, err := r.store.DB().Query(`SELECT ` + templateColumns + ` FROM templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Delete removes a template by id.
func (r *TemplateRepo) Delete(id string) error {
	res, err := r.store.DB().Exec(`DELETE FROM templates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	return requireRow(res, "template", id)
}
