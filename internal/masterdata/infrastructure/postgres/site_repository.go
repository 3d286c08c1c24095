package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	masterdata "gridpoller/internal/masterdata/domain"
)

const defaultSitesTable = "sites"

// SiteRepository is a Postgres implementation for sites.
type SiteRepository struct {
	db    DBTX
	table string
}

// NewSiteRepository constructs a repository.
func NewSiteRepository(db DBTX, opts ...SiteOption) *SiteRepository {
	repo := &SiteRepository{db: db, table: defaultSitesTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// SiteOption configures the repository.
type SiteOption func(*SiteRepository)

// WithSiteTable overrides the default table name.
func WithSiteTable(table string) SiteOption {
	return func(repo *SiteRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// Get loads a site by id. Missing sites return (nil, nil).
func (r *SiteRepository) Get(ctx context.Context, id string) (*masterdata.Site, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("site repo: nil db")
	}
	if id == "" {
		return nil, errors.New("site repo: empty id")
	}

	query := fmt.Sprintf(`
SELECT id, name, description, created_at, updated_at
FROM %s
WHERE id = $1
LIMIT 1`, r.table)

	var site masterdata.Site
	if err := r.db.QueryRowContext(ctx, query, id).Scan(
		&site.ID,
		&site.Name,
		&site.Description,
		&site.CreatedAt,
		&site.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	site.CreatedAt = site.CreatedAt.UTC()
	site.UpdatedAt = site.UpdatedAt.UTC()
	return &site, nil
}

// List loads every site.
func (r *SiteRepository) List(ctx context.Context) ([]masterdata.Site, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("site repo: nil db")
	}

	query := fmt.Sprintf(`
SELECT id, name, description, created_at, updated_at
FROM %s
ORDER BY id ASC`, r.table)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []masterdata.Site
	for rows.Next() {
		var site masterdata.Site
		if err := rows.Scan(
			&site.ID,
			&site.Name,
			&site.Description,
			&site.CreatedAt,
			&site.UpdatedAt,
		); err != nil {
			return nil, err
		}
		site.CreatedAt = site.CreatedAt.UTC()
		site.UpdatedAt = site.UpdatedAt.UTC()
		result = append(result, site)
	}
	return result, rows.Err()
}

// Save upserts a site.
func (r *SiteRepository) Save(ctx context.Context, site *masterdata.Site) error {
	if r == nil || r.db == nil {
		return errors.New("site repo: nil db")
	}
	if site == nil {
		return errors.New("site repo: nil site")
	}
	if err := site.Validate(); err != nil {
		return err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	name,
	description
) VALUES (
	$1, $2, $3
)
ON CONFLICT (id)
DO UPDATE SET
	name = EXCLUDED.name,
	description = EXCLUDED.description,
	updated_at = NOW()`, r.table)

	if _, err := r.db.ExecContext(ctx, query, site.ID, site.Name, site.Description); err != nil {
		return err
	}
	now := time.Now().UTC()
	if site.CreatedAt.IsZero() {
		site.CreatedAt = now
	}
	site.UpdatedAt = now
	return nil
}
