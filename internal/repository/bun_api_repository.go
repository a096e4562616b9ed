package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ox-it/apiox-core/internal/db/models"
	"github.com/uptrace/bun"
)

// BunAPIRepository implements APIRepository using Bun ORM
type BunAPIRepository struct {
	db *bun.DB
}

// NewBunAPIRepository creates a new Bun-based API definition repository
func NewBunAPIRepository(db *bun.DB) *BunAPIRepository {
	return &BunAPIRepository{db: db}
}

// Get retrieves an API definition with its scopes
func (r *BunAPIRepository) Get(ctx context.Context, id string) (*models.API, error) {
	api := new(models.API)
	err := r.db.NewSelect().
		Model(api).
		Relation("Scopes", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Order("s.id ASC")
		}).
		Where("a.id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("api %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get api: %w", err)
	}
	return api, nil
}

// List returns every API definition ordered by ID
func (r *BunAPIRepository) List(ctx context.Context) ([]models.API, error) {
	var apis []models.API
	err := r.db.NewSelect().
		Model(&apis).
		Relation("Scopes", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Order("s.id ASC")
		}).
		Order("a.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list apis: %w", err)
	}
	return apis, nil
}

// Upsert replaces the API definition and its scopes in one transaction
func (r *BunAPIRepository) Upsert(ctx context.Context, api *models.API) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewDelete().
			Model((*models.Scope)(nil)).
			Where("api_id = ?", api.ID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("delete api scopes: %w", err)
		}

		_, err = tx.NewInsert().
			Model(api).
			On("CONFLICT (id) DO UPDATE").
			Set("title = EXCLUDED.title").
			Set("description = EXCLUDED.description").
			Set("base = EXCLUDED.base").
			Set("require_auth = EXCLUDED.require_auth").
			Set("require_user = EXCLUDED.require_user").
			Set("require_role = EXCLUDED.require_role").
			Set("require_scope = EXCLUDED.require_scope").
			Set("require_group = EXCLUDED.require_group").
			Set("advertise = EXCLUDED.advertise").
			Set("available = EXCLUDED.available").
			Set("paths = EXCLUDED.paths").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("upsert api: %w", err)
		}

		if len(api.Scopes) == 0 {
			return nil
		}
		for _, s := range api.Scopes {
			id := api.ID
			s.APIID = &id
		}
		_, err = tx.NewInsert().
			Model(&api.Scopes).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("insert api scopes: %w", err)
		}
		return nil
	})
}

// Delete removes an API definition; its scopes go with it
func (r *BunAPIRepository) Delete(ctx context.Context, id string) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewDelete().
			Model((*models.Scope)(nil)).
			Where("api_id = ?", id).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("delete api scopes: %w", err)
		}
		res, err := tx.NewDelete().
			Model((*models.API)(nil)).
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("delete api: %w", err)
		}
		return requireOneRow(res, "api", id)
	})
}
