package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/ox-it/apiox-core/internal/db/bunx"
	"github.com/ox-it/apiox-core/internal/db/models"
	"github.com/uptrace/bun"
)

// BunScopeRepository implements ScopeRepository using Bun ORM
type BunScopeRepository struct {
	db *bun.DB
}

// NewBunScopeRepository creates a new Bun-based scope repository
func NewBunScopeRepository(db *bun.DB) *BunScopeRepository {
	return &BunScopeRepository{db: db}
}

// List returns every scope ordered by ID
func (r *BunScopeRepository) List(ctx context.Context) ([]models.Scope, error) {
	var scopes []models.Scope
	err := r.db.NewSelect().
		Model(&scopes).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	return scopes, nil
}

// Upsert inserts or replaces a scope definition
func (r *BunScopeRepository) Upsert(ctx context.Context, scope *models.Scope) error {
	_, err := r.db.NewInsert().
		Model(scope).
		On("CONFLICT (id) DO UPDATE").
		Set("api_id = EXCLUDED.api_id").
		Set("title = EXCLUDED.title").
		Set("description = EXCLUDED.description").
		Set("granted_to_user = EXCLUDED.granted_to_user").
		Set("personal = EXCLUDED.personal").
		Set("lifetime = EXCLUDED.lifetime").
		Set("advertise = EXCLUDED.advertise").
		Set("aliases = EXCLUDED.aliases").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert scope %s: %w", scope.ID, err)
	}
	return nil
}

// BunScopeGrantRepository implements ScopeGrantRepository using Bun ORM
type BunScopeGrantRepository struct {
	db *bun.DB
}

// NewBunScopeGrantRepository creates a new Bun-based scope grant repository
func NewBunScopeGrantRepository(db *bun.DB) *BunScopeGrantRepository {
	return &BunScopeGrantRepository{db: db}
}

// Create inserts a grant, assigning an ID and grant time when unset
func (r *BunScopeGrantRepository) Create(ctx context.Context, grant *models.ScopeGrant) error {
	if grant.ID == "" {
		grant.ID = bunx.NewUUIDv7()
	}
	if grant.GrantedAt.IsZero() {
		grant.GrantedAt = time.Now().UTC()
	}
	if grant.Kind == "" {
		grant.Kind = models.GrantKindImplicit
	}
	_, err := r.db.NewInsert().
		Model(grant).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create scope grant: %w", err)
	}
	return nil
}

// ListForClient returns the grants of the given kinds held by a client
func (r *BunScopeGrantRepository) ListForClient(ctx context.Context, clientID string, kinds ...models.GrantKind) ([]models.ScopeGrant, error) {
	var grants []models.ScopeGrant
	q := r.db.NewSelect().
		Model(&grants).
		Where("client_id = ?", clientID).
		Order("granted_at ASC")
	if len(kinds) > 0 {
		q = q.Where("kind IN (?)", bun.In(kinds))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list scope grants: %w", err)
	}
	return grants, nil
}

// Delete removes a grant
func (r *BunScopeGrantRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.NewDelete().
		Model((*models.ScopeGrant)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete scope grant: %w", err)
	}
	return requireOneRow(res, "scope grant", id)
}
