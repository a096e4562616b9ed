package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ox-it/apiox-core/internal/db/models"
	"github.com/uptrace/bun"
)

// BunPrincipalRepository implements PrincipalRepository using Bun ORM
type BunPrincipalRepository struct {
	db *bun.DB
}

// NewBunPrincipalRepository creates a new Bun-based principal repository
func NewBunPrincipalRepository(db *bun.DB) *BunPrincipalRepository {
	return &BunPrincipalRepository{db: db}
}

// Create inserts a new principal
func (r *BunPrincipalRepository) Create(ctx context.Context, principal *models.Principal) error {
	if principal.CreatedAt.IsZero() {
		principal.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.NewInsert().
		Model(principal).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create principal: %w", err)
	}
	return nil
}

// GetByID retrieves a principal by ID
func (r *BunPrincipalRepository) GetByID(ctx context.Context, id string) (*models.Principal, error) {
	principal := new(models.Principal)
	err := r.db.NewSelect().
		Model(principal).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("principal %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get principal: %w", err)
	}
	return principal, nil
}

// GetByName retrieves a principal by its Kerberos-style name
func (r *BunPrincipalRepository) GetByName(ctx context.Context, name string) (*models.Principal, error) {
	principal := new(models.Principal)
	err := r.db.NewSelect().
		Model(principal).
		Where("name = ?", name).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("principal %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("get principal by name: %w", err)
	}
	return principal, nil
}

// List returns every principal ordered by name
func (r *BunPrincipalRepository) List(ctx context.Context) ([]models.Principal, error) {
	var principals []models.Principal
	err := r.db.NewSelect().
		Model(&principals).
		Order("name ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list principals: %w", err)
	}
	return principals, nil
}

// ListAdministeredBy returns the principals owned by, or listing as an
// administrator, the given user. The administrators column is filtered after
// the scan since its JSON encoding differs between dialects.
func (r *BunPrincipalRepository) ListAdministeredBy(ctx context.Context, userID int64) ([]models.Principal, error) {
	var candidates []models.Principal
	err := r.db.NewSelect().
		Model(&candidates).
		WhereOr("user_id = ?", userID).
		WhereOr("administrators IS NOT NULL").
		Order("name ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list administered principals: %w", err)
	}
	principals := candidates[:0]
	for i := range candidates {
		if candidates[i].IsAdministeredBy(&userID) {
			principals = append(principals, candidates[i])
		}
	}
	return principals, nil
}

// Update persists mutable principal attributes
func (r *BunPrincipalRepository) Update(ctx context.Context, principal *models.Principal) error {
	res, err := r.db.NewUpdate().
		Model(principal).
		Column("type", "user_id", "title", "description", "redirect_uris", "allowed_grant_types", "administrators").
		WherePK().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update principal: %w", err)
	}
	return requireOneRow(res, "principal", principal.ID)
}

// SetSecretHash replaces or clears the client secret hash
func (r *BunPrincipalRepository) SetSecretHash(ctx context.Context, id string, hash *string) error {
	res, err := r.db.NewUpdate().
		Model((*models.Principal)(nil)).
		Set("secret_hash = ?", hash).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("set principal secret: %w", err)
	}
	return requireOneRow(res, "principal", id)
}

func requireOneRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
