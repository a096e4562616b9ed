package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ox-it/apiox-core/internal/db/models"
	"github.com/uptrace/bun"
)

// BunTokenRepository implements TokenRepository using Bun ORM
type BunTokenRepository struct {
	db *bun.DB
}

// NewBunTokenRepository creates a new Bun-based token repository
func NewBunTokenRepository(db *bun.DB) *BunTokenRepository {
	return &BunTokenRepository{db: db}
}

// Create inserts a new token
func (r *BunTokenRepository) Create(ctx context.Context, token *models.Token) error {
	if err := insertToken(ctx, r.db, token); err != nil {
		return fmt.Errorf("create token: %w", err)
	}
	return nil
}

func insertToken(ctx context.Context, db bun.IDB, token *models.Token) error {
	if _, err := db.NewInsert().Model(token).Exec(ctx); err != nil {
		return err
	}
	token.ClearDirty()
	return nil
}

// GetByID retrieves a token by ID, with client and account loaded
func (r *BunTokenRepository) GetByID(ctx context.Context, id string) (*models.Token, error) {
	return r.getBy(ctx, "t.id = ?", id)
}

// GetByAccessHash retrieves a token by the hash of its access secret.
// This is the lookup used by bearer authentication.
func (r *BunTokenRepository) GetByAccessHash(ctx context.Context, hash string) (*models.Token, error) {
	return r.getBy(ctx, "t.access_token_hash = ?", hash)
}

// GetByRefreshHash retrieves a token by the hash of its refresh secret
func (r *BunTokenRepository) GetByRefreshHash(ctx context.Context, hash string) (*models.Token, error) {
	return r.getBy(ctx, "t.refresh_token_hash = ?", hash)
}

func (r *BunTokenRepository) getBy(ctx context.Context, where string, arg any) (*models.Token, error) {
	token := new(models.Token)
	err := r.db.NewSelect().
		Model(token).
		Relation("Client").
		Relation("Account").
		Where(where, arg).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("token: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("get token: %w", err)
	}
	return token, nil
}

// Save writes only the columns changed through the token's setters
func (r *BunTokenRepository) Save(ctx context.Context, token *models.Token) error {
	cols := token.DirtyColumns()
	if len(cols) == 0 {
		return nil
	}
	res, err := r.db.NewUpdate().
		Model(token).
		Column(cols...).
		WherePK().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	if err := requireOneRow(res, "token", token.ID); err != nil {
		return err
	}
	token.ClearDirty()
	return nil
}

// ConsumeUse atomically decrements remaining_uses, reporting whether a use was available
func (r *BunTokenRepository) ConsumeUse(ctx context.Context, id string) (bool, error) {
	res, err := r.db.NewUpdate().
		Model((*models.Token)(nil)).
		Set("remaining_uses = remaining_uses - 1").
		Where("id = ?", id).
		Where("remaining_uses > 0").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("consume token use: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// BunAuthorizationCodeRepository implements AuthorizationCodeRepository using Bun ORM
type BunAuthorizationCodeRepository struct {
	db *bun.DB
}

// NewBunAuthorizationCodeRepository creates a new Bun-based authorization code repository
func NewBunAuthorizationCodeRepository(db *bun.DB) *BunAuthorizationCodeRepository {
	return &BunAuthorizationCodeRepository{db: db}
}

// Create inserts a new authorization code
func (r *BunAuthorizationCodeRepository) Create(ctx context.Context, code *models.AuthorizationCode) error {
	_, err := r.db.NewInsert().
		Model(code).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create authorization code: %w", err)
	}
	return nil
}

// GetByHash retrieves an authorization code by the hash of its secret
func (r *BunAuthorizationCodeRepository) GetByHash(ctx context.Context, hash string) (*models.AuthorizationCode, error) {
	code := new(models.AuthorizationCode)
	err := r.db.NewSelect().
		Model(code).
		Where("code_hash = ?", hash).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("authorization code: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("get authorization code: %w", err)
	}
	return code, nil
}

// Redeem consumes the code and stores the token it converts into
func (r *BunAuthorizationCodeRepository) Redeem(ctx context.Context, hash string, token *models.Token) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().
			Model((*models.AuthorizationCode)(nil)).
			Where("code_hash = ?", hash).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("delete authorization code: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n != 1 {
			return ErrAlreadyRedeemed
		}
		if err := insertToken(ctx, tx, token); err != nil {
			return fmt.Errorf("create token from code: %w", err)
		}
		return nil
	})
}
