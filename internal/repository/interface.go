package repository

import (
	"context"
	"errors"

	"github.com/ox-it/apiox-core/internal/db/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyRedeemed is returned when an authorization code has already
	// been converted into a token.
	ErrAlreadyRedeemed = errors.New("authorization code already redeemed")
)

// PrincipalRepository exposes persistence operations for principals.
type PrincipalRepository interface {
	Create(ctx context.Context, principal *models.Principal) error
	GetByID(ctx context.Context, id string) (*models.Principal, error)
	GetByName(ctx context.Context, name string) (*models.Principal, error)
	List(ctx context.Context) ([]models.Principal, error)
	// ListAdministeredBy returns the principals the given user may manage.
	ListAdministeredBy(ctx context.Context, userID int64) ([]models.Principal, error)
	Update(ctx context.Context, principal *models.Principal) error
	// SetSecretHash replaces (or with nil, removes) the client secret hash.
	SetSecretHash(ctx context.Context, id string, hash *string) error
}

// ScopeRepository exposes persistence operations for scope definitions.
type ScopeRepository interface {
	List(ctx context.Context) ([]models.Scope, error)
	Upsert(ctx context.Context, scope *models.Scope) error
}

// ScopeGrantRepository exposes persistence operations for scope grants.
type ScopeGrantRepository interface {
	Create(ctx context.Context, grant *models.ScopeGrant) error
	// ListForClient returns the grants of the given kinds held by a client.
	// With no kinds every grant is returned.
	ListForClient(ctx context.Context, clientID string, kinds ...models.GrantKind) ([]models.ScopeGrant, error)
	Delete(ctx context.Context, id string) error
}

// TokenRepository exposes persistence operations for issued tokens.
type TokenRepository interface {
	Create(ctx context.Context, token *models.Token) error
	GetByID(ctx context.Context, id string) (*models.Token, error)
	GetByAccessHash(ctx context.Context, hash string) (*models.Token, error)
	GetByRefreshHash(ctx context.Context, hash string) (*models.Token, error)
	// Save writes the token's dirty columns and clears them.
	Save(ctx context.Context, token *models.Token) error
	// ConsumeUse atomically decrements remaining_uses. It returns false when
	// no uses were left.
	ConsumeUse(ctx context.Context, id string) (bool, error)
}

// AuthorizationCodeRepository exposes persistence operations for authorization codes.
type AuthorizationCodeRepository interface {
	Create(ctx context.Context, code *models.AuthorizationCode) error
	GetByHash(ctx context.Context, hash string) (*models.AuthorizationCode, error)
	// Redeem deletes the code and inserts token in one transaction. Exactly
	// one concurrent caller succeeds; the others get ErrAlreadyRedeemed.
	Redeem(ctx context.Context, hash string, token *models.Token) error
}

// APIRepository exposes persistence operations for API definitions.
type APIRepository interface {
	Get(ctx context.Context, id string) (*models.API, error)
	List(ctx context.Context) ([]models.API, error)
	// Upsert replaces the definition and its embedded scopes.
	Upsert(ctx context.Context, api *models.API) error
	Delete(ctx context.Context, id string) error
}
