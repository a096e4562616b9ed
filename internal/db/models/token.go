package models

import (
	"sort"
	"time"

	"github.com/uptrace/bun"
)

// Token is an issued access token. Secrets are never stored; only their
// hashes. Tokens are never deleted: they stop authenticating once RefreshAt
// has passed.
//
// Mutations after creation go through the Set* methods, which record the
// changed columns so repositories can update only those.
type Token struct {
	bun.BaseModel `bun:"table:tokens,alias:t"`

	ID               string     `bun:"id,pk"`
	AccessTokenHash  string     `bun:"access_token_hash,notnull,unique"`
	RefreshTokenHash *string    `bun:"refresh_token_hash,unique"`
	ClientID         string     `bun:"client_id,notnull"`
	AccountID        string     `bun:"account_id,notnull"`
	UserID           *int64     `bun:"user_id"`
	Scopes           StringList `bun:"scopes,type:jsonb"`
	GrantedAt        time.Time  `bun:"granted_at,notnull"`
	RefreshAt        time.Time  `bun:"refresh_at,notnull"`
	ExpireAt         *time.Time `bun:"expire_at"`
	RemainingUses    *int       `bun:"remaining_uses"`
	ParentID         *string    `bun:"parent_id"`

	Client  *Principal `bun:"rel:belongs-to,join:client_id=id"`
	Account *Principal `bun:"rel:belongs-to,join:account_id=id"`

	// Ephemeral tokens are synthesized for a principal authenticating as
	// itself and are never persisted.
	Ephemeral bool `bun:"-"`

	dirty map[string]struct{}
}

// HasScope reports whether the token carries scope id.
func (t *Token) HasScope(id string) bool {
	return t != nil && t.Scopes.Contains(id)
}

// Expired reports whether the token can no longer authenticate at now.
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.RefreshAt)
}

// HardExpired reports whether the token has reached its absolute ceiling.
func (t *Token) HardExpired(now time.Time) bool {
	return t.ExpireAt != nil && !now.Before(*t.ExpireAt)
}

// SetScopes replaces the scope set. Scopes are kept sorted.
func (t *Token) SetScopes(scopes []string) {
	sorted := append(StringList{}, scopes...)
	sort.Strings(sorted)
	t.Scopes = sorted
	t.markDirty("scopes")
}

func (t *Token) SetAccessTokenHash(hash string) {
	t.AccessTokenHash = hash
	t.markDirty("access_token_hash")
}

func (t *Token) SetRefreshTokenHash(hash *string) {
	t.RefreshTokenHash = hash
	t.markDirty("refresh_token_hash")
}

func (t *Token) SetRefreshAt(at time.Time) {
	t.RefreshAt = at
	t.markDirty("refresh_at")
}

func (t *Token) SetExpireAt(at *time.Time) {
	t.ExpireAt = at
	t.markDirty("expire_at")
}

// DirtyColumns returns the columns changed since the last ClearDirty, sorted.
func (t *Token) DirtyColumns() []string {
	cols := make([]string, 0, len(t.dirty))
	for c := range t.dirty {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// ClearDirty forgets pending changes, typically after a successful save.
func (t *Token) ClearDirty() {
	t.dirty = nil
}

func (t *Token) markDirty(column string) {
	if t.dirty == nil {
		t.dirty = make(map[string]struct{})
	}
	t.dirty[column] = struct{}{}
}

// AuthorizationCode is a single-use code issued by the authorize endpoint.
type AuthorizationCode struct {
	bun.BaseModel `bun:"table:authorization_codes,alias:ac"`

	CodeHash      string     `bun:"code_hash,pk"`
	ClientID      string     `bun:"client_id,notnull"`
	AccountID     string     `bun:"account_id,notnull"`
	UserID        *int64     `bun:"user_id"`
	Scopes        StringList `bun:"scopes,type:jsonb"`
	RedirectURI   string     `bun:"redirect_uri"`
	GrantedAt     time.Time  `bun:"granted_at,notnull"`
	ExpireAt      time.Time  `bun:"expire_at,notnull"`
	TokenExpireAt *time.Time `bun:"token_expire_at"`
}

// Expired reports whether the code can no longer be redeemed at now.
func (c *AuthorizationCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpireAt)
}
