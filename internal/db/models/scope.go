package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Scope is a registered permission. IDs are hierarchical paths such as
// /oauth2/client; scopes owned by an API live under /{api-id}/.
type Scope struct {
	bun.BaseModel `bun:"table:scopes,alias:s"`

	ID            string     `bun:"id,pk" json:"id"`
	APIID         *string    `bun:"api_id" json:"-"`
	Title         string     `bun:"title" json:"title"`
	Description   string     `bun:"description" json:"description,omitempty"`
	GrantedToUser bool       `bun:"granted_to_user,notnull" json:"grantedToUser"`
	Personal      bool       `bun:"personal,notnull" json:"personal"`
	Lifetime      *int       `bun:"lifetime" json:"lifetime,omitempty"` // seconds after grant before the scope is dropped
	Advertise     bool       `bun:"advertise,notnull" json:"advertise"`
	Aliases       StringList `bun:"aliases,type:jsonb" json:"aliases,omitempty"`
}

// LifetimeDuration returns the scope lifetime, or zero when unbounded.
func (s *Scope) LifetimeDuration() time.Duration {
	if s == nil || s.Lifetime == nil {
		return 0
	}
	return time.Duration(*s.Lifetime) * time.Second
}

// GrantKind discriminates implicit self-use grants from grants of scopes a
// client may request from users interactively.
type GrantKind string

const (
	GrantKindImplicit GrantKind = "implicit"
	GrantKindRequest  GrantKind = "request"
)

// ScopeGrant authorizes a client to use scopes, either for every account
// (TargetGroups nil) or only for accounts in one of TargetGroups.
type ScopeGrant struct {
	bun.BaseModel `bun:"table:scope_grants,alias:sg"`

	ID            string     `bun:"id,pk"`
	Kind          GrantKind  `bun:"kind,notnull"`
	ClientID      string     `bun:"client_id,notnull"`
	Scopes        StringList `bun:"scopes,type:jsonb"`
	TargetGroups  StringList `bun:"target_groups,type:jsonb"`
	GrantedAt     time.Time  `bun:"granted_at,notnull"`
	ReviewAt      *time.Time `bun:"review_at"`
	ExpireAt      *time.Time `bun:"expire_at"`
	Justification string     `bun:"justification"`
	Notes         string     `bun:"notes"`
}

// Universal reports whether the grant applies regardless of group membership.
func (g *ScopeGrant) Universal() bool {
	return g.TargetGroups == nil
}

// Active reports whether the grant is in force at now.
func (g *ScopeGrant) Active(now time.Time) bool {
	return g.ExpireAt == nil || now.Before(*g.ExpireAt)
}
