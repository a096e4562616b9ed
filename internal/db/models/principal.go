package models

import (
	"time"

	"github.com/uptrace/bun"
)

// PrincipalType classifies a principal. Person types carry a user ID.
type PrincipalType string

const (
	PrincipalTypeUser    PrincipalType = "user"
	PrincipalTypeProject PrincipalType = "project"
	PrincipalTypeSociety PrincipalType = "society"
	PrincipalTypeService PrincipalType = "service"
	PrincipalTypeITSS    PrincipalType = "itss"
	PrincipalTypeRoot    PrincipalType = "root"
	PrincipalTypeAdmin   PrincipalType = "admin"
)

// IsPerson reports whether the type belongs to an individual human.
func (t PrincipalType) IsPerson() bool {
	switch t {
	case PrincipalTypeUser, PrincipalTypeITSS, PrincipalTypeRoot, PrincipalTypeAdmin:
		return true
	}
	return false
}

// Valid reports whether t is a known principal type.
func (t PrincipalType) Valid() bool {
	switch t {
	case PrincipalTypeUser, PrincipalTypeProject, PrincipalTypeSociety, PrincipalTypeService,
		PrincipalTypeITSS, PrincipalTypeRoot, PrincipalTypeAdmin:
		return true
	}
	return false
}

// Label is the human-readable name shown on consent pages.
func (t PrincipalType) Label() string {
	switch t {
	case PrincipalTypeProject:
		return "project account"
	case PrincipalTypeSociety:
		return "club or society"
	case PrincipalTypeService:
		return "service principal"
	case PrincipalTypeITSS:
		return "ITSS"
	case PrincipalTypeRoot:
		return "root user"
	case PrincipalTypeAdmin:
		return "admin user"
	default:
		return string(t)
	}
}

// OAuth2 grant types a client may be allowed to use
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
)

// Principal is anything that can authenticate: a person, a project account,
// a society or a service. Principals double as OAuth2 clients.
type Principal struct {
	bun.BaseModel `bun:"table:principals,alias:p"`

	ID                string        `bun:"id,pk"`
	Name              string        `bun:"name,notnull,unique"` // local[/instance]@REALM
	Type              PrincipalType `bun:"type,notnull"`
	UserID            *int64        `bun:"user_id"` // set only for person types
	SecretHash        *string       `bun:"secret_hash"`
	Title             string        `bun:"title"`
	Description       string        `bun:"description"`
	RedirectURIs      StringList    `bun:"redirect_uris,type:jsonb"`
	AllowedGrantTypes StringList    `bun:"allowed_grant_types,type:jsonb"`
	Administrators    Int64List     `bun:"administrators,type:jsonb"` // user IDs allowed to manage this client
	CreatedAt         time.Time     `bun:"created_at,notnull"`
}

// IsPerson reports whether the principal is an individual human.
func (p *Principal) IsPerson() bool {
	return p != nil && p.Type.IsPerson()
}

// AllowsGrantType reports whether the client may use the OAuth2 grant type.
func (p *Principal) AllowsGrantType(grantType string) bool {
	return p != nil && p.AllowedGrantTypes.Contains(grantType)
}

// AllowsRedirectURI reports whether uri is registered for the client.
func (p *Principal) AllowsRedirectURI(uri string) bool {
	return p != nil && p.RedirectURIs.Contains(uri)
}

// IsAdministeredBy reports whether the given user may manage the principal.
func (p *Principal) IsAdministeredBy(userID *int64) bool {
	if p == nil || userID == nil {
		return false
	}
	if p.UserID != nil && *p.UserID == *userID {
		return true
	}
	return p.Administrators.Contains(*userID)
}
