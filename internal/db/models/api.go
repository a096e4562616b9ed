package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/uptrace/bun"
)

// API is a registered backend reachable through the proxy at /{id}/.
//
// The Require* fields are defaults for every path rule. A nil pointer or nil
// list means "not set", letting path-level values take precedence.
type API struct {
	bun.BaseModel `bun:"table:apis,alias:a"`

	ID           string     `bun:"id,pk" json:"id"`
	Title        string     `bun:"title" json:"title"`
	Description  string     `bun:"description" json:"description,omitempty"`
	Base         string     `bun:"base" json:"base,omitempty"`
	RequireAuth  *bool      `bun:"require_auth" json:"requireAuth,omitempty"`
	RequireUser  *bool      `bun:"require_user" json:"requireUser,omitempty"`
	RequireRole  StringList `bun:"require_role,type:jsonb" json:"requireRole,omitempty"`
	RequireScope StringList `bun:"require_scope,type:jsonb" json:"requireScope,omitempty"`
	RequireGroup *string    `bun:"require_group" json:"requireGroup,omitempty"`
	Advertise    bool       `bun:"advertise,notnull" json:"advertise"`
	Available    bool       `bun:"available,notnull" json:"available"`
	Paths        PathRules  `bun:"paths,type:jsonb" json:"paths"`

	Scopes []*Scope `bun:"rel:has-many,join:id=api_id" json:"scopes"`
}

// PathRule maps a request path below the API to an upstream path.
type PathRule struct {
	SourcePath   string   `json:"sourcePath" mapstructure:"sourcePath"`
	TargetPath   string   `json:"targetPath" mapstructure:"targetPath"`
	AllowMethods []string `json:"allowMethods,omitempty" mapstructure:"allowMethods"`
	RequireAuth  *bool    `json:"requireAuth,omitempty" mapstructure:"requireAuth"`
	RequireUser  *bool    `json:"requireUser,omitempty" mapstructure:"requireUser"`
	RequireRole  []string `json:"requireRole,omitempty" mapstructure:"requireRole"`
	RequireScope []string `json:"requireScope,omitempty" mapstructure:"requireScope"`
	RequireGroup *string  `json:"requireGroup,omitempty" mapstructure:"requireGroup"`
	Available    *bool    `json:"available,omitempty" mapstructure:"available"`
}

// PathRules is the ordered rule list stored as JSON.
type PathRules []PathRule

// Scan implements sql.Scanner for reading from database
func (p *PathRules) Scan(value any) error {
	data, err := jsonBytes(value)
	if err != nil {
		return fmt.Errorf("failed to scan PathRules: %w", err)
	}
	if data == nil {
		*p = nil
		return nil
	}
	return json.Unmarshal(data, p)
}

// Value implements driver.Valuer for writing to database
func (p PathRules) Value() (driver.Value, error) {
	if p == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]PathRule(p))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
