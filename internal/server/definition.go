package server

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ox-it/apiox-core/internal/db/models"
)

// ReservedNames are path segments owned by the server itself. No API may
// use one as its ID.
var ReservedNames = map[string]struct{}{
	"api":           {},
	"authorize":     {},
	"client":        {},
	"health":        {},
	"metrics":       {},
	"token":         {},
	"token-details": {},
}

const apiDefinitionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "definitions": {
    "scopeList": {
      "oneOf": [
        {"type": "string"},
        {"type": "array", "items": {"type": "string"}, "uniqueItems": true}
      ]
    },
    "roleList": {
      "type": "array",
      "items": {"type": "string", "pattern": "^[a-z]+$"},
      "uniqueItems": true
    },
    "scope": {
      "type": "object",
      "properties": {
        "id": {"type": "string", "pattern": "^[a-z/\\-0-9]+$"},
        "title": {"type": "string"},
        "description": {"type": "string"},
        "grantedToUser": {"type": "boolean"},
        "personal": {"type": "boolean"},
        "lifetime": {"type": "integer", "minimum": 0},
        "advertise": {"type": "boolean"},
        "aliases": {
          "type": "array",
          "items": {"type": "string", "pattern": "^[!#-\\[\\]-~]+$"},
          "minItems": 1,
          "uniqueItems": true
        }
      },
      "required": ["id", "title"]
    },
    "path": {
      "type": "object",
      "properties": {
        "sourcePath": {"type": "string"},
        "targetPath": {"type": "string"},
        "allowMethods": {
          "type": "array",
          "items": {"type": "string", "pattern": "^[A-Z]+$"},
          "uniqueItems": true
        },
        "requireAuth": {"type": "boolean"},
        "requireUser": {"type": "boolean"},
        "requireRole": {"$ref": "#/definitions/roleList"},
        "requireScope": {"$ref": "#/definitions/scopeList"},
        "requireGroup": {"type": "string"},
        "available": {"type": "boolean"}
      },
      "required": ["sourcePath", "targetPath"]
    }
  },
  "type": "object",
  "properties": {
    "id": {"type": "string", "pattern": "^[a-z][a-z0-9\\-]*$"},
    "title": {"type": "string"},
    "description": {"type": "string"},
    "base": {"type": "string"},
    "requireAuth": {"type": "boolean"},
    "requireUser": {"type": "boolean"},
    "requireRole": {"$ref": "#/definitions/roleList"},
    "requireScope": {"$ref": "#/definitions/scopeList"},
    "requireGroup": {"type": "string"},
    "advertise": {"type": "boolean"},
    "available": {"type": "boolean"},
    "scopes": {"type": "array", "items": {"$ref": "#/definitions/scope"}},
    "paths": {"type": "array", "items": {"$ref": "#/definitions/path"}}
  },
  "required": ["title"]
}`

type scopeDefinition struct {
	ID            string   `mapstructure:"id"`
	Title         string   `mapstructure:"title"`
	Description   string   `mapstructure:"description"`
	GrantedToUser bool     `mapstructure:"grantedToUser"`
	Personal      bool     `mapstructure:"personal"`
	Lifetime      *int     `mapstructure:"lifetime"`
	Advertise     *bool    `mapstructure:"advertise"`
	Aliases       []string `mapstructure:"aliases"`
}

type apiDefinition struct {
	ID           string            `mapstructure:"id"`
	Title        string            `mapstructure:"title"`
	Description  string            `mapstructure:"description"`
	Base         string            `mapstructure:"base"`
	RequireAuth  *bool             `mapstructure:"requireAuth"`
	RequireUser  *bool             `mapstructure:"requireUser"`
	RequireRole  []string          `mapstructure:"requireRole"`
	RequireScope []string          `mapstructure:"requireScope"`
	RequireGroup *string           `mapstructure:"requireGroup"`
	Advertise    *bool             `mapstructure:"advertise"`
	Available    *bool             `mapstructure:"available"`
	Scopes       []scopeDefinition `mapstructure:"scopes"`
	Paths        []models.PathRule `mapstructure:"paths"`
}

// DefinitionError is a definition that failed validation.
type DefinitionError struct {
	Conflict bool
	Detail   string
}

func (e *DefinitionError) Error() string { return e.Detail }

const clientSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "title": {"type": "string"},
    "description": {"type": "string"},
    "redirectUris": {
      "type": "array",
      "items": {"type": "string", "pattern": "^https?://"},
      "uniqueItems": true
    }
  }
}`

// ClientUpdate holds the client attributes a client administrator may set.
// Nil fields are left unchanged.
type ClientUpdate struct {
	Title        *string  `mapstructure:"title"`
	Description  *string  `mapstructure:"description"`
	RedirectURIs []string `mapstructure:"redirectUris"`
}

// Apply copies the set fields onto p.
func (u *ClientUpdate) Apply(p *models.Principal) {
	if u.Title != nil {
		p.Title = *u.Title
	}
	if u.Description != nil {
		p.Description = *u.Description
	}
	if u.RedirectURIs != nil {
		p.RedirectURIs = models.StringList(u.RedirectURIs)
	}
}

// DefinitionValidator checks submitted API definitions and client bodies.
type DefinitionValidator struct {
	schema *jsonschema.Schema
	client *jsonschema.Schema
}

// NewDefinitionValidator compiles the API definition and client schemas.
func NewDefinitionValidator() (*DefinitionValidator, error) {
	schema, err := compileSchema("api-definition.json", apiDefinitionSchema)
	if err != nil {
		return nil, err
	}
	client, err := compileSchema("client.json", clientSchema)
	if err != nil {
		return nil, err
	}
	return &DefinitionValidator{schema: schema, client: client}, nil
}

func compileSchema(url, doc string) (*jsonschema.Schema, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("parse schema JSON: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.DefaultDraft(jsonschema.Draft7)
	if err := compiler.AddResource(url, parsed); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", url, err)
	}
	return schema, nil
}

// DecodeClient reads and validates a client body. An empty body is an
// empty update.
func (v *DefinitionValidator) DecodeClient(body io.Reader) (*ClientUpdate, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, &DefinitionError{Detail: fmt.Sprintf("Could not read request body: %v", err)}
	}
	update := &ClientUpdate{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return update, nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, &DefinitionError{Detail: fmt.Sprintf("Request body is not valid JSON: %v", err)}
	}
	if err := v.client.Validate(inst); err != nil {
		return nil, &DefinitionError{Detail: err.Error()}
	}
	if err := mapstructure.Decode(inst, update); err != nil {
		return nil, &DefinitionError{Detail: err.Error()}
	}
	return update, nil
}

// Decode reads, validates and converts the definition of API id from body.
func (v *DefinitionValidator) Decode(id string, body io.Reader) (*models.API, error) {
	inst, err := jsonschema.UnmarshalJSON(body)
	if err != nil {
		return nil, &DefinitionError{Detail: fmt.Sprintf("Request body is not valid JSON: %v", err)}
	}
	if err := v.schema.Validate(inst); err != nil {
		return nil, &DefinitionError{Detail: err.Error()}
	}

	var def apiDefinition
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		// requireScope may be given as a space-separated string.
		DecodeHook: mapstructure.StringToSliceHookFunc(" "),
		Result:     &def,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(inst); err != nil {
		return nil, &DefinitionError{Detail: err.Error()}
	}

	if def.ID != "" && def.ID != id {
		return nil, &DefinitionError{Conflict: true, Detail: fmt.Sprintf("Definition ID %q does not match %q.", def.ID, id)}
	}
	prefix := "/" + id + "/"
	for _, s := range def.Scopes {
		if !strings.HasPrefix(s.ID, prefix) {
			return nil, &DefinitionError{Conflict: true, Detail: fmt.Sprintf("Scope %s must start with %s.", s.ID, prefix)}
		}
	}
	for i, p := range def.Paths {
		if _, err := regexp.Compile(p.SourcePath); err != nil {
			return nil, &DefinitionError{Detail: fmt.Sprintf("paths[%d].sourcePath: %v", i, err)}
		}
	}
	return def.toModel(id), nil
}

func (d *apiDefinition) toModel(id string) *models.API {
	api := &models.API{
		ID:           id,
		Title:        d.Title,
		Description:  d.Description,
		Base:         d.Base,
		RequireAuth:  d.RequireAuth,
		RequireUser:  d.RequireUser,
		RequireRole:  models.StringList(d.RequireRole),
		RequireScope: models.StringList(compact(d.RequireScope)),
		RequireGroup: d.RequireGroup,
		Advertise:    d.Advertise == nil || *d.Advertise,
		Available:    d.Available == nil || *d.Available,
		Paths:        models.PathRules(d.Paths),
	}
	for i := range api.Paths {
		api.Paths[i].RequireScope = compact(api.Paths[i].RequireScope)
	}
	for _, s := range d.Scopes {
		apiID := id
		api.Scopes = append(api.Scopes, &models.Scope{
			ID:            s.ID,
			APIID:         &apiID,
			Title:         s.Title,
			Description:   s.Description,
			GrantedToUser: s.GrantedToUser,
			Personal:      s.Personal,
			Lifetime:      s.Lifetime,
			Advertise:     s.Advertise == nil || *s.Advertise,
			Aliases:       models.StringList(s.Aliases),
		})
	}
	return api
}

func compact(values []string) []string {
	if values == nil {
		return nil
	}
	out := values[:0:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
