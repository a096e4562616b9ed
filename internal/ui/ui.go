// Package ui renders the few HTML pages served to people rather than
// clients: the consent page and the index.
package ui

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"

	"github.com/ox-it/apiox-core/internal/db/models"
	"github.com/ox-it/apiox-core/internal/directory"
)

//go:embed templates/*.html
var templateFS embed.FS

// Page template names.
const (
	PageAuthorize      = "authorize.html"
	PageAuthorizeError = "authorize-error.html"
	PageIndex          = "index.html"
)

// AuthorizePage is the consent form shown before issuing a code.
type AuthorizePage struct {
	Client      *models.Principal
	Account     *models.Principal
	Person      *directory.Person
	Scopes      []*models.Scope
	Scope       string
	RedirectURI string
	State       string
	CSRFToken   string
}

// ErrorPage explains why an authorization request was refused.
type ErrorPage struct {
	Error string
}

// IndexPage lists the advertised APIs.
type IndexPage struct {
	BaseURL string
	APIs    []models.API
}

// Renderer executes the embedded page templates.
type Renderer struct {
	pages map[string]*template.Template
}

// NewRenderer parses every page against the shared layout.
func NewRenderer() (*Renderer, error) {
	base, err := template.ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	r := &Renderer{pages: make(map[string]*template.Template)}
	for _, name := range []string{PageAuthorize, PageAuthorizeError, PageIndex} {
		layout, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("clone layout: %w", err)
		}
		page, err := layout.ParseFS(templateFS, "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		r.pages[name] = page
	}
	return r, nil
}

// Render writes the named page with the given status. The page is rendered
// to a buffer first so a template failure never leaves a half-written body.
func (r *Renderer) Render(w http.ResponseWriter, status int, name string, data any) error {
	page, ok := r.pages[name]
	if !ok {
		return fmt.Errorf("unknown page %q", name)
	}
	var buf bytes.Buffer
	if err := page.ExecuteTemplate(&buf, "base", data); err != nil {
		return fmt.Errorf("render %s: %w", name, err)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}
