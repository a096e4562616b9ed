package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ox-it/apiox-core/internal/apierror"
	"github.com/ox-it/apiox-core/internal/auth"
	"github.com/ox-it/apiox-core/internal/db/models"
	"github.com/ox-it/apiox-core/internal/middleware"
	"github.com/ox-it/apiox-core/internal/repository"
	"github.com/ox-it/apiox-core/internal/services/authn"
	"github.com/ox-it/apiox-core/internal/services/oauth2"
	"github.com/ox-it/apiox-core/internal/services/scope"
	"github.com/ox-it/apiox-core/internal/ui"
)

type handlers struct {
	grants      *oauth2.Grants
	negotiator  *authn.Negotiator
	principals  repository.PrincipalRepository
	apis        repository.APIRepository
	catalog     *scope.Catalog
	renderer    *ui.Renderer
	validator   *DefinitionValidator
	people      PersonDirectory
	baseURL     string
	clientRealm string
	version     string
	health      func(ctx context.Context) error
	logger      *zap.Logger
	writeErr    middleware.ErrorWriter
}

type link struct {
	Href  string `json:"href"`
	Title string `json:"title,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Debug("write response body", zap.Error(err))
	}
}

func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

func (h *handlers) url(path string) string {
	return h.baseURL + path
}

// require authenticates the request against req and returns its token.
func (h *handlers) require(r *http.Request, req authn.Requirement) (*models.Token, error) {
	req.Auth = true
	if err := h.negotiator.Check(r, req); err != nil {
		return nil, err
	}
	tok, _ := auth.GetToken(r.Context())
	return tok, nil
}

// POST /token
func (h *handlers) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeErr(w, r, apierror.InvalidRequest("Malformed request body."))
		return
	}
	caller, _ := auth.GetToken(r.Context())
	resp, err := h.grants.Handle(r.Context(), caller, r.PostForm)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	noStore(w)
	writeJSON(w, http.StatusOK, resp)
}

type tokenDetails struct {
	Scopes   []string             `json:"scopes"`
	Embedded tokenDetailsEmbedded `json:"_embedded"`
	Links    map[string]link      `json:"_links"`
}

type tokenDetailsEmbedded struct {
	Account accountDetails `json:"account"`
	Client  clientSummary  `json:"client"`
}

type accountDetails struct {
	ID        string `json:"id"`
	Principal string `json:"principal"`
	Type      string `json:"type"`
	UserID    *int64 `json:"userId,omitempty"`
}

type clientSummary struct {
	ID        string `json:"id"`
	Principal string `json:"principal"`
}

// GET /token-details, GET /token/self
func (h *handlers) tokenDetails(w http.ResponseWriter, r *http.Request) {
	tok, err := h.require(r, authn.Requirement{})
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if tok.Account == nil || tok.Client == nil {
		h.writeErr(w, r, apierror.Internal(errTokenNotLoaded))
		return
	}
	scopes := append([]string(nil), tok.Scopes...)
	sort.Strings(scopes)
	body := tokenDetails{
		Scopes: scopes,
		Embedded: tokenDetailsEmbedded{
			Account: accountDetails{
				ID:        tok.Account.ID,
				Principal: tok.Account.Name,
				Type:      string(tok.Account.Type),
				UserID:    tok.UserID,
			},
			Client: clientSummary{ID: tok.Client.ID, Principal: tok.Client.Name},
		},
		Links: map[string]link{
			"self":   {Href: h.url("/token-details")},
			"client": {Href: h.url("/client/" + tok.Client.ID)},
		},
	}
	writeJSON(w, http.StatusOK, body)
}

// GET /
func (h *handlers) index(w http.ResponseWriter, r *http.Request) {
	apis, err := h.apis.List(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	advertised := apis[:0]
	for _, api := range apis {
		if api.Advertise && api.Available {
			advertised = append(advertised, api)
		}
	}

	if prefersHTML(r) {
		page := ui.IndexPage{BaseURL: h.baseURL, APIs: advertised}
		if err := h.renderer.Render(w, http.StatusOK, ui.PageIndex, page); err != nil {
			h.writeErr(w, r, err)
		}
		return
	}

	links := map[string]link{
		"self":             {Href: h.url("/")},
		"oauth2:token":     {Href: h.url("/token")},
		"oauth2:authorize": {Href: h.url("/authorize")},
		"api:list":         {Href: h.url("/api")},
	}
	for _, api := range advertised {
		links["app:"+api.ID] = link{Href: h.url("/" + api.ID + "/"), Title: api.Title}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"title":   "API",
		"version": h.version,
		"_links":  links,
	})
}

// prefersHTML reports whether the client listed text/html before JSON.
func prefersHTML(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	htmlAt := strings.Index(accept, "text/html")
	if htmlAt < 0 {
		return false
	}
	jsonAt := strings.Index(accept, "application/json")
	return jsonAt < 0 || htmlAt < jsonAt
}

// GET /health
func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			h.writeErr(w, r, apierror.Unavailable("Service unavailable.", err))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
