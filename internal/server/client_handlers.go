package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ox-it/apiox-core/internal/apierror"
	"github.com/ox-it/apiox-core/internal/auth"
	"github.com/ox-it/apiox-core/internal/db/models"
	"github.com/ox-it/apiox-core/internal/services/authn"
	"github.com/ox-it/apiox-core/internal/services/scope"
)

type clientDetails struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Type              string          `json:"type"`
	Title             string          `json:"title,omitempty"`
	Description       string          `json:"description,omitempty"`
	RedirectURIs      []string        `json:"redirectUris"`
	AllowedGrantTypes []string        `json:"allowedGrantTypes"`
	HasSecret         bool            `json:"hasSecret"`
	Links             map[string]link `json:"_links"`
}

func (h *handlers) clientBody(c *models.Principal) clientDetails {
	self := h.url("/client/" + c.ID)
	return clientDetails{
		ID:                c.ID,
		Name:              c.Name,
		Type:              string(c.Type),
		Title:             c.Title,
		Description:       c.Description,
		RedirectURIs:      append([]string{}, c.RedirectURIs...),
		AllowedGrantTypes: append([]string{}, c.AllowedGrantTypes...),
		HasSecret:         c.SecretHash != nil,
		Links: map[string]link{
			"self":       {Href: self},
			"api:secret": {Href: self + "/secret", Title: "POST to generate a client secret, replacing any existing secret. DELETE to remove it."},
		},
	}
}

func (h *handlers) writeClient(w http.ResponseWriter, c *models.Principal) {
	body := h.clientBody(c)
	w.Header().Set("Content-Location", body.Links["self"].Href)
	writeJSON(w, http.StatusOK, body)
}

// GET /client/self
func (h *handlers) clientSelf(w http.ResponseWriter, r *http.Request) {
	tok, err := h.require(r, authn.Requirement{})
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if tok.Client == nil {
		h.writeErr(w, r, apierror.Internal(errTokenNotLoaded))
		return
	}
	h.writeClient(w, tok.Client)
}

// GET /client/{id}
func (h *handlers) clientDetail(w http.ResponseWriter, r *http.Request) {
	if _, err := h.require(r, authn.Requirement{}); err != nil {
		h.writeErr(w, r, err)
		return
	}
	client, err := h.principals.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, lookupError(err, "No such client."))
		return
	}
	h.writeClient(w, client)
}

// GET /client
func (h *handlers) clientList(w http.ResponseWriter, r *http.Request) {
	tok, err := h.require(r, authn.Requirement{User: true, Scopes: []string{scope.OAuth2ManageClient}})
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	clients, err := h.principals.ListAdministeredBy(r.Context(), *tok.UserID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	items := make([]clientDetails, 0, len(clients))
	for i := range clients {
		items = append(items, h.clientBody(&clients[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"_links":    map[string]link{"self": {Href: h.url("/client")}},
		"_embedded": map[string]any{"item": items},
	})
}

// POST /client
func (h *handlers) clientCreate(w http.ResponseWriter, r *http.Request) {
	tok, err := h.require(r, authn.Requirement{User: true, Scopes: []string{scope.OAuth2ManageClient}})
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	update, err := h.validator.DecodeClient(r.Body)
	if err != nil {
		h.writeErr(w, r, clientBodyError(err))
		return
	}
	id, err := auth.GenerateToken()
	if err != nil {
		h.writeErr(w, r, apierror.Internal(err))
		return
	}
	client := &models.Principal{
		ID:                id,
		Name:              h.clientName(id),
		Type:              models.PrincipalTypeService,
		AllowedGrantTypes: models.StringList{models.GrantTypeAuthorizationCode, models.GrantTypeRefreshToken},
		Administrators:    models.Int64List{*tok.UserID},
	}
	update.Apply(client)
	if err := h.principals.Create(r.Context(), client); err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.logger.Info("client created", zap.String("client_id", client.ID), zap.Int64("administrator", *tok.UserID))
	body := h.clientBody(client)
	w.Header().Set("Location", body.Links["self"].Href)
	writeJSON(w, http.StatusCreated, body)
}

func (h *handlers) clientName(id string) string {
	if h.clientRealm == "" {
		return "client/" + id
	}
	return "client/" + id + "@" + h.clientRealm
}

// PUT /client/{id}
func (h *handlers) clientUpdate(w http.ResponseWriter, r *http.Request) {
	client, err := h.administeredClient(r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	update, err := h.validator.DecodeClient(r.Body)
	if err != nil {
		h.writeErr(w, r, clientBodyError(err))
		return
	}
	update.Apply(client)
	if err := h.principals.Update(r.Context(), client); err != nil {
		h.writeErr(w, r, lookupError(err, "No such client."))
		return
	}
	h.logger.Info("client updated", zap.String("client_id", client.ID))
	w.WriteHeader(http.StatusNoContent)
}

func clientBodyError(err error) error {
	var defErr *DefinitionError
	if errors.As(err, &defErr) {
		return apierror.BadRequest("The client description is invalid.").With("detail", defErr.Detail)
	}
	return err
}

// administeredClient loads the client named in the URL and checks that the
// caller may manage it. A client acting as itself always may. Anyone else
// needs the client management scope and must be the client's account or one
// of its administrators.
func (h *handlers) administeredClient(r *http.Request) (*models.Principal, error) {
	tok, err := h.require(r, authn.Requirement{})
	if err != nil {
		return nil, err
	}
	client, err := h.principals.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, lookupError(err, "No such client.")
	}
	if !mayManageClient(tok, client) {
		return nil, apierror.Forbidden("You are not an administrator or do not have the required scope to manage clients.")
	}
	return client, nil
}

func mayManageClient(tok *models.Token, client *models.Principal) bool {
	if tok.ClientID == client.ID && tok.AccountID == client.ID {
		return true
	}
	if !tok.HasScope(scope.OAuth2ManageClient) {
		return false
	}
	return tok.AccountID == client.ID || client.IsAdministeredBy(tok.UserID)
}

// POST /client/{id}/secret
func (h *handlers) clientSecretCreate(w http.ResponseWriter, r *http.Request) {
	client, err := h.administeredClient(r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	secret, err := auth.GenerateToken()
	if err != nil {
		h.writeErr(w, r, apierror.Internal(err))
		return
	}
	hash := h.grants.Codec().Hash(secret)
	if err := h.principals.SetSecretHash(r.Context(), client.ID, &hash); err != nil {
		h.writeErr(w, r, lookupError(err, "No such client."))
		return
	}
	h.logger.Info("client secret replaced", zap.String("client_id", client.ID), zap.String("secret", auth.Fingerprint(hash)))
	noStore(w)
	writeJSON(w, http.StatusOK, map[string]string{"secret": secret})
}

// DELETE /client/{id}/secret
func (h *handlers) clientSecretDelete(w http.ResponseWriter, r *http.Request) {
	client, err := h.administeredClient(r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if err := h.principals.SetSecretHash(r.Context(), client.ID, nil); err != nil {
		h.writeErr(w, r, lookupError(err, "No such client."))
		return
	}
	h.logger.Info("client secret removed", zap.String("client_id", client.ID))
	w.WriteHeader(http.StatusNoContent)
}
