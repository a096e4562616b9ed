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

// administratorRoles are the account types allowed to manage API definitions.
var administratorRoles = []string{string(models.PrincipalTypeAdmin), string(models.PrincipalTypeRoot)}

type apiBody struct {
	*models.API
	MayAdministrate bool            `json:"mayAdministrate"`
	Links           map[string]link `json:"_links"`
}

func (h *handlers) apiBody(r *http.Request, api *models.API) apiBody {
	tok, _ := auth.GetToken(r.Context())
	return apiBody{
		API:             api,
		MayAdministrate: mayManageAPIs(tok),
		Links:           map[string]link{"self": {Href: h.url("/api/" + api.ID)}},
	}
}

// mayManageAPIs reports whether tok belongs to an administrator account and
// carries the API management scope. Tokens delegated to a client do not
// inherit their user's role unless the scope was granted too.
func mayManageAPIs(tok *models.Token) bool {
	if tok == nil || tok.Account == nil || !tok.HasScope(scope.OAuth2ManageAPI) {
		return false
	}
	for _, role := range administratorRoles {
		if string(tok.Account.Type) == role {
			return true
		}
	}
	return false
}

// GET /api
func (h *handlers) apiList(w http.ResponseWriter, r *http.Request) {
	apis, err := h.apis.List(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	items := make([]apiBody, 0, len(apis))
	for i := range apis {
		if apis[i].Advertise {
			items = append(items, h.apiBody(r, &apis[i]))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"_links":    map[string]link{"self": {Href: h.url("/api")}},
		"_embedded": map[string]any{"api-definition": items},
	})
}

// GET /api/{id}
func (h *handlers) apiDetail(w http.ResponseWriter, r *http.Request) {
	api, err := h.apis.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, lookupError(err, "No such API."))
		return
	}
	writeJSON(w, http.StatusOK, h.apiBody(r, api))
}

func (h *handlers) requireAdministrator(r *http.Request) error {
	tok, err := h.require(r, authn.Requirement{})
	if err != nil {
		return err
	}
	if !mayManageAPIs(tok) {
		return apierror.Forbidden("You are not an administrator or do not have the required scope to manage APIs.")
	}
	return nil
}

// PUT /api/{id}
func (h *handlers) apiPut(w http.ResponseWriter, r *http.Request) {
	if err := h.requireAdministrator(r); err != nil {
		h.writeErr(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if _, reserved := ReservedNames[id]; reserved {
		h.writeErr(w, r, apierror.Conflict("That API ID is reserved."))
		return
	}

	api, err := h.validator.Decode(id, r.Body)
	if err != nil {
		var defErr *DefinitionError
		if errors.As(err, &defErr) {
			if defErr.Conflict {
				h.writeErr(w, r, apierror.Conflict(defErr.Detail))
			} else {
				h.writeErr(w, r, apierror.BadRequest("The API definition is invalid.").With("detail", defErr.Detail))
			}
			return
		}
		h.writeErr(w, r, err)
		return
	}
	for _, s := range api.Scopes {
		for _, alias := range s.Aliases {
			if existing, ok := h.catalog.Get(alias); ok && (existing.APIID == nil || *existing.APIID != id) {
				h.writeErr(w, r, apierror.Conflict("Scope alias "+alias+" is already in use."))
				return
			}
		}
	}

	if err := h.apis.Upsert(r.Context(), api); err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.refreshCatalog(r)
	h.logger.Info("api definition stored", zap.String("api_id", id), zap.Int("scopes", len(api.Scopes)), zap.Int("paths", len(api.Paths)))
	w.WriteHeader(http.StatusNoContent)
}

// DELETE /api/{id}
func (h *handlers) apiDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.requireAdministrator(r); err != nil {
		h.writeErr(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.apis.Delete(r.Context(), id); err != nil {
		h.writeErr(w, r, lookupError(err, "No such API."))
		return
	}
	h.refreshCatalog(r)
	h.logger.Info("api definition deleted", zap.String("api_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) refreshCatalog(r *http.Request) {
	if err := h.catalog.Refresh(r.Context()); err != nil {
		h.logger.Error("refresh scope catalog", zap.Error(err))
	}
}
