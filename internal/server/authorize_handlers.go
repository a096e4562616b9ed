package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ox-it/apiox-core/internal/apierror"
	"github.com/ox-it/apiox-core/internal/auth"
	"github.com/ox-it/apiox-core/internal/directory"
	"github.com/ox-it/apiox-core/internal/services/oauth2"
	"github.com/ox-it/apiox-core/internal/ui"
)

// CSRFCookie holds the token echoed by the consent form.
const CSRFCookie = "csrf-token"

// renderAuthorizeError shows a failed authorization to the person at the
// browser. Authentication challenges and internal failures keep their
// normal rendering.
func (h *handlers) renderAuthorizeError(w http.ResponseWriter, r *http.Request, err error) {
	e := apierror.From(err)
	switch e.Kind {
	case apierror.KindUnauthenticated, apierror.KindInternal, apierror.KindUnavailable:
		h.writeErr(w, r, e)
		return
	}
	if renderErr := h.renderer.Render(w, e.Kind.Status(), ui.PageAuthorizeError, ui.ErrorPage{Error: e.Description}); renderErr != nil {
		h.writeErr(w, r, renderErr)
	}
}

// GET /authorize
func (h *handlers) authorizeForm(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.GetToken(r.Context())
	req := oauth2.AuthorizeRequestFrom(r.URL.Query())
	consent, err := h.grants.Consent(r.Context(), caller, req)
	if err != nil {
		h.renderAuthorizeError(w, r, err)
		return
	}

	csrfToken := ""
	if c, err := r.Cookie(CSRFCookie); err == nil && c.Value != "" {
		csrfToken = c.Value
	} else {
		if csrfToken, err = auth.GenerateToken(); err != nil {
			h.writeErr(w, r, apierror.Internal(err))
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     CSRFCookie,
			Value:    csrfToken,
			Path:     "/authorize",
			HttpOnly: true,
			Secure:   isSecure(r),
			SameSite: http.SameSiteLaxMode,
		})
	}

	page := ui.AuthorizePage{
		Client:      consent.Client,
		Account:     consent.Account,
		Person:      h.person(r, consent.UserID),
		Scopes:      consent.Scopes,
		Scope:       strings.Join(consent.ScopeIDs(), " "),
		RedirectURI: consent.RedirectURI,
		State:       consent.State,
		CSRFToken:   csrfToken,
	}
	w.Header().Set("Cache-Control", "no-store")
	if err := h.renderer.Render(w, http.StatusOK, ui.PageAuthorize, page); err != nil {
		h.writeErr(w, r, err)
	}
}

// POST /authorize
func (h *handlers) authorizeSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderAuthorizeError(w, r, apierror.BadRequest("Malformed request body."))
		return
	}
	caller, _ := auth.GetToken(r.Context())
	consent, err := h.grants.Consent(r.Context(), caller, oauth2.AuthorizeRequestFrom(r.PostForm))
	if err != nil {
		h.renderAuthorizeError(w, r, err)
		return
	}

	cookie, err := r.Cookie(CSRFCookie)
	submitted := r.PostForm.Get("csrf_token")
	if err != nil || cookie.Value == "" || subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(submitted)) != 1 {
		h.renderAuthorizeError(w, r, apierror.Forbidden("The form could not be verified. Please go back and try again."))
		return
	}

	var location string
	switch {
	case r.PostForm.Has("approve"):
		location, err = h.grants.Approve(r.Context(), consent)
	case r.PostForm.Has("reject"):
		location, err = h.grants.Reject(consent)
	default:
		err = apierror.BadRequest("Choose whether to allow or deny access.")
	}
	if err != nil {
		h.renderAuthorizeError(w, r, err)
		return
	}
	http.Redirect(w, r, location, http.StatusFound)
}

func (h *handlers) person(r *http.Request, userID int64) *directory.Person {
	if h.people == nil {
		return nil
	}
	p, err := h.people.GetPerson(r.Context(), userID)
	if err != nil {
		h.logger.Warn("look up person for consent page", zap.Int64("user_id", userID), zap.Error(err))
		return nil
	}
	return p
}

func isSecure(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
