package authn

import (
	"net/http"

	"github.com/ox-it/apiox-core/internal/db/models"
)

const (
	RemoteUserHeader     = "X-Remote-User"
	RemoteUserQueryParam = "remote_user"
)

// RemoteUser trusts a principal name asserted by a front end that has
// already authenticated the user. Only enable it behind such a front end.
type RemoteUser struct {
	principals PrincipalFinder
	tokens     TokenAuthenticator
}

func NewRemoteUser(principals PrincipalFinder, tokens TokenAuthenticator) *RemoteUser {
	return &RemoteUser{principals: principals, tokens: tokens}
}

func (u *RemoteUser) Name() string { return "remote_user" }

func (u *RemoteUser) Challenge() string { return "" }

func (u *RemoteUser) Authenticate(_ http.ResponseWriter, r *http.Request) (*models.Token, error) {
	name := r.Header.Get(RemoteUserHeader)
	if name == "" {
		name = r.URL.Query().Get(RemoteUserQueryParam)
	}
	if name == "" {
		return nil, nil
	}
	return selfToken(r, u.principals, u.tokens, name)
}
