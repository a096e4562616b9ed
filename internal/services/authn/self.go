package authn

import (
	"errors"
	"net/http"

	"github.com/ox-it/apiox-core/internal/apierror"
	"github.com/ox-it/apiox-core/internal/db/models"
	"github.com/ox-it/apiox-core/internal/directory"
	"github.com/ox-it/apiox-core/internal/services/principal"
	"github.com/ox-it/apiox-core/internal/services/scope"
)

// selfToken resolves name to a principal, creating it if needed, and
// returns a token for that principal acting as itself.
func selfToken(r *http.Request, principals PrincipalFinder, tokens TokenAuthenticator, name string) (*models.Token, error) {
	p, err := principals.Lookup(r.Context(), name)
	switch {
	case err == nil:
	case errors.Is(err, directory.ErrInvalidName):
		return nil, apierror.Unauthenticated(nil)
	case errors.Is(err, principal.ErrDirectoryUnavailable):
		return nil, apierror.Unavailable("The directory is unavailable.", err)
	default:
		return nil, apierror.Internal(err)
	}
	tok, err := tokens.AsSelf(r.Context(), p)
	if err != nil {
		return nil, selfTokenError(err)
	}
	return tok, nil
}

func selfTokenError(err error) error {
	if errors.Is(err, scope.ErrMembershipUnavailable) {
		return apierror.Unavailable("Group membership is unavailable.", err)
	}
	return apierror.Internal(err)
}
