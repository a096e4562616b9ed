package authn

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ox-it/apiox-core/internal/apierror"
	"github.com/ox-it/apiox-core/internal/db/models"
	"github.com/ox-it/apiox-core/internal/services/token"
)

// BearerQueryParam carries a bearer token for clients that cannot set headers.
const BearerQueryParam = "bearer_token"

// Bearer authenticates OAuth2 access tokens.
type Bearer struct {
	realm  string
	tokens TokenAuthenticator
}

func NewBearer(realm string, tokens TokenAuthenticator) *Bearer {
	return &Bearer{realm: realm, tokens: tokens}
}

func (b *Bearer) Name() string { return "bearer" }

func (b *Bearer) Challenge() string {
	return fmt.Sprintf("Bearer realm=%q", b.realm)
}

func (b *Bearer) Authenticate(_ http.ResponseWriter, r *http.Request) (*models.Token, error) {
	secret, ok := credentials(r, "Bearer")
	if !ok {
		secret = r.URL.Query().Get(BearerQueryParam)
	}
	if secret == "" {
		return nil, nil
	}

	tok, err := b.tokens.Authenticate(r.Context(), secret)
	switch {
	case err == nil:
		return tok, nil
	case errors.Is(err, token.ErrNotFound):
		return nil, b.invalid("No such token")
	case errors.Is(err, token.ErrExpired):
		return nil, b.invalid("Token expired")
	case errors.Is(err, token.ErrOverused):
		return nil, b.invalid("Token usage limit exceeded")
	default:
		return nil, apierror.Internal(err)
	}
}

func (b *Bearer) invalid(description string) *apierror.Error {
	challenge := fmt.Sprintf(`%s, error="invalid_token", error_description=%q`, b.Challenge(), description)
	return apierror.InvalidToken(description).WithChallenges([]string{challenge})
}
