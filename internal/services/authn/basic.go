package authn

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ox-it/apiox-core/internal/apierror"
	"github.com/ox-it/apiox-core/internal/auth"
	"github.com/ox-it/apiox-core/internal/db/models"
	"github.com/ox-it/apiox-core/internal/repository"
)

// Basic authenticates clients by principal ID and client secret.
type Basic struct {
	realm      string
	codec      *auth.Codec
	principals PrincipalFinder
	tokens     TokenAuthenticator
}

func NewBasic(realm string, codec *auth.Codec, principals PrincipalFinder, tokens TokenAuthenticator) *Basic {
	return &Basic{realm: realm, codec: codec, principals: principals, tokens: tokens}
}

func (b *Basic) Name() string { return "basic" }

func (b *Basic) Challenge() string {
	return fmt.Sprintf("Basic realm=%q", b.realm)
}

func (b *Basic) Authenticate(_ http.ResponseWriter, r *http.Request) (*models.Token, error) {
	encoded, ok := credentials(r, "Basic")
	if !ok {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, b.reject()
	}
	id, secret, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return nil, b.reject()
	}

	p, err := b.principals.Get(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, b.reject()
	}
	if err != nil {
		return nil, apierror.Internal(err)
	}
	if p.SecretHash == nil || !b.codec.Verify(secret, *p.SecretHash) {
		return nil, b.reject()
	}

	tok, err := b.tokens.AsSelf(r.Context(), p)
	if err != nil {
		return nil, selfTokenError(err)
	}
	return tok, nil
}

func (b *Basic) reject() *apierror.Error {
	return apierror.Unauthenticated([]string{b.Challenge()})
}
