package oauth2

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ox-it/apiox-core/internal/apierror"
	"github.com/ox-it/apiox-core/internal/db/models"
	"github.com/ox-it/apiox-core/internal/repository"
	"github.com/ox-it/apiox-core/internal/services/scope"
)

// CodeLifetime is how long an authorization code may wait to be redeemed.
const CodeLifetime = 60 * time.Second

// AuthorizeRequest carries the parameters of an authorization request.
type AuthorizeRequest struct {
	ClientID    string
	RedirectURI string
	Scope       string
	State       string
}

// AuthorizeRequestFrom reads an authorization request from query or form values.
func AuthorizeRequestFrom(v url.Values) AuthorizeRequest {
	return AuthorizeRequest{
		ClientID:    v.Get("client_id"),
		RedirectURI: v.Get("redirect_uri"),
		Scope:       v.Get("scope"),
		State:       v.Get("state"),
	}
}

// Consent is a validated authorization request, ready to show or approve.
type Consent struct {
	Client      *models.Principal
	Account     *models.Principal
	UserID      int64
	RedirectURI string
	State       string
	Scopes      []*models.Scope
}

// ScopeIDs returns the canonical IDs of the requested scopes.
func (c *Consent) ScopeIDs() []string {
	ids := make([]string, 0, len(c.Scopes))
	for _, s := range c.Scopes {
		ids = append(ids, s.ID)
	}
	return ids
}

// Consent validates an authorization request made by the person behind caller.
func (g *Grants) Consent(ctx context.Context, caller *models.Token, req AuthorizeRequest) (*Consent, error) {
	if caller == nil {
		return nil, apierror.Unauthenticated(g.challenges)
	}
	if caller.UserID == nil {
		return nil, apierror.Forbidden("There is no user associated with the account you logged in with.")
	}
	if !caller.HasScope(scope.OAuth2User) {
		return nil, apierror.Forbidden("Your credentials don't have authority to perform an authorization. " +
			"You're either using a non-personal SSO account, or have authenticated with an OAuth2 token without the necessary scope.")
	}
	if req.ClientID == "" {
		return nil, apierror.BadRequest("No client_id parameter provided.")
	}

	client, err := g.principals.GetByID(ctx, req.ClientID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apierror.BadRequest("Couldn't find client")
	}
	if err != nil {
		return nil, apierror.Internal(err)
	}
	if !client.AllowsGrantType(models.GrantTypeAuthorizationCode) {
		return nil, apierror.BadRequest("The client is not allowed to request authorization.")
	}
	if req.RedirectURI == "" {
		return nil, apierror.BadRequest("The redirect_uri parameter was missing.")
	}
	if !client.AllowsRedirectURI(req.RedirectURI) {
		return nil, apierror.BadRequest("The redirect_uri parameter was incorrect.")
	}

	var requested []*models.Scope
	seen := scope.NewSet()
	for _, id := range strings.Fields(req.Scope) {
		s, ok := g.catalog.Get(id)
		if !ok {
			return nil, apierror.BadRequest(fmt.Sprintf("Invalid scope: %s", id))
		}
		if seen.Has(s.ID) {
			continue
		}
		seen.Add(s.ID)
		requested = append(requested, s)
	}

	account := caller.Account
	if account == nil {
		if account, err = g.principals.GetByID(ctx, caller.AccountID); err != nil {
			return nil, apierror.Internal(fmt.Errorf("load account: %w", err))
		}
	}
	permissible, err := g.resolver.PermissibleScopes(ctx, client, account, false)
	if errors.Is(err, scope.ErrMembershipUnavailable) {
		return nil, apierror.Unavailable("Group membership is unavailable.", err)
	}
	if err != nil {
		return nil, apierror.Internal(err)
	}
	if missing := permissible.Missing(seen.Sorted()); len(missing) > 0 {
		return nil, apierror.Forbidden(fmt.Sprintf("The client requested scopes it wasn't entitled to (%s).",
			strings.Join(missing, ", ")))
	}

	return &Consent{
		Client:      client,
		Account:     account,
		UserID:      *caller.UserID,
		RedirectURI: req.RedirectURI,
		State:       req.State,
		Scopes:      requested,
	}, nil
}

// Approve stores a single-use authorization code for c and returns the
// client redirect carrying it.
func (g *Grants) Approve(ctx context.Context, c *Consent) (string, error) {
	code, hash, err := g.tokens.Codec().Generate()
	if err != nil {
		return "", apierror.Internal(err)
	}
	now := g.now()
	userID := c.UserID
	ac := &models.AuthorizationCode{
		CodeHash:    hash,
		ClientID:    c.Client.ID,
		AccountID:   c.Account.ID,
		UserID:      &userID,
		Scopes:      models.StringList(c.ScopeIDs()),
		RedirectURI: c.RedirectURI,
		GrantedAt:   now,
		ExpireAt:    now.Add(CodeLifetime),
	}
	if err := g.codes.Create(ctx, ac); err != nil {
		return "", apierror.Internal(err)
	}
	g.logger.Info("authorization approved",
		zap.String("client_id", c.Client.ID),
		zap.String("account_id", c.Account.ID),
		zap.Strings("scopes", ac.Scopes),
	)
	return redirectWith(c.RedirectURI, url.Values{"code": {code}}, c.State)
}

// Reject returns the client redirect reporting that the user declined.
func (g *Grants) Reject(c *Consent) (string, error) {
	return redirectWith(c.RedirectURI, url.Values{"error": {apierror.CodeAccessDenied}}, c.State)
}

func redirectWith(base string, params url.Values, state string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", apierror.BadRequest("The redirect_uri parameter was incorrect.")
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
