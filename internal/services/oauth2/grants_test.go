package oauth2

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ox-it/apiox-core/internal/apierror"
	"github.com/ox-it/apiox-core/internal/auth"
	"github.com/ox-it/apiox-core/internal/db/models"
	"github.com/ox-it/apiox-core/internal/repository"
	"github.com/ox-it/apiox-core/internal/services/scope"
	"github.com/ox-it/apiox-core/internal/services/token"
	"github.com/ox-it/apiox-core/internal/telemetry"
)

type memPrincipals struct {
	mu   sync.Mutex
	byID map[string]*models.Principal
}

func (m *memPrincipals) Create(_ context.Context, p *models.Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[p.ID] = p
	return nil
}

func (m *memPrincipals) GetByID(_ context.Context, id string) (*models.Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.byID[id]; ok {
		return p, nil
	}
	return nil, repository.ErrNotFound
}

func (m *memPrincipals) GetByName(_ context.Context, name string) (*models.Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.byID {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memPrincipals) List(context.Context) ([]models.Principal, error) { return nil, nil }
func (m *memPrincipals) ListAdministeredBy(context.Context, int64) ([]models.Principal, error) {
	return nil, nil
}
func (m *memPrincipals) Update(context.Context, *models.Principal) error { return nil }
func (m *memPrincipals) SetSecretHash(context.Context, string, *string) error {
	return nil
}

// memTokens loads Client and Account the way the bun repository joins them.
type memTokens struct {
	mu         sync.Mutex
	tokens     map[string]models.Token
	principals *memPrincipals
}

func (m *memTokens) Create(_ context.Context, t *models.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[t.ID] = *t
	return nil
}

func (m *memTokens) load(match func(models.Token) bool) (*models.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if match(t) {
			cp := t
			cp.Client, _ = m.principals.GetByID(context.Background(), t.ClientID)
			cp.Account, _ = m.principals.GetByID(context.Background(), t.AccountID)
			cp.ClearDirty()
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memTokens) GetByID(_ context.Context, id string) (*models.Token, error) {
	return m.load(func(t models.Token) bool { return t.ID == id })
}

func (m *memTokens) GetByAccessHash(_ context.Context, hash string) (*models.Token, error) {
	return m.load(func(t models.Token) bool { return t.AccessTokenHash == hash })
}

func (m *memTokens) GetByRefreshHash(_ context.Context, hash string) (*models.Token, error) {
	return m.load(func(t models.Token) bool { return t.RefreshTokenHash != nil && *t.RefreshTokenHash == hash })
}

func (m *memTokens) Save(_ context.Context, t *models.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[t.ID] = *t
	t.ClearDirty()
	return nil
}

func (m *memTokens) ConsumeUse(context.Context, string) (bool, error) { return true, nil }

type memCodes struct {
	mu     sync.Mutex
	codes  map[string]models.AuthorizationCode
	tokens *memTokens
}

func (m *memCodes) Create(_ context.Context, c *models.AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[c.CodeHash] = *c
	return nil
}

func (m *memCodes) GetByHash(_ context.Context, hash string) (*models.AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[hash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (m *memCodes) Redeem(ctx context.Context, hash string, t *models.Token) error {
	m.mu.Lock()
	if _, ok := m.codes[hash]; !ok {
		m.mu.Unlock()
		return repository.ErrAlreadyRedeemed
	}
	delete(m.codes, hash)
	m.mu.Unlock()
	return m.tokens.Create(ctx, t)
}

type memGrants struct {
	grants []models.ScopeGrant
}

func (m *memGrants) Create(_ context.Context, g *models.ScopeGrant) error {
	m.grants = append(m.grants, *g)
	return nil
}

func (m *memGrants) ListForClient(_ context.Context, clientID string, kinds ...models.GrantKind) ([]models.ScopeGrant, error) {
	var out []models.ScopeGrant
	for _, g := range m.grants {
		if g.ClientID != clientID {
			continue
		}
		for _, k := range kinds {
			if g.Kind == k {
				out = append(out, g)
				break
			}
		}
	}
	return out, nil
}

func (m *memGrants) Delete(context.Context, string) error { return nil }

const redirectURI = "https://app.example.org/callback"

type fixture struct {
	now        time.Time
	grants     *Grants
	tokens     *token.Service
	tokenRepo  *memTokens
	codes      *memCodes
	principals *memPrincipals
	metrics    *telemetry.Metrics
	app        *models.Principal
	lite       *models.Principal
	alice      *models.Principal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }

	userID := int64(1001)
	f.app = &models.Principal{
		ID: "app", Name: "app/client.example.org@OX.AC.UK", Type: models.PrincipalTypeService,
		RedirectURIs: models.StringList{redirectURI},
		AllowedGrantTypes: models.StringList{
			models.GrantTypeAuthorizationCode, models.GrantTypeClientCredentials, models.GrantTypeRefreshToken,
		},
	}
	f.lite = &models.Principal{
		ID: "lite", Name: "lite/client.example.org@OX.AC.UK", Type: models.PrincipalTypeService,
		AllowedGrantTypes: models.StringList{models.GrantTypeClientCredentials},
	}
	f.alice = &models.Principal{ID: "alice", Name: "abcd1234@OX.AC.UK", Type: models.PrincipalTypeUser, UserID: &userID}

	f.principals = &memPrincipals{byID: map[string]*models.Principal{"app": f.app, "lite": f.lite, "alice": f.alice}}
	f.tokenRepo = &memTokens{tokens: map[string]models.Token{}, principals: f.principals}
	f.codes = &memCodes{codes: map[string]models.AuthorizationCode{}, tokens: f.tokenRepo}

	grants := &memGrants{grants: []models.ScopeGrant{
		{ClientID: "app", Kind: models.GrantKindImplicit, Scopes: models.StringList{scope.OAuth2Client, "/read"}},
		{ClientID: "app", Kind: models.GrantKindRequest, Scopes: models.StringList{"/write"}},
		{ClientID: "lite", Kind: models.GrantKindImplicit, Scopes: models.StringList{scope.OAuth2Client, "/read"}},
	}}
	catalog := scope.NewStaticCatalog(
		models.Scope{ID: "/read"},
		models.Scope{ID: "/write"},
		models.Scope{ID: "/admin"},
		models.Scope{ID: "/library/loans", GrantedToUser: true, Aliases: models.StringList{"loans"}},
	)
	resolver := scope.NewResolver(grants, catalog, nil).WithClock(clock)
	f.tokens = token.NewService(f.tokenRepo, catalog, resolver, auth.NewCodec("salt"), nil).WithClock(clock)
	f.metrics = telemetry.NewMetrics()
	f.grants = NewGrants(f.tokens, f.tokenRepo, f.codes, f.principals, resolver, catalog, nil).
		WithClock(clock).
		WithMetrics(f.metrics).
		WithChallenges([]string{`Bearer realm="API"`, `Basic realm="API"`})
	return f
}

func (f *fixture) self(t *testing.T, p *models.Principal) *models.Token {
	t.Helper()
	tok, err := f.tokens.AsSelf(context.Background(), p)
	require.NoError(t, err)
	return tok
}

func requireAPIError(t *testing.T, err error, kind apierror.Kind, description string) *apierror.Error {
	t.Helper()
	var apiErr *apierror.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, kind, apiErr.Kind)
	assert.Equal(t, description, apiErr.Description)
	return apiErr
}

func form(kv ...string) url.Values {
	v := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		v.Set(kv[i], kv[i+1])
	}
	return v
}

func TestHandle_Dispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	caller := f.self(t, f.app)

	_, err := f.grants.Handle(ctx, caller, form())
	e := requireAPIError(t, err, apierror.KindInvalidRequest, "Missing grant_type parameter.")
	assert.Equal(t, apierror.CodeInvalidRequest, e.Code)

	_, err = f.grants.Handle(ctx, caller, form("grant_type", "password"))
	e = requireAPIError(t, err, apierror.KindUnsupportedGrantType, "That grant type is not supported.")
	assert.Equal(t, apierror.CodeUnsupportedGrantType, e.Code)

	_, err = f.grants.Handle(ctx, nil, form("grant_type", "client_credentials"))
	var apiErr *apierror.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierror.KindUnauthenticated, apiErr.Kind)
	assert.Equal(t, []string{`Bearer realm="API"`, `Basic realm="API"`}, apiErr.Challenges)

	_, err = f.grants.Handle(ctx, f.self(t, f.alice), form("grant_type", "client_credentials"))
	e = requireAPIError(t, err, apierror.KindUnauthorizedClient, "Your client isn't registered as an OAuth2 client.")
	assert.Equal(t, apierror.CodeUnauthorizedClient, e.Code)
}

func TestClientCredentials(t *testing.T) {
	ctx := context.Background()

	t.Run("requested scopes are narrowed to held scopes", func(t *testing.T) {
		f := newFixture(t)
		resp, err := f.grants.Handle(ctx, f.self(t, f.app), form("grant_type", "client_credentials", "scopes", "/read /write"))
		require.NoError(t, err)
		assert.Equal(t, []string{"/read"}, resp.Scopes)
		assert.Equal(t, "bearer", resp.TokenType)
		assert.Equal(t, 600, resp.ExpiresIn)
		assert.NotEmpty(t, resp.AccessToken)
		assert.Empty(t, resp.RefreshToken)
		issued, err := testutil.GatherAndCount(f.metrics.Registry(), "apiox_tokens_issued_total")
		require.NoError(t, err)
		assert.Equal(t, 1, issued)

		tok, err := f.tokens.Authenticate(ctx, resp.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, resp.TokenID, tok.ID)
		require.NotNil(t, tok.ExpireAt)
		assert.Equal(t, f.now.Add(token.DefaultLifetime), *tok.ExpireAt)
	})

	t.Run("without scopes the oauth2 role scopes are dropped", func(t *testing.T) {
		f := newFixture(t)
		resp, err := f.grants.Handle(ctx, f.self(t, f.app), form("grant_type", "client_credentials"))
		require.NoError(t, err)
		assert.Equal(t, []string{"/read"}, resp.Scopes)
	})

	t.Run("account must be the client", func(t *testing.T) {
		f := newFixture(t)
		caller := f.self(t, f.app)
		caller.AccountID = "alice"
		_, err := f.grants.Handle(ctx, caller, form("grant_type", "client_credentials"))
		e := requireAPIError(t, err, apierror.KindAccessDenied, "Client and account must match")
		assert.Equal(t, apierror.CodeAccessDenied, e.Code)
	})
}

// authorize runs the consent flow for alice against app and returns the code.
func (f *fixture) authorize(t *testing.T, scopes string) string {
	t.Helper()
	consent, err := f.grants.Consent(context.Background(), f.self(t, f.alice), AuthorizeRequest{
		ClientID: "app", RedirectURI: redirectURI, Scope: scopes, State: "xyz",
	})
	require.NoError(t, err)
	location, err := f.grants.Approve(context.Background(), consent)
	require.NoError(t, err)
	u, err := url.Parse(location)
	require.NoError(t, err)
	assert.Equal(t, "xyz", u.Query().Get("state"))
	code := u.Query().Get("code")
	require.Len(t, code, auth.TokenLength)
	return code
}

func TestAuthorizationCode(t *testing.T) {
	ctx := context.Background()

	t.Run("converts once", func(t *testing.T) {
		f := newFixture(t)
		code := f.authorize(t, "/write loans")
		caller := f.self(t, f.app)
		req := form("grant_type", "authorization_code", "code", code, "redirect_uri", redirectURI)

		resp, err := f.grants.Handle(ctx, caller, req)
		require.NoError(t, err)
		assert.Equal(t, []string{"/library/loans", "/write"}, resp.Scopes)
		assert.NotEmpty(t, resp.RefreshToken)
		assert.Equal(t, 600, resp.ExpiresIn)

		tok, err := f.tokens.Authenticate(ctx, resp.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "alice", tok.AccountID)
		assert.Equal(t, "app", tok.ClientID)
		require.NotNil(t, tok.UserID)
		assert.Equal(t, int64(1001), *tok.UserID)

		_, err = f.grants.Handle(ctx, caller, req)
		requireAPIError(t, err, apierror.KindAccessDenied, "Unrecognised authorization code")
	})

	t.Run("concurrent conversions yield one token", func(t *testing.T) {
		f := newFixture(t)
		code := f.authorize(t, "/write")
		caller := f.self(t, f.app)
		req := form("grant_type", "authorization_code", "code", code, "redirect_uri", redirectURI)

		var wg sync.WaitGroup
		results := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.grants.Handle(ctx, caller, req)
				results <- err
			}()
		}
		wg.Wait()
		close(results)
		succeeded := 0
		for err := range results {
			if err == nil {
				succeeded++
			}
		}
		assert.Equal(t, 1, succeeded)
		assert.Len(t, f.tokenRepo.tokens, 1)
	})

	t.Run("failures", func(t *testing.T) {
		f := newFixture(t)
		code := f.authorize(t, "/write")
		caller := f.self(t, f.app)

		_, err := f.grants.Handle(ctx, caller, form("grant_type", "authorization_code"))
		requireAPIError(t, err, apierror.KindInvalidRequest, "Missing `code` parameter")

		_, err = f.grants.Handle(ctx, caller, form("grant_type", "authorization_code", "code", "nope"))
		requireAPIError(t, err, apierror.KindAccessDenied, "Unrecognised authorization code")

		_, err = f.grants.Handle(ctx, f.self(t, f.lite), form("grant_type", "authorization_code", "code", code))
		requireAPIError(t, err, apierror.KindAccessDenied, "Unrecognised authorization code")

		_, err = f.grants.Handle(ctx, caller, form("grant_type", "authorization_code", "code", code, "redirect_uri", "https://evil.example.org/"))
		requireAPIError(t, err, apierror.KindAccessDenied, "Incorrect `redirect_uri` specified")

		f.now = f.now.Add(CodeLifetime)
		_, err = f.grants.Handle(ctx, caller, form("grant_type", "authorization_code", "code", code, "redirect_uri", redirectURI))
		requireAPIError(t, err, apierror.KindAccessDenied, "The authorization code has expired")
	})
}

func TestRefreshToken(t *testing.T) {
	ctx := context.Background()

	t.Run("narrows scopes and rotates secrets", func(t *testing.T) {
		f := newFixture(t)
		caller := f.self(t, f.app)
		first, err := f.grants.Handle(ctx, caller, form("grant_type", "authorization_code",
			"code", f.authorize(t, "/write loans"), "redirect_uri", redirectURI))
		require.NoError(t, err)

		f.now = f.now.Add(5 * time.Minute)
		second, err := f.grants.Handle(ctx, caller, form("grant_type", "refresh_token",
			"refresh_token", first.RefreshToken, "scope", "/write"))
		require.NoError(t, err)
		assert.Equal(t, first.TokenID, second.TokenID)
		assert.Equal(t, []string{"/write"}, second.Scopes)
		assert.NotEqual(t, first.AccessToken, second.AccessToken)
		assert.NotEmpty(t, second.RefreshToken)
		assert.Equal(t, 600, second.ExpiresIn)

		_, err = f.tokens.Authenticate(ctx, first.AccessToken)
		assert.ErrorIs(t, err, token.ErrNotFound)

		_, err = f.grants.Handle(ctx, caller, form("grant_type", "refresh_token", "refresh_token", first.RefreshToken))
		requireAPIError(t, err, apierror.KindAccessDenied, "Unrecognised refresh token")
	})

	t.Run("failures", func(t *testing.T) {
		f := newFixture(t)
		caller := f.self(t, f.lite)

		_, err := f.grants.Handle(ctx, caller, form("grant_type", "refresh_token"))
		requireAPIError(t, err, apierror.KindInvalidRequest, "Missing `refresh_token` parameter")

		_, err = f.grants.Handle(ctx, caller, form("grant_type", "refresh_token", "refresh_token", "unknown"))
		requireAPIError(t, err, apierror.KindAccessDenied, "Unrecognised refresh token")

		codec := f.tokens.Codec()
		refreshHash := codec.Hash("lite-refresh")
		require.NoError(t, f.tokenRepo.Create(ctx, &models.Token{
			ID: "t-lite", AccessTokenHash: codec.Hash("a"), RefreshTokenHash: &refreshHash,
			ClientID: "lite", AccountID: "lite", Scopes: models.StringList{"/read"},
			GrantedAt: f.now, RefreshAt: f.now.Add(time.Minute),
		}))
		_, err = f.grants.Handle(ctx, caller, form("grant_type", "refresh_token", "refresh_token", "lite-refresh"))
		e := requireAPIError(t, err, apierror.KindUnauthorizedClient, "Your client isn't allowed to refresh tokens.")
		assert.Equal(t, apierror.CodeUnauthorizedClient, e.Code)

		_, err = f.grants.Handle(ctx, f.self(t, f.app), form("grant_type", "refresh_token", "refresh_token", "lite-refresh"))
		requireAPIError(t, err, apierror.KindAccessDenied, "Unrecognised refresh token")

		expired := f.now.Add(-time.Second)
		oldHash := codec.Hash("old-refresh")
		require.NoError(t, f.tokenRepo.Create(ctx, &models.Token{
			ID: "t-old", AccessTokenHash: codec.Hash("b"), RefreshTokenHash: &oldHash,
			ClientID: "lite", AccountID: "lite", GrantedAt: f.now.Add(-time.Hour),
			RefreshAt: expired, ExpireAt: &expired,
		}))
		_, err = f.grants.Handle(ctx, caller, form("grant_type", "refresh_token", "refresh_token", "old-refresh"))
		requireAPIError(t, err, apierror.KindAccessDenied, "The token has expired")
	})
}

func TestConsent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.self(t, f.alice)
	valid := AuthorizeRequest{ClientID: "app", RedirectURI: redirectURI, Scope: "/write"}

	t.Run("valid request", func(t *testing.T) {
		c, err := f.grants.Consent(ctx, alice, AuthorizeRequest{
			ClientID: "app", RedirectURI: redirectURI, Scope: "loans /library/loans /read",
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"/library/loans", "/read"}, c.ScopeIDs())
		assert.Equal(t, int64(1001), c.UserID)
	})

	t.Run("requires an authenticated user", func(t *testing.T) {
		_, err := f.grants.Consent(ctx, nil, valid)
		var apiErr *apierror.Error
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, apierror.KindUnauthenticated, apiErr.Kind)

		_, err = f.grants.Consent(ctx, f.self(t, f.app), valid)
		requireAPIError(t, err, apierror.KindForbidden, "There is no user associated with the account you logged in with.")

		narrowed := *alice
		narrowed.Scopes = models.StringList{"/library/loans"}
		_, err = f.grants.Consent(ctx, &narrowed, valid)
		require.Error(t, err)
		assert.Equal(t, apierror.KindForbidden, apierror.From(err).Kind)
	})

	cases := []struct {
		name        string
		req         AuthorizeRequest
		kind        apierror.Kind
		description string
	}{
		{"missing client", AuthorizeRequest{RedirectURI: redirectURI}, apierror.KindInvalidRequest, "No client_id parameter provided."},
		{"unknown client", AuthorizeRequest{ClientID: "ghost", RedirectURI: redirectURI}, apierror.KindInvalidRequest, "Couldn't find client"},
		{"client without code grant", AuthorizeRequest{ClientID: "lite", RedirectURI: redirectURI}, apierror.KindInvalidRequest, "The client is not allowed to request authorization."},
		{"missing redirect", AuthorizeRequest{ClientID: "app"}, apierror.KindInvalidRequest, "The redirect_uri parameter was missing."},
		{"unregistered redirect", AuthorizeRequest{ClientID: "app", RedirectURI: "https://evil.example.org/"}, apierror.KindInvalidRequest, "The redirect_uri parameter was incorrect."},
		{"unknown scope", AuthorizeRequest{ClientID: "app", RedirectURI: redirectURI, Scope: "/nope"}, apierror.KindInvalidRequest, "Invalid scope: /nope"},
		{"scope not permissible", AuthorizeRequest{ClientID: "app", RedirectURI: redirectURI, Scope: "/admin /write"}, apierror.KindForbidden, "The client requested scopes it wasn't entitled to (/admin)."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.grants.Consent(ctx, alice, tc.req)
			requireAPIError(t, err, tc.kind, tc.description)
		})
	}
}

func TestReject(t *testing.T) {
	f := newFixture(t)
	location, err := f.grants.Reject(&Consent{RedirectURI: redirectURI + "?keep=1", State: "s1"})
	require.NoError(t, err)
	u, err := url.Parse(location)
	require.NoError(t, err)
	assert.Equal(t, "access_denied", u.Query().Get("error"))
	assert.Equal(t, "s1", u.Query().Get("state"))
	assert.Equal(t, "1", u.Query().Get("keep"))
}
