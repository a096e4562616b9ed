package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"

	"github.com/ox-it/apiox-core/internal/auth"
	"github.com/ox-it/apiox-core/internal/db/bunx"
	"github.com/ox-it/apiox-core/internal/db/models"
	"github.com/ox-it/apiox-core/internal/migrations"
	"github.com/ox-it/apiox-core/internal/proxy"
	"github.com/ox-it/apiox-core/internal/repository"
	"github.com/ox-it/apiox-core/internal/services/authn"
	"github.com/ox-it/apiox-core/internal/services/oauth2"
	"github.com/ox-it/apiox-core/internal/services/principal"
	"github.com/ox-it/apiox-core/internal/services/scope"
	"github.com/ox-it/apiox-core/internal/services/token"
	"github.com/ox-it/apiox-core/internal/telemetry"
	"github.com/ox-it/apiox-core/internal/ui"
)

const (
	appSecret   = "app-secret"
	aliceSecret = "alice-secret"
	rootSecret  = "root-secret"
	bobSecret   = "bob-secret"
	callbackURL = "https://app.example.org/callback"
)

var dbCounter atomic.Int64

type testServer struct {
	handler    http.Handler
	db         *bun.DB
	principals *repository.BunPrincipalRepository
	catalog    *scope.Catalog
	codec      *auth.Codec
}

func setupTestDB(t *testing.T) *bun.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := bunx.NewDB(fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbCounter.Add(1)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	migrator := migrate.NewMigrator(db, migrations.Migrations)
	require.NoError(t, migrator.Init(ctx))
	_, err = migrator.Migrate(ctx)
	require.NoError(t, err)
	return db
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	db := setupTestDB(t)
	codec := auth.NewCodec("pepper")

	principalRepo := repository.NewBunPrincipalRepository(db)
	grantRepo := repository.NewBunScopeGrantRepository(db)
	tokenRepo := repository.NewBunTokenRepository(db)
	codeRepo := repository.NewBunAuthorizationCodeRepository(db)
	apiRepo := repository.NewBunAPIRepository(db)

	catalog, err := scope.NewCatalog(ctx, repository.NewBunScopeRepository(db))
	require.NoError(t, err)
	resolver := scope.NewResolver(grantRepo, catalog, nil)
	tokens := token.NewService(tokenRepo, catalog, resolver, codec, nil)
	principals := principal.NewService(principalRepo, nil, "EXAMPLE.ORG", nil)

	secret := func(s string) *string { h := codec.Hash(s); return &h }
	uid := func(id int64) *int64 { return &id }
	for _, p := range []*models.Principal{
		{
			ID: "app", Name: "app/web@EXAMPLE.ORG", Type: models.PrincipalTypeService, Title: "Library app",
			SecretHash:   secret(appSecret),
			RedirectURIs: models.StringList{callbackURL},
			AllowedGrantTypes: models.StringList{
				models.GrantTypeAuthorizationCode, models.GrantTypeClientCredentials, models.GrantTypeRefreshToken,
			},
			Administrators: models.Int64List{2002},
		},
		{ID: "alice", Name: "alice@EXAMPLE.ORG", Type: models.PrincipalTypeUser, UserID: uid(1001), SecretHash: secret(aliceSecret)},
		{ID: "root", Name: "root/admin@EXAMPLE.ORG", Type: models.PrincipalTypeRoot, UserID: uid(1), SecretHash: secret(rootSecret)},
		{ID: "bob", Name: "bob@EXAMPLE.ORG", Type: models.PrincipalTypeUser, UserID: uid(2002), SecretHash: secret(bobSecret)},
	} {
		p.CreatedAt = time.Now().UTC()
		require.NoError(t, principalRepo.Create(ctx, p))
	}
	for clientID, scopes := range map[string]models.StringList{
		"app":  {scope.OAuth2Client},
		"root": {scope.OAuth2ManageAPI, scope.OAuth2ManageClient},
		"bob":  {scope.OAuth2ManageClient},
	} {
		require.NoError(t, grantRepo.Create(ctx, &models.ScopeGrant{
			ID:        bunx.NewUUIDv7(),
			Kind:      models.GrantKindImplicit,
			ClientID:  clientID,
			Scopes:    scopes,
			GrantedAt: time.Now().UTC().Add(-time.Hour),
		}))
	}

	negotiator := authn.NewNegotiator(nil, nil,
		authn.NewBearer("API", tokens),
		authn.NewBasic("API", codec, principals, tokens),
	)
	metrics := telemetry.NewMetrics()
	grants := oauth2.NewGrants(tokens, tokenRepo, codeRepo, principalRepo, resolver, catalog, nil).
		WithChallenges(negotiator.Challenges()).
		WithMetrics(metrics)
	dispatcher, err := proxy.NewDispatcher(apiRepo, negotiator, nil, proxy.Options{Timeout: 5 * time.Second}, nil)
	require.NoError(t, err)
	renderer, err := ui.NewRenderer()
	require.NoError(t, err)

	handler, err := NewRouter(RouterOptions{
		Grants:      grants,
		Negotiator:  negotiator,
		Principals:  principalRepo,
		APIs:        apiRepo,
		Catalog:     catalog,
		Renderer:    renderer,
		Dispatcher:  dispatcher,
		Metrics:     metrics,
		BaseURL:     "https://api.example.org",
		Version:     "test",
		ClientRealm: "EXAMPLE.ORG",
		HealthCheck: func(ctx context.Context) error {
			return db.PingContext(ctx)
		},
	})
	require.NoError(t, err)

	return &testServer{handler: handler, db: db, principals: principalRepo, catalog: catalog, codec: codec}
}

func basic(id, secret string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(id+":"+secret))
}

type call struct {
	method  string
	path    string
	authz   string
	form    url.Values
	body    string
	cookies []*http.Cookie
	accept  string
	header  http.Header
}

func (s *testServer) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	switch {
	case c.form != nil:
		body = strings.NewReader(c.form.Encode())
	case c.body != "":
		body = strings.NewReader(c.body)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	if c.form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else if c.body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authz != "" {
		req.Header.Set("Authorization", c.authz)
	}
	if c.accept != "" {
		req.Header.Set("Accept", c.accept)
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestToken_ClientCredentialsThenDetails(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, call{
		method: http.MethodPost, path: "/token", authz: basic("app", appSecret),
		form: url.Values{"grant_type": {"client_credentials"}, "scopes": {scope.OAuth2Client + " /nope"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no-cache", rec.Header().Get("Pragma"))

	var issued oauth2.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issued))
	assert.Equal(t, []string{scope.OAuth2Client}, issued.Scopes)
	assert.Equal(t, "bearer", issued.TokenType)
	assert.NotEmpty(t, issued.AccessToken)
	assert.Empty(t, issued.RefreshToken)
	assert.Positive(t, issued.ExpiresIn)

	for _, path := range []string{"/token-details", "/token/self"} {
		rec = s.do(t, call{method: http.MethodGet, path: path, authz: "Bearer " + issued.AccessToken})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body := decode(t, rec)
		assert.Equal(t, []any{scope.OAuth2Client}, body["scopes"])
		embedded := body["_embedded"].(map[string]any)
		assert.Equal(t, "app", embedded["client"].(map[string]any)["id"])
		assert.Equal(t, "service", embedded["account"].(map[string]any)["type"])
	}
}

func TestToken_Errors(t *testing.T) {
	s := newTestServer(t)

	t.Run("no credentials", func(t *testing.T) {
		rec := s.do(t, call{method: http.MethodPost, path: "/token", form: url.Values{"grant_type": {"client_credentials"}}})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.NotEmpty(t, rec.Header().Values("WWW-Authenticate"))
	})

	t.Run("bad secret", func(t *testing.T) {
		rec := s.do(t, call{method: http.MethodPost, path: "/token", authz: basic("app", "wrong"), form: url.Values{"grant_type": {"client_credentials"}}})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unsupported grant echoes state", func(t *testing.T) {
		rec := s.do(t, call{
			method: http.MethodPost, path: "/token", authz: basic("app", appSecret),
			form: url.Values{"grant_type": {"password"}, "state": {"xyz"}},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "unsupported_grant_type", body["error"])
		assert.Equal(t, "xyz", body["state"])
	})

	t.Run("not a client", func(t *testing.T) {
		rec := s.do(t, call{method: http.MethodPost, path: "/token", authz: basic("alice", aliceSecret), form: url.Values{"grant_type": {"client_credentials"}}})
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "unauthorized_client", decode(t, rec)["error"])
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := s.do(t, call{method: http.MethodGet, path: "/token"})
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func consentQuery(state string) url.Values {
	return url.Values{"client_id": {"app"}, "redirect_uri": {callbackURL}, "state": {state}}
}

func TestAuthorize_ApproveAndRedeem(t *testing.T) {
	s := newTestServer(t)
	alice := basic("alice", aliceSecret)

	rec := s.do(t, call{method: http.MethodGet, path: "/authorize?" + consentQuery("s1").Encode(), authz: alice})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Library app")

	var csrf *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == CSRFCookie {
			csrf = c
		}
	}
	require.NotNil(t, csrf)
	assert.True(t, csrf.HttpOnly)
	assert.Contains(t, rec.Body.String(), csrf.Value)

	form := consentQuery("s1")
	form.Set("csrf_token", csrf.Value)
	form.Set("approve", "1")
	rec = s.do(t, call{method: http.MethodPost, path: "/authorize", authz: alice, form: form, cookies: []*http.Cookie{csrf}})
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "app.example.org", loc.Host)
	assert.Equal(t, "s1", loc.Query().Get("state"))
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)

	redeem := url.Values{"grant_type": {"authorization_code"}, "code": {code}, "redirect_uri": {callbackURL}}
	rec = s.do(t, call{method: http.MethodPost, path: "/token", authz: basic("app", appSecret), form: redeem})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var issued oauth2.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issued))
	assert.NotEmpty(t, issued.AccessToken)
	assert.NotEmpty(t, issued.RefreshToken)

	details := s.do(t, call{method: http.MethodGet, path: "/token-details", authz: "Bearer " + issued.AccessToken})
	require.Equal(t, http.StatusOK, details.Code)
	account := decode(t, details)["_embedded"].(map[string]any)["account"].(map[string]any)
	assert.Equal(t, "alice", account["id"])
	assert.EqualValues(t, 1001, account["userId"])

	// Codes convert once.
	rec = s.do(t, call{method: http.MethodPost, path: "/token", authz: basic("app", appSecret), form: redeem})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Unrecognised authorization code", decode(t, rec)["error_description"])
}

// delegatedToken has the given person approve app at the consent page and
// returns the access token app redeems the code for.
func (s *testServer) delegatedToken(t *testing.T, id, secret string) string {
	t.Helper()
	user := basic(id, secret)
	rec := s.do(t, call{method: http.MethodGet, path: "/authorize?" + consentQuery("d").Encode(), authz: user})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var csrf *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == CSRFCookie {
			csrf = c
		}
	}
	require.NotNil(t, csrf)

	form := consentQuery("d")
	form.Set("csrf_token", csrf.Value)
	form.Set("approve", "1")
	rec = s.do(t, call{method: http.MethodPost, path: "/authorize", authz: user, form: form, cookies: []*http.Cookie{csrf}})
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)

	redeem := url.Values{"grant_type": {"authorization_code"}, "code": {loc.Query().Get("code")}, "redirect_uri": {callbackURL}}
	rec = s.do(t, call{method: http.MethodPost, path: "/token", authz: basic("app", appSecret), form: redeem})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var issued oauth2.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issued))
	require.NotContains(t, issued.Scopes, scope.OAuth2ManageAPI)
	require.NotContains(t, issued.Scopes, scope.OAuth2ManageClient)
	return "Bearer " + issued.AccessToken
}

func TestAuthorize_Reject(t *testing.T) {
	s := newTestServer(t)
	csrf := &http.Cookie{Name: CSRFCookie, Value: "known"}
	form := consentQuery("s2")
	form.Set("csrf_token", "known")
	form.Set("reject", "1")

	rec := s.do(t, call{method: http.MethodPost, path: "/authorize", authz: basic("alice", aliceSecret), form: form, cookies: []*http.Cookie{csrf}})
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "access_denied", loc.Query().Get("error"))
	assert.Equal(t, "s2", loc.Query().Get("state"))
	assert.Empty(t, loc.Query().Get("code"))
}

func TestAuthorize_Failures(t *testing.T) {
	s := newTestServer(t)
	alice := basic("alice", aliceSecret)

	t.Run("unauthenticated", func(t *testing.T) {
		rec := s.do(t, call{method: http.MethodGet, path: "/authorize?" + consentQuery("").Encode()})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.NotEmpty(t, rec.Header().Values("WWW-Authenticate"))
	})

	t.Run("no user", func(t *testing.T) {
		rec := s.do(t, call{method: http.MethodGet, path: "/authorize?" + consentQuery("").Encode(), authz: basic("app", appSecret)})
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Contains(t, rec.Body.String(), "There is no user associated")
	})

	t.Run("unregistered redirect", func(t *testing.T) {
		q := consentQuery("")
		q.Set("redirect_uri", "https://evil.example.org/")
		rec := s.do(t, call{method: http.MethodGet, path: "/authorize?" + q.Encode(), authz: alice})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
		assert.Contains(t, rec.Body.String(), "The redirect_uri parameter was incorrect.")
	})

	t.Run("csrf mismatch", func(t *testing.T) {
		form := consentQuery("")
		form.Set("csrf_token", "forged")
		form.Set("approve", "1")
		rec := s.do(t, call{
			method: http.MethodPost, path: "/authorize", authz: alice, form: form,
			cookies: []*http.Cookie{{Name: CSRFCookie, Value: "real"}},
		})
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Empty(t, rec.Header().Get("Location"))
	})

	t.Run("missing cookie", func(t *testing.T) {
		form := consentQuery("")
		form.Set("csrf_token", "anything")
		form.Set("approve", "1")
		rec := s.do(t, call{method: http.MethodPost, path: "/authorize", authz: alice, form: form})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestClientSecret(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, call{method: http.MethodPost, path: "/client/app/secret", authz: basic("alice", aliceSecret)})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "You are not an administrator or do not have the required scope to manage clients.",
		decode(t, rec)["error_description"])

	rec = s.do(t, call{method: http.MethodPost, path: "/client/app/secret", authz: basic("app", appSecret)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-cache", rec.Header().Get("Pragma"))
	fresh := decode(t, rec)["secret"].(string)
	require.Len(t, fresh, auth.TokenLength)

	// The old secret stops working.
	rec = s.do(t, call{method: http.MethodGet, path: "/client/self", authz: basic("app", appSecret)})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, call{method: http.MethodGet, path: "/client/self", authz: basic("app", fresh)})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "app", body["id"])
	assert.Equal(t, true, body["hasSecret"])
	assert.Equal(t, "https://api.example.org/client/app", rec.Header().Get("Content-Location"))

	rec = s.do(t, call{method: http.MethodDelete, path: "/client/app/secret", authz: basic("app", fresh)})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	p, err := s.principals.GetByID(context.Background(), "app")
	require.NoError(t, err)
	assert.Nil(t, p.SecretHash)
}

func TestClientSecret_DelegatedTokens(t *testing.T) {
	s := newTestServer(t)
	rootViaApp := s.delegatedToken(t, "root", rootSecret)
	aliceViaApp := s.delegatedToken(t, "alice", aliceSecret)

	cases := []struct {
		name  string
		path  string
		authz string
	}{
		{"app acting for root on root", "/client/root/secret", rootViaApp},
		{"app acting for root on app", "/client/app/secret", rootViaApp},
		{"app acting for alice on alice", "/client/alice/secret", aliceViaApp},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, method := range []string{http.MethodPost, http.MethodDelete} {
				rec := s.do(t, call{method: method, path: tc.path, authz: tc.authz})
				assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
			}
			rec := s.do(t, call{method: http.MethodPut, path: strings.TrimSuffix(tc.path, "/secret"), authz: tc.authz, body: `{"title": "hijacked"}`})
			assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
		})
	}

	root, err := s.principals.GetByID(context.Background(), "root")
	require.NoError(t, err)
	require.NotNil(t, root.SecretHash)
	assert.Empty(t, root.Title)

	// Acting as itself, root may rotate its own secret.
	rec := s.do(t, call{method: http.MethodPost, path: "/client/root/secret", authz: basic("root", rootSecret)})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestClientManagement(t *testing.T) {
	s := newTestServer(t)
	bob := basic("bob", bobSecret)

	t.Run("requires scope and user", func(t *testing.T) {
		rec := s.do(t, call{method: http.MethodGet, path: "/client", authz: basic("alice", aliceSecret)})
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, []any{scope.OAuth2ManageClient}, decode(t, rec)["scopes"])

		rec = s.do(t, call{method: http.MethodPost, path: "/client", authz: basic("app", appSecret)})
		assert.Equal(t, http.StatusForbidden, rec.Code)

		rec = s.do(t, call{method: http.MethodGet, path: "/client"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("administrator manages app", func(t *testing.T) {
		rec := s.do(t, call{method: http.MethodGet, path: "/client", authz: bob})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		items := decode(t, rec)["_embedded"].(map[string]any)["item"].([]any)
		ids := make([]any, 0, len(items))
		for _, it := range items {
			ids = append(ids, it.(map[string]any)["id"])
		}
		assert.ElementsMatch(t, []any{"app", "bob"}, ids)

		rec = s.do(t, call{method: http.MethodPost, path: "/client/app/secret", authz: bob})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		rec = s.do(t, call{method: http.MethodPut, path: "/client/app", authz: bob, body: `{"title": "Library app v2", "redirectUris": ["https://app.example.org/v2"]}`})
		require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
		app, err := s.principals.GetByID(context.Background(), "app")
		require.NoError(t, err)
		assert.Equal(t, "Library app v2", app.Title)
		assert.Equal(t, models.StringList{"https://app.example.org/v2"}, app.RedirectURIs)
		assert.True(t, app.AllowsGrantType(models.GrantTypeClientCredentials), "unlisted fields unchanged")

		rec = s.do(t, call{method: http.MethodPut, path: "/client/app", authz: bob, body: `{"title": 7}`})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = s.do(t, call{method: http.MethodPut, path: "/client/root", authz: bob, body: `{"title": "mine"}`})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("create", func(t *testing.T) {
		rec := s.do(t, call{method: http.MethodPost, path: "/client", authz: bob, body: `{"title": "Bob's tool"}`})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		body := decode(t, rec)
		id := body["id"].(string)
		require.Len(t, id, auth.TokenLength)
		assert.Equal(t, "https://api.example.org/client/"+id, rec.Header().Get("Location"))
		assert.Equal(t, "client/"+id+"@EXAMPLE.ORG", body["name"])
		assert.Equal(t, "service", body["type"])
		assert.Equal(t, false, body["hasSecret"])

		created, err := s.principals.GetByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, "Bob's tool", created.Title)
		assert.Equal(t, models.Int64List{2002}, created.Administrators)

		rec = s.do(t, call{method: http.MethodPost, path: "/client/" + id + "/secret", authz: bob})
		require.Equal(t, http.StatusOK, rec.Code)
		secret := decode(t, rec)["secret"].(string)
		rec = s.do(t, call{method: http.MethodGet, path: "/client/self", authz: basic(id, secret)})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "Bob's tool", decode(t, rec)["title"])
	})
}

func TestClientDetail(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, call{method: http.MethodGet, path: "/client/app"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, call{method: http.MethodGet, path: "/client/app", authz: basic("alice", aliceSecret)})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, []any{callbackURL}, body["redirectUris"])

	rec = s.do(t, call{method: http.MethodGet, path: "/client/ghost", authz: basic("alice", aliceSecret)})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

const libraryDefinition = `{
  "title": "Library",
  "base": %q,
  "requireAuth": true,
  "scopes": [
    {"id": "/library/read", "title": "Read the catalogue", "aliases": ["library-read"]},
    {"id": "/library/loans", "title": "Your loans", "grantedToUser": true}
  ],
  "paths": [
    {"sourcePath": "^/items/(\\d+)$", "targetPath": "v1/items/$1", "requireScope": "/library/read"},
    {"sourcePath": "^/status$", "targetPath": "status", "requireAuth": false}
  ]
}`

func TestAPIRegistry(t *testing.T) {
	s := newTestServer(t)
	root := basic("root", rootSecret)
	def := fmt.Sprintf(libraryDefinition, "http://upstream.invalid/")

	t.Run("requires administrator", func(t *testing.T) {
		rec := s.do(t, call{method: http.MethodPut, path: "/api/library", authz: basic("app", appSecret), body: def})
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "You are not an administrator or do not have the required scope to manage APIs.",
			decode(t, rec)["error_description"])
		rec = s.do(t, call{method: http.MethodPut, path: "/api/library", body: def})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("delegated administrator token lacks scope", func(t *testing.T) {
		rootViaApp := s.delegatedToken(t, "root", rootSecret)
		rec := s.do(t, call{method: http.MethodPut, path: "/api/library", authz: rootViaApp, body: def})
		assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
		rec = s.do(t, call{method: http.MethodDelete, path: "/api/library", authz: rootViaApp})
		assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
		rec = s.do(t, call{method: http.MethodGet, path: "/api/library", authz: rootViaApp})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("validation", func(t *testing.T) {
		cases := []struct {
			name   string
			path   string
			body   string
			status int
		}{
			{"reserved id", "/api/token", `{"title": "x"}`, http.StatusConflict},
			{"not json", "/api/library", `{`, http.StatusBadRequest},
			{"missing title", "/api/library", `{}`, http.StatusBadRequest},
			{"bad role", "/api/library", `{"title": "x", "requireRole": ["Root"]}`, http.StatusBadRequest},
			{"id mismatch", "/api/library", `{"id": "other", "title": "x"}`, http.StatusConflict},
			{"foreign scope", "/api/library", `{"title": "x", "scopes": [{"id": "/other/read", "title": "r"}]}`, http.StatusConflict},
			{"bad regex", "/api/library", `{"title": "x", "paths": [{"sourcePath": "(", "targetPath": ""}]}`, http.StatusBadRequest},
			{"alias clash", "/api/library", `{"title": "x", "scopes": [{"id": "/library/r", "title": "r", "aliases": ["/oauth2/client"]}]}`, http.StatusConflict},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				rec := s.do(t, call{method: http.MethodPut, path: tc.path, authz: root, body: tc.body})
				assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			})
		}
	})

	rec := s.do(t, call{method: http.MethodPut, path: "/api/library", authz: root, body: def})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	read, ok := s.catalog.Get("library-read")
	require.True(t, ok, "catalog refreshed after PUT")
	assert.Equal(t, "/library/read", read.ID)

	rec = s.do(t, call{method: http.MethodGet, path: "/api/library", authz: root})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Library", body["title"])
	assert.Equal(t, true, body["mayAdministrate"])
	assert.Equal(t, true, body["advertise"])
	paths := body["paths"].([]any)
	require.Len(t, paths, 2)
	assert.Equal(t, []any{"/library/read"}, paths[0].(map[string]any)["requireScope"])

	rec = s.do(t, call{method: http.MethodGet, path: "/api"})
	require.Equal(t, http.StatusOK, rec.Code)
	items := decode(t, rec)["_embedded"].(map[string]any)["api-definition"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, false, items[0].(map[string]any)["mayAdministrate"])

	rec = s.do(t, call{method: http.MethodGet, path: "/api/library", authz: s.delegatedToken(t, "root", rootSecret)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["mayAdministrate"])

	rec = s.do(t, call{method: http.MethodDelete, path: "/api/library", authz: root})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, ok = s.catalog.Get("/library/read")
	assert.False(t, ok)

	rec = s.do(t, call{method: http.MethodGet, path: "/api/library"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(t, call{method: http.MethodDelete, path: "/api/library", authz: root})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProxyCatchAll(t *testing.T) {
	var seen atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.URL.Path + "|" + r.Header.Get(proxy.HeaderClient))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	s := newTestServer(t)
	def := fmt.Sprintf(libraryDefinition, upstream.URL+"/")
	rec := s.do(t, call{method: http.MethodPut, path: "/api/library", authz: basic("root", rootSecret), body: def})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = s.do(t, call{method: http.MethodGet, path: "/library/status"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "/status|", seen.Load())

	rec = s.do(t, call{method: http.MethodGet, path: "/library/items/7"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, call{method: http.MethodGet, path: "/library/items/7", authz: basic("app", appSecret)})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, []any{"/library/read"}, decode(t, rec)["scopes"])

	rec = s.do(t, call{method: http.MethodGet, path: "/nowhere/items/7"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProxy_ForwardedForIsSocketPeer(t *testing.T) {
	var forwarded atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forwarded.Store(r.Header.Get("X-Forwarded-For") + "|" + r.Header.Get("True-Client-IP"))
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	s := newTestServer(t)
	def := fmt.Sprintf(libraryDefinition, upstream.URL+"/")
	rec := s.do(t, call{method: http.MethodPut, path: "/api/library", authz: basic("root", rootSecret), body: def})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	spoofed := http.Header{}
	spoofed.Set("True-Client-IP", "198.51.100.66")
	spoofed.Set("X-Real-IP", "198.51.100.66")
	spoofed.Set("X-Forwarded-For", "198.51.100.66")
	rec = s.do(t, call{method: http.MethodGet, path: "/library/status", header: spoofed})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	// httptest requests come from 192.0.2.1, which is not a trusted proxy.
	assert.Equal(t, "192.0.2.1|", forwarded.Load())
}

func TestIndexHealthMetrics(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, call{method: http.MethodGet, path: "/"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "test", body["version"])
	links := body["_links"].(map[string]any)
	assert.Equal(t, "https://api.example.org/token", links["oauth2:token"].(map[string]any)["href"])

	rec = s.do(t, call{method: http.MethodGet, path: "/", accept: "text/html,application/xhtml+xml"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")

	rec = s.do(t, call{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = s.do(t, call{method: http.MethodGet, path: "/metrics"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "apiox_http_requests_total")

	require.NoError(t, s.db.Close())
	rec = s.do(t, call{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPrefersHTML(t *testing.T) {
	cases := map[string]bool{
		"":                                false,
		"application/json":                false,
		"text/html":                       true,
		"text/html, application/json":     true,
		"application/json, text/html;q=0": false,
	}
	for accept, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Accept", accept)
		assert.Equal(t, want, prefersHTML(req), accept)
	}
}
