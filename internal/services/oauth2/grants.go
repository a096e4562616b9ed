// Package oauth2 implements the token endpoint grant types and the
// authorization-code consent flow.
package oauth2

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ox-it/apiox-core/internal/apierror"
	"github.com/ox-it/apiox-core/internal/auth"
	"github.com/ox-it/apiox-core/internal/db/models"
	"github.com/ox-it/apiox-core/internal/repository"
	"github.com/ox-it/apiox-core/internal/services/scope"
	"github.com/ox-it/apiox-core/internal/services/token"
	"github.com/ox-it/apiox-core/internal/telemetry"
)

const tracerName = "apiox/services/oauth2"

// TokenResponse is the success body of the token endpoint.
type TokenResponse struct {
	Scopes       []string `json:"scopes"`
	ExpiresIn    int      `json:"expires_in"`
	TokenType    string   `json:"token_type"`
	TokenID      string   `json:"token_id"`
	AccessToken  string   `json:"access_token,omitempty"`
	RefreshToken string   `json:"refresh_token,omitempty"`
}

// GrantFunc handles one grant type for an authenticated caller.
type GrantFunc func(ctx context.Context, caller *models.Token, form url.Values) (*TokenResponse, error)

// Grants dispatches token requests to grant handlers.
type Grants struct {
	tokens     *token.Service
	tokenRepo  repository.TokenRepository
	codes      repository.AuthorizationCodeRepository
	principals repository.PrincipalRepository
	resolver   *scope.Resolver
	catalog    *scope.Catalog
	metrics    *telemetry.Metrics
	logger     *zap.Logger
	challenges []string
	now        func() time.Time

	handlers map[string]GrantFunc
}

// NewGrants wires the three standard grant types.
func NewGrants(
	tokens *token.Service,
	tokenRepo repository.TokenRepository,
	codes repository.AuthorizationCodeRepository,
	principals repository.PrincipalRepository,
	resolver *scope.Resolver,
	catalog *scope.Catalog,
	logger *zap.Logger,
) *Grants {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Grants{
		tokens:     tokens,
		tokenRepo:  tokenRepo,
		codes:      codes,
		principals: principals,
		resolver:   resolver,
		catalog:    catalog,
		logger:     logger.Named("oauth2"),
		now:        time.Now,
	}
	g.handlers = map[string]GrantFunc{
		models.GrantTypeClientCredentials: g.clientCredentials,
		models.GrantTypeAuthorizationCode: g.authorizationCode,
		models.GrantTypeRefreshToken:      g.refreshToken,
	}
	return g
}

// WithMetrics records issued tokens per grant type.
func (g *Grants) WithMetrics(m *telemetry.Metrics) *Grants {
	g.metrics = m
	return g
}

// WithChallenges sets the WWW-Authenticate values sent when the caller did
// not authenticate.
func (g *Grants) WithChallenges(challenges []string) *Grants {
	g.challenges = append([]string(nil), challenges...)
	return g
}

// WithClock overrides the time source.
func (g *Grants) WithClock(now func() time.Time) *Grants {
	g.now = now
	return g
}

// Codec is the secret codec shared with the token service.
func (g *Grants) Codec() *auth.Codec {
	return g.tokens.Codec()
}

// Handle runs the grant named by the grant_type form field. caller is the
// token the client authenticated with, or nil.
func (g *Grants) Handle(ctx context.Context, caller *models.Token, form url.Values) (*TokenResponse, error) {
	grantType := form.Get("grant_type")
	if grantType == "" {
		return nil, apierror.InvalidRequest("Missing grant_type parameter.")
	}
	handler, ok := g.handlers[grantType]
	if !ok {
		return nil, apierror.UnsupportedGrantType("That grant type is not supported.")
	}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "oauth2.Grant",
		attribute.String(telemetry.AttrGrantType, grantType),
	)
	defer span.End()

	if err := g.requireClient(caller); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String(telemetry.AttrClientID, caller.ClientID))

	resp, err := handler(ctx, caller, form)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	g.metrics.TokenIssued(grantType)
	g.logger.Info("token granted",
		zap.String("grant_type", grantType),
		zap.String("client_id", caller.ClientID),
		zap.String("token_id", resp.TokenID),
		zap.Strings("scopes", resp.Scopes),
	)
	return resp, nil
}

func (g *Grants) requireClient(caller *models.Token) error {
	if caller == nil {
		return apierror.Unauthenticated(g.challenges)
	}
	if !caller.HasScope(scope.OAuth2Client) {
		return apierror.UnauthorizedClient("Your client isn't registered as an OAuth2 client.")
	}
	return nil
}

func (g *Grants) response(issued *token.Issued) *TokenResponse {
	scopes := append([]string{}, issued.Token.Scopes...)
	return &TokenResponse{
		Scopes:       scopes,
		ExpiresIn:    issued.ExpiresIn(g.now()),
		TokenType:    "bearer",
		TokenID:      issued.Token.ID,
		AccessToken:  issued.AccessToken,
		RefreshToken: issued.RefreshToken,
	}
}

// determineScopes narrows the caller's scopes to the space-separated
// "scopes" field. Without it, the OAuth2 role scopes are dropped.
func determineScopes(caller *models.Token, form url.Values) []string {
	held := scope.NewSet(caller.Scopes...)
	if _, ok := form["scopes"]; ok {
		return held.Intersect(scope.NewSet(strings.Fields(form.Get("scopes"))...)).Sorted()
	}
	held.Remove(scope.OAuth2Client, scope.OAuth2User)
	return held.Sorted()
}

func (g *Grants) clientCredentials(ctx context.Context, caller *models.Token, form url.Values) (*TokenResponse, error) {
	if caller.AccountID != caller.ClientID {
		return nil, apierror.AccessDenied("Client and account must match")
	}
	issued, err := g.tokens.Issue(ctx, token.IssueRequest{
		Client:    caller.Client,
		Account:   caller.Account,
		UserID:    caller.UserID,
		Scopes:    determineScopes(caller, form),
		GrantedAt: g.now(),
		Expires:   token.DefaultExpiry(),
	})
	if err != nil {
		return nil, apierror.Internal(err)
	}
	return g.response(issued), nil
}

func (g *Grants) authorizationCode(ctx context.Context, caller *models.Token, form url.Values) (*TokenResponse, error) {
	code := form.Get("code")
	if code == "" {
		return nil, apierror.InvalidRequest("Missing `code` parameter")
	}
	hash := g.tokens.Codec().Hash(code)

	ac, err := g.codes.GetByHash(ctx, hash)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apierror.AccessDenied("Unrecognised authorization code")
	}
	if err != nil {
		return nil, apierror.Internal(err)
	}
	if ac.ClientID != caller.ClientID {
		return nil, apierror.AccessDenied("Unrecognised authorization code")
	}
	if ac.Expired(g.now()) {
		return nil, apierror.AccessDenied("The authorization code has expired")
	}
	if ac.RedirectURI != "" && ac.RedirectURI != form.Get("redirect_uri") {
		return nil, apierror.AccessDenied("Incorrect `redirect_uri` specified")
	}

	account, err := g.principals.GetByID(ctx, ac.AccountID)
	if err != nil {
		return nil, apierror.Internal(fmt.Errorf("load code account: %w", err))
	}
	issued, err := g.tokens.Prepare(token.IssueRequest{
		Client:      caller.Client,
		Account:     account,
		UserID:      ac.UserID,
		Scopes:      ac.Scopes,
		GrantedAt:   ac.GrantedAt,
		Expires:     token.ExpireAt(ac.TokenExpireAt),
		Refreshable: true,
	})
	if err != nil {
		return nil, apierror.Internal(err)
	}
	if err := g.codes.Redeem(ctx, hash, issued.Token); err != nil {
		if errors.Is(err, repository.ErrAlreadyRedeemed) {
			return nil, apierror.AccessDenied("Unrecognised authorization code")
		}
		return nil, apierror.Internal(err)
	}
	return g.response(issued), nil
}

func (g *Grants) refreshToken(ctx context.Context, caller *models.Token, form url.Values) (*TokenResponse, error) {
	secret := form.Get("refresh_token")
	if secret == "" {
		return nil, apierror.InvalidRequest("Missing `refresh_token` parameter")
	}
	t, err := g.tokenRepo.GetByRefreshHash(ctx, g.tokens.Codec().Hash(secret))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apierror.AccessDenied("Unrecognised refresh token")
	}
	if err != nil {
		return nil, apierror.Internal(err)
	}
	if t.ClientID != caller.ClientID {
		return nil, apierror.AccessDenied("Unrecognised refresh token")
	}
	if t.HardExpired(g.now()) {
		return nil, apierror.AccessDenied("The token has expired")
	}

	issued, err := g.tokens.Refresh(ctx, t, strings.Fields(form.Get("scope")))
	if errors.Is(err, token.ErrRefreshNotAllowed) {
		return nil, apierror.UnauthorizedClient("Your client isn't allowed to refresh tokens.")
	}
	if err != nil {
		return nil, apierror.Internal(err)
	}
	return g.response(issued), nil
}
