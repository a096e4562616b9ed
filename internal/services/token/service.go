package token

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ox-it/apiox-core/internal/auth"
	"github.com/ox-it/apiox-core/internal/db/models"
	"github.com/ox-it/apiox-core/internal/repository"
	"github.com/ox-it/apiox-core/internal/services/scope"
	"github.com/ox-it/apiox-core/internal/telemetry"
)

const tracerName = "apiox/services/token"

var (
	// ErrNotFound means no token matches the presented secret.
	ErrNotFound = errors.New("no such token")
	// ErrExpired means the token's refresh-at has passed.
	ErrExpired = errors.New("token expired")
	// ErrOverused means a finite-use token has no uses left.
	ErrOverused = errors.New("token usage limit exceeded")
	// ErrRefreshNotAllowed means the token's client may not use the
	// refresh_token grant.
	ErrRefreshNotAllowed = errors.New("client may not refresh tokens")
)

// IssueRequest describes a token to create.
type IssueRequest struct {
	Client    *models.Principal
	Account   *models.Principal
	UserID    *int64
	Scopes    []string
	GrantedAt time.Time // zero means now
	Expires   Expiry
	// Refreshable tokens receive a refresh secret when the client allows
	// the refresh_token grant and the token is not at its ceiling.
	Refreshable   bool
	RemainingUses *int
	ParentID      *string
}

// Issued is a token together with its one-time plaintext secrets.
type Issued struct {
	Token        *models.Token
	AccessToken  string
	RefreshToken string // empty when no refresh secret was issued
}

// ExpiresIn returns the whole seconds until the token must be refreshed.
func (i *Issued) ExpiresIn(now time.Time) int {
	return int(math.Round(i.Token.RefreshAt.Sub(now).Seconds()))
}

// Service issues, refreshes and authenticates tokens.
type Service struct {
	repo     repository.TokenRepository
	catalog  *scope.Catalog
	resolver *scope.Resolver
	codec    *auth.Codec
	logger   *zap.Logger
	now      func() time.Time
}

// NewService constructs a token service.
func NewService(repo repository.TokenRepository, catalog *scope.Catalog, resolver *scope.Resolver, codec *auth.Codec, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:     repo,
		catalog:  catalog,
		resolver: resolver,
		codec:    codec,
		logger:   logger.Named("token"),
		now:      time.Now,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Codec returns the codec used to hash secrets.
func (s *Service) Codec() *auth.Codec {
	return s.codec
}

// Prepare builds a token and its secrets without persisting it.
func (s *Service) Prepare(req IssueRequest) (*Issued, error) {
	now := s.now()
	grantedAt := req.GrantedAt
	if grantedAt.IsZero() {
		grantedAt = now
	}
	id, err := auth.GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("generate token id: %w", err)
	}
	access, accessHash, err := s.codec.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate access token: %w", err)
	}

	t := &models.Token{
		ID:              id,
		AccessTokenHash: accessHash,
		ClientID:        req.Client.ID,
		AccountID:       req.Account.ID,
		UserID:          req.UserID,
		GrantedAt:       grantedAt,
		ExpireAt:        req.Expires.resolve(now),
		RemainingUses:   req.RemainingUses,
		ParentID:        req.ParentID,
		Client:          req.Client,
		Account:         req.Account,
	}
	t.SetScopes(req.Scopes)

	refresh, err := s.setRefresh(t, req.Client, req.Refreshable, now)
	if err != nil {
		return nil, err
	}
	t.ClearDirty()
	return &Issued{Token: t, AccessToken: access, RefreshToken: refresh}, nil
}

// Issue creates and persists a token.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*Issued, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "token.Issue",
		attribute.String(telemetry.AttrClientID, req.Client.ID),
		attribute.String(telemetry.AttrAccountID, req.Account.ID),
	)
	defer span.End()

	issued, err := s.Prepare(req)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if err := s.repo.Create(ctx, issued.Token); err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("create token: %w", err)
	}
	span.SetAttributes(attribute.String(telemetry.AttrTokenID, issued.Token.ID))
	s.logger.Debug("issued token",
		zap.String("token_id", issued.Token.ID),
		zap.String("client_id", req.Client.ID),
		zap.String("account_id", req.Account.ID),
		zap.Strings("scopes", issued.Token.Scopes),
		zap.String("access_fingerprint", auth.Fingerprint(issued.Token.AccessTokenHash)),
	)
	return issued, nil
}

// Refresh rotates the access secret of t, optionally narrowing its scopes,
// and persists only the columns that changed. t.Client must be loaded.
func (s *Service) Refresh(ctx context.Context, t *models.Token, requested []string) (*Issued, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "token.Refresh",
		attribute.String(telemetry.AttrTokenID, t.ID),
	)
	defer span.End()

	if t.Client == nil || !t.Client.AllowsGrantType(models.GrantTypeRefreshToken) {
		return nil, ErrRefreshNotAllowed
	}

	now := s.now()
	if len(requested) > 0 {
		narrowed := scope.NewSet(t.Scopes...).Intersect(scope.NewSet(requested...))
		t.SetScopes(narrowed.Sorted())
	}
	access, accessHash, err := s.codec.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate access token: %w", err)
	}
	t.SetAccessTokenHash(accessHash)

	refresh, err := s.setRefresh(t, t.Client, true, now)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, t); err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("save token: %w", err)
	}
	return &Issued{Token: t, AccessToken: access, RefreshToken: refresh}, nil
}

// setRefresh recomputes refresh-at, trims scopes whose lifetime has run out
// and issues a new refresh secret when allowed. It returns the plaintext
// refresh secret, or "" when none was issued.
func (s *Service) setRefresh(t *models.Token, client *models.Principal, refreshable bool, now time.Time) (string, error) {
	refreshAt := now.Add(DefaultLifetime)
	aliveFor := now.Sub(t.GrantedAt)

	kept := make([]string, 0, len(t.Scopes))
	for _, id := range t.Scopes {
		sc, ok := s.catalog.Get(id)
		if !ok {
			continue
		}
		lifetime := sc.LifetimeDuration()
		if lifetime > 0 {
			if aliveFor > lifetime {
				continue
			}
			if lifetime < DefaultLifetime {
				if limit := t.GrantedAt.Add(lifetime); limit.Before(refreshAt) {
					refreshAt = limit
				}
			}
		}
		kept = append(kept, sc.ID)
	}
	t.SetScopes(scope.NewSet(kept...).Sorted())

	if t.ExpireAt != nil && !refreshAt.Before(*t.ExpireAt) {
		t.SetRefreshAt(*t.ExpireAt)
		t.SetRefreshTokenHash(nil)
		return "", nil
	}
	t.SetRefreshAt(refreshAt)

	if !refreshable || client == nil || !client.AllowsGrantType(models.GrantTypeRefreshToken) {
		t.SetRefreshTokenHash(nil)
		return "", nil
	}
	refresh, refreshHash, err := s.codec.Generate()
	if err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	t.SetRefreshTokenHash(&refreshHash)
	return refresh, nil
}

// Authenticate resolves a presented access secret to its token, consuming
// one use of a finite-use token.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*models.Token, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "token.Authenticate")
	defer span.End()

	t, err := s.repo.GetByAccessHash(ctx, s.codec.Hash(accessToken))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("get token: %w", err)
	}
	span.SetAttributes(attribute.String(telemetry.AttrTokenID, t.ID))

	if t.RemainingUses != nil {
		ok, err := s.repo.ConsumeUse(ctx, t.ID)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, fmt.Errorf("consume token use: %w", err)
		}
		if !ok {
			return nil, ErrOverused
		}
		remaining := *t.RemainingUses - 1
		t.RemainingUses = &remaining
	}
	if t.Expired(s.now()) {
		return nil, ErrExpired
	}
	return t, nil
}

// AsSelf synthesizes an unpersisted token for a principal acting as its own
// client, as happens after Basic, Negotiate or remote-user authentication.
func (s *Service) AsSelf(ctx context.Context, principal *models.Principal) (*models.Token, error) {
	scopes, err := s.resolver.SelfScopes(ctx, principal)
	if err != nil {
		return nil, err
	}
	now := s.now()
	t := &models.Token{
		ClientID:  principal.ID,
		AccountID: principal.ID,
		UserID:    principal.UserID,
		GrantedAt: now,
		RefreshAt: now.Add(DefaultLifetime),
		Client:    principal,
		Account:   principal,
		Ephemeral: true,
	}
	t.SetScopes(scopes.Sorted())
	t.ClearDirty()
	return t, nil
}
