// Package authn turns request credentials into an authenticated token and
// checks per-route authentication requirements.
package authn

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ox-it/apiox-core/internal/apierror"
	"github.com/ox-it/apiox-core/internal/auth"
	"github.com/ox-it/apiox-core/internal/db/models"
	"github.com/ox-it/apiox-core/internal/telemetry"
)

const tracerName = "apiox/services/authn"

// Scheme authenticates one kind of credential.
type Scheme interface {
	// Name identifies the scheme in logs and metrics.
	Name() string
	// Challenge is the WWW-Authenticate value offered when authentication
	// is required, or "" for schemes that are never advertised.
	Challenge() string
	// Authenticate returns (nil, nil) when the request carries no
	// credentials for this scheme. Schemes may set response headers.
	Authenticate(w http.ResponseWriter, r *http.Request) (*models.Token, error)
}

// TokenAuthenticator validates bearer secrets and synthesizes self tokens.
type TokenAuthenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*models.Token, error)
	AsSelf(ctx context.Context, principal *models.Principal) (*models.Token, error)
}

// PrincipalFinder resolves principals by ID or, creating on first sight, by name.
type PrincipalFinder interface {
	Get(ctx context.Context, id string) (*models.Principal, error)
	Lookup(ctx context.Context, name string) (*models.Principal, error)
}

// Negotiator runs the configured schemes in order. The first scheme that
// finds credentials decides the outcome.
type Negotiator struct {
	schemes    []Scheme
	challenges []string
	metrics    *telemetry.Metrics
	logger     *zap.Logger
}

// NewNegotiator creates a negotiator over schemes, tried in the given order.
func NewNegotiator(logger *zap.Logger, metrics *telemetry.Metrics, schemes ...Scheme) *Negotiator {
	if logger == nil {
		logger = zap.NewNop()
	}
	var challenges []string
	for _, s := range schemes {
		if c := s.Challenge(); c != "" {
			challenges = append(challenges, c)
		}
	}
	SortChallenges(challenges)
	return &Negotiator{schemes: schemes, challenges: challenges, metrics: metrics, logger: logger.Named("authn")}
}

// Challenges returns one WWW-Authenticate value per advertised scheme.
func (n *Negotiator) Challenges() []string {
	return append([]string(nil), n.challenges...)
}

// Authenticate returns the request's token, or nil when it carried no
// credentials. OPTIONS requests are never authenticated.
func (n *Negotiator) Authenticate(w http.ResponseWriter, r *http.Request) (*models.Token, error) {
	if r.Method == http.MethodOptions {
		return nil, nil
	}
	ctx, span := telemetry.StartSpan(r.Context(), tracerName, "authn.Authenticate")
	defer span.End()
	r = r.WithContext(ctx)

	for _, s := range n.schemes {
		tok, err := s.Authenticate(w, r)
		if err != nil {
			span.SetAttributes(attribute.String(telemetry.AttrAuthScheme, s.Name()))
			telemetry.RecordError(span, err)
			n.metrics.AuthAttempt(s.Name(), "failure")
			n.logger.Debug("authentication failed", zap.String("scheme", s.Name()), zap.Error(err))
			return nil, err
		}
		if tok != nil {
			span.SetAttributes(
				attribute.String(telemetry.AttrAuthScheme, s.Name()),
				attribute.String(telemetry.AttrClientID, tok.ClientID),
				attribute.String(telemetry.AttrAccountID, tok.AccountID),
			)
			n.metrics.AuthAttempt(s.Name(), "success")
			return tok, nil
		}
	}
	return nil, nil
}

// credentials returns the Authorization header's parameter when its scheme
// is scheme. Scheme names are case-insensitive.
func credentials(r *http.Request, scheme string) (string, bool) {
	name, rest, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(name, scheme) {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

// SortChallenges orders challenges Bearer, Negotiate, anything else, Basic.
func SortChallenges(challenges []string) {
	rank := func(c string) int {
		scheme, _, _ := strings.Cut(c, " ")
		switch scheme {
		case "Bearer":
			return 0
		case "Negotiate":
			return 1
		case "Basic":
			return 3
		default:
			return 2
		}
	}
	sort.SliceStable(challenges, func(i, j int) bool {
		return rank(challenges[i]) < rank(challenges[j])
	})
}

// Requirement describes what a route demands of the caller.
type Requirement struct {
	Auth   bool
	User   bool
	Roles  []string
	Scopes []string
}

// Required reports whether the requirement needs an authenticated caller.
func (req Requirement) Required() bool {
	return req.Auth || req.User || len(req.Roles) > 0 || len(req.Scopes) > 0
}

// Check enforces req against the token attached to r.
func (n *Negotiator) Check(r *http.Request, req Requirement) error {
	if r.Method == http.MethodOptions || !req.Required() {
		return nil
	}
	tok, ok := auth.GetToken(r.Context())
	if !ok {
		return apierror.Unauthenticated(n.challenges)
	}
	if req.User && tok.UserID == nil {
		return apierror.Forbidden("This requires a user.")
	}
	if len(req.Roles) > 0 {
		role := ""
		if tok.Account != nil {
			role = string(tok.Account.Type)
		}
		allowed := false
		for _, r := range req.Roles {
			if r == role {
				allowed = true
				break
			}
		}
		if !allowed {
			return apierror.Forbidden(fmt.Sprintf("Wrong principal role. Should be one of %s, not %s",
				strings.Join(req.Roles, ", "), role))
		}
	}
	var missing []string
	for _, s := range req.Scopes {
		if !tok.HasScope(s) {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return apierror.Forbidden("Requires missing scopes.").With("scopes", missing)
	}
	return nil
}
