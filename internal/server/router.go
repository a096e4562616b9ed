package server

import (
	"context"
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/ox-it/apiox-core/internal/apierror"
	"github.com/ox-it/apiox-core/internal/directory"
	"github.com/ox-it/apiox-core/internal/middleware"
	"github.com/ox-it/apiox-core/internal/proxy"
	"github.com/ox-it/apiox-core/internal/repository"
	"github.com/ox-it/apiox-core/internal/services/authn"
	"github.com/ox-it/apiox-core/internal/services/oauth2"
	"github.com/ox-it/apiox-core/internal/services/scope"
	"github.com/ox-it/apiox-core/internal/telemetry"
	"github.com/ox-it/apiox-core/internal/ui"
)

// PersonDirectory looks up the person behind a user ID for the consent page.
type PersonDirectory interface {
	GetPerson(ctx context.Context, id int64) (*directory.Person, error)
}

// RouterOptions controls the construction of the HTTP router. Grants,
// Negotiator, Principals, APIs, Catalog, Renderer and Dispatcher are
// required; the rest are optional.
type RouterOptions struct {
	Grants     *oauth2.Grants
	Negotiator *authn.Negotiator
	Principals repository.PrincipalRepository
	APIs       repository.APIRepository
	Catalog    *scope.Catalog
	Renderer   *ui.Renderer
	Dispatcher *proxy.Dispatcher
	Validator  *DefinitionValidator

	People      PersonDirectory
	Metrics     *telemetry.Metrics
	RateLimiter *middleware.RateLimiter
	CORSOptions *cors.Options
	Logger      *zap.Logger

	// BaseURL prefixes links in response bodies.
	BaseURL string
	Version string
	// ClientRealm is the realm of principal names given to clients created
	// through the API.
	ClientRealm string

	// TrustedProxies are the front ends whose client address headers are
	// believed.
	TrustedProxies []netip.Prefix

	// HealthCheck reports whether the server's dependencies are reachable.
	HealthCheck func(ctx context.Context) error
}

// NewRouter assembles the router: shared middleware, the authorization
// server endpoints, the API registry and the reverse proxy catch-all.
func NewRouter(opts RouterOptions) (chi.Router, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	validator := opts.Validator
	if validator == nil {
		var err error
		if validator, err = NewDefinitionValidator(); err != nil {
			return nil, err
		}
	}
	writeErr := middleware.NewErrorWriter(logger)
	h := &handlers{
		grants:      opts.Grants,
		negotiator:  opts.Negotiator,
		principals:  opts.Principals,
		apis:        opts.APIs,
		catalog:     opts.Catalog,
		renderer:    opts.Renderer,
		validator:   validator,
		people:      opts.People,
		baseURL:     opts.BaseURL,
		clientRealm: opts.ClientRealm,
		version:     opts.Version,
		health:      opts.HealthCheck,
		logger:      logger.Named("server"),
		writeErr:    writeErr,
	}
	opts.Dispatcher.WithErrorWriter(proxy.ErrorWriter(writeErr))

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.TrustedRealIP(opts.TrustedProxies))
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.Sentry())

	corsCfg := middleware.CORSOptions()
	if opts.CORSOptions != nil {
		corsCfg = *opts.CORSOptions
	}
	r.Use(cors.Handler(corsCfg))
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Instrument)
	}
	r.Use(middleware.Authenticate(opts.Negotiator, writeErr))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, r, apierror.NotFound("Not found."))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, r, &apierror.Error{Kind: apierror.KindMethodNotAllowed, Description: "Method not allowed."})
	})

	r.Get("/", h.index)
	r.Get("/health", h.healthz)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	r.With(opts.RateLimiter.Middleware(writeErr)).Post("/token", h.token)
	r.Get("/token-details", h.tokenDetails)
	r.Get("/token/self", h.tokenDetails)
	r.Get("/authorize", h.authorizeForm)
	r.Post("/authorize", h.authorizeSubmit)

	r.Route("/client", func(r chi.Router) {
		r.Get("/", h.clientList)
		r.Post("/", h.clientCreate)
		r.Get("/self", h.clientSelf)
		r.Get("/{id}", h.clientDetail)
		r.Put("/{id}", h.clientUpdate)
		r.Post("/{id}/secret", h.clientSecretCreate)
		r.Delete("/{id}/secret", h.clientSecretDelete)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/", h.apiList)
		r.Get("/{id}", h.apiDetail)
		r.Put("/{id}", h.apiPut)
		r.Delete("/{id}", h.apiDelete)
	})

	r.Handle("/{"+proxy.APIIDParam+"}", opts.Dispatcher)
	r.Handle("/{"+proxy.APIIDParam+"}/*", opts.Dispatcher)

	return r, nil
}

// NewH2CHandler wraps the router so cleartext HTTP/2 clients are served
// alongside HTTP/1.1.
func NewH2CHandler(opts RouterOptions) (http.Handler, error) {
	router, err := NewRouter(opts)
	if err != nil {
		return nil, err
	}
	return h2c.NewHandler(router, &http2.Server{}), nil
}
