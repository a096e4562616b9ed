package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ox-it/apiox-core/internal/auth"
	"github.com/ox-it/apiox-core/internal/db/bunx"
	"github.com/ox-it/apiox-core/internal/directory"
	"github.com/ox-it/apiox-core/internal/logger"
	"github.com/ox-it/apiox-core/internal/membership"
	"github.com/ox-it/apiox-core/internal/middleware"
	"github.com/ox-it/apiox-core/internal/proxy"
	"github.com/ox-it/apiox-core/internal/repository"
	"github.com/ox-it/apiox-core/internal/server"
	"github.com/ox-it/apiox-core/internal/services/authn"
	"github.com/ox-it/apiox-core/internal/services/oauth2"
	"github.com/ox-it/apiox-core/internal/services/principal"
	"github.com/ox-it/apiox-core/internal/services/scope"
	"github.com/ox-it/apiox-core/internal/services/token"
	"github.com/ox-it/apiox-core/internal/telemetry"
	"github.com/ox-it/apiox-core/internal/ui"
)

const (
	shutdownTimeout = 10 * time.Second
	refreshTimeout  = 5 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the apiox server",
	Long: `Starts the HTTP server hosting the OAuth2 endpoints, the API registry and the
reverse proxy for registered APIs. SIGHUP reloads the scope catalog.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := logger.New(cfg.Debug, cfg.Observability.ServiceName)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		defer func() { _ = log.Sync() }()

		flushSentry, err := middleware.InitSentry(cfg.Sentry, Version)
		if err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer flushSentry()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		shutdownTracing, err := telemetry.Init(ctx, cfg.Observability, Version, log)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdownTracing(sctx); err != nil {
				log.Warn("tracer shutdown failed", zap.Error(err))
			}
		}()

		db, err := openDB()
		if err != nil {
			return err
		}
		defer bunx.Close(db)
		log.Info("connected to database", zap.String("type", string(bunx.DetectDatabaseType(cfg.DatabaseURL))))

		principalRepo := repository.NewBunPrincipalRepository(db)
		grantRepo := repository.NewBunScopeGrantRepository(db)
		tokenRepo := repository.NewBunTokenRepository(db)
		codeRepo := repository.NewBunAuthorizationCodeRepository(db)
		var apiRepo repository.APIRepository = repository.NewBunAPIRepository(db)
		if cfg.RedisURL != "" {
			rdb, err := repository.NewRedisClient(ctx, cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("failed to connect to redis: %w", err)
			}
			defer rdb.Close()
			apiRepo = repository.NewCachedAPIRepository(apiRepo, rdb, log)
			log.Info("api definition cache enabled")
		}

		catalog, err := scope.NewCatalog(ctx, repository.NewBunScopeRepository(db))
		if err != nil {
			return err
		}
		log.Info("scope catalog loaded", zap.Int("scopes", catalog.Len()))

		var (
			members scope.MembershipChecker
			groups  proxy.GroupChecker
		)
		if cfg.Membership.URL != "" {
			client := membership.NewClient(cfg.Membership.URL, cfg.Membership.Timeout, log)
			members, groups = client, client
		} else {
			log.Warn("no membership service configured, group-scoped grants and group routes are unavailable")
		}

		var (
			dir    principal.Directory
			people server.PersonDirectory
		)
		if cfg.LDAP.URL != "" {
			ldap := directory.New(directory.Config{
				URL:          cfg.LDAP.URL,
				BindDN:       cfg.LDAP.BindDN,
				BindPassword: cfg.LDAP.BindPassword,
				BaseDN:       cfg.LDAP.BaseDN,
				Timeout:      cfg.LDAP.Timeout,
			}, log)
			defer ldap.Close()
			dir, people = ldap, ldap
		} else {
			log.Warn("no LDAP directory configured, new principals are created without person records")
		}

		metrics := telemetry.NewMetrics()
		if !cfg.Observability.MetricsEnabled {
			metrics = nil
		}

		codec := auth.NewCodec(cfg.TokenSalt)
		resolver := scope.NewResolver(grantRepo, catalog, members)
		tokens := token.NewService(tokenRepo, catalog, resolver, codec, log)
		principals := principal.NewService(principalRepo, dir, cfg.DefaultRealm, log)

		schemes := []authn.Scheme{
			authn.NewBearer(cfg.AuthRealm, tokens),
			authn.NewBasic(cfg.AuthRealm, codec, principals, tokens),
		}
		if cfg.NegotiateEnabled() {
			factory, err := authn.NewKerberosContextFactory(cfg.Kerberos.Keytab, cfg.Kerberos.ServicePrincipal)
			if err != nil {
				return err
			}
			schemes = append(schemes, authn.NewNegotiate(factory, principals, tokens, authn.NegotiateOptions{}, log))
			log.Info("negotiate authentication enabled", zap.String("service_principal", cfg.Kerberos.ServicePrincipal))
		}
		if cfg.RemoteUser.Enabled {
			schemes = append(schemes, authn.NewRemoteUser(principals, tokens))
			log.Warn("trusting X-Remote-User from the front end")
		}
		negotiator := authn.NewNegotiator(log, metrics, schemes...)

		grants := oauth2.NewGrants(tokens, tokenRepo, codeRepo, principalRepo, resolver, catalog, log).
			WithChallenges(negotiator.Challenges()).
			WithMetrics(metrics)

		dispatcher, err := proxy.NewDispatcher(apiRepo, negotiator, groups, proxy.Options{
			ConnectTimeout: cfg.Proxy.ConnectTimeout,
			Timeout:        cfg.Proxy.Timeout,
		}, log)
		if err != nil {
			return err
		}
		dispatcher.WithMetrics(metrics)

		renderer, err := ui.NewRenderer()
		if err != nil {
			return err
		}

		trusted, err := cfg.TrustedProxyPrefixes()
		if err != nil {
			return err
		}
		handler, err := server.NewH2CHandler(server.RouterOptions{
			Grants:         grants,
			Negotiator:     negotiator,
			Principals:     principalRepo,
			APIs:           apiRepo,
			Catalog:        catalog,
			Renderer:       renderer,
			Dispatcher:     dispatcher,
			People:         people,
			Metrics:        metrics,
			RateLimiter:    middleware.NewRateLimiter(cfg.TokenRateLimit, cfg.TokenRateBurst),
			Logger:         log,
			BaseURL:        cfg.ServerURL,
			Version:        Version,
			ClientRealm:    cfg.DefaultRealm,
			TrustedProxies: trusted,
			HealthCheck:    db.PingContext,
		})
		if err != nil {
			return fmt.Errorf("failed to build router: %w", err)
		}

		srv := &http.Server{
			Addr:              cfg.ServerAddr,
			Handler:           handler,
			ReadHeaderTimeout: 15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ConnContext:       authn.ConnContext,
		}

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			log.Info("starting server", zap.String("addr", cfg.ServerAddr), zap.String("url", cfg.ServerURL))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			refreshCatalog(gctx, catalog, hup, cfg.CatalogRefreshInterval, log)
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			log.Info("shutting down gracefully")
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				srv.Close()
				return fmt.Errorf("graceful shutdown failed: %w", err)
			}
			log.Info("server stopped")
			return nil
		})
		return g.Wait()
	},
}

// refreshCatalog reloads the scope catalog every interval and on each
// signal received on hup, until ctx is done. A failed reload keeps the
// previous snapshot.
func refreshCatalog(ctx context.Context, catalog *scope.Catalog, hup <-chan os.Signal, interval time.Duration, log *zap.Logger) {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	reload := func(trigger string) {
		rctx, cancel := context.WithTimeout(ctx, refreshTimeout)
		defer cancel()
		if err := catalog.Refresh(rctx); err != nil {
			log.Error("scope catalog refresh failed", zap.String("trigger", trigger), zap.Error(err))
			return
		}
		snap := catalog.Snapshot()
		log.Info("scope catalog refreshed", zap.String("trigger", trigger), zap.Int("version", snap.Version), zap.Int("scopes", catalog.Len()))
	}

	for {
		select {
		case <-tick:
			reload("interval")
		case sig := <-hup:
			reload(sig.String())
		case <-ctx.Done():
			return
		}
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
