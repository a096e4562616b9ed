package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"go.uber.org/zap"

	"github.com/ox-it/apiox-core/internal/apierror"
	"github.com/ox-it/apiox-core/internal/config"
)

// InitSentry configures the global Sentry client. It returns a flush
// function; with no DSN configured both are no-ops.
func InitSentry(cfg config.SentryConfig, release string) (func(), error) {
	if cfg.DSN == "" {
		return func() {}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     release,
	})
	if err != nil {
		return nil, fmt.Errorf("init sentry: %w", err)
	}
	return func() { sentry.Flush(2 * time.Second) }, nil
}

// Sentry puts a per-request hub on the context and reports panics before
// re-raising them for the outer recoverer.
func Sentry() func(http.Handler) http.Handler {
	handler := sentryhttp.New(sentryhttp.Options{Repanic: true})
	return handler.Handle
}

// NewErrorWriter returns the boundary error writer. Unexpected failures
// are logged and sent to Sentry; the client only ever sees the tagged
// description.
func NewErrorWriter(logger *zap.Logger) ErrorWriter {
	logger = logger.Named("errors")
	return func(w http.ResponseWriter, r *http.Request, err error) {
		e := apierror.From(err)
		if e.Kind == apierror.KindInternal || (e.Kind == apierror.KindUnavailable && e.Err != nil) {
			logger.Error("request failed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", e.Kind.Status()),
				zap.Error(err),
			)
		}
		if e.Kind == apierror.KindInternal {
			if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
				hub.CaptureException(err)
			}
		}
		apierror.Write(w, e, r.FormValue("state"))
	}
}
