package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ox-it/apiox-core/internal/db/models"
)

type logSlotKey struct{}

// logSlot lets inner middleware report the authenticated token back to the
// request logger, which runs outside them.
type logSlot struct {
	token *models.Token
}

func recordToken(r *http.Request, tok *models.Token) {
	if slot, ok := r.Context().Value(logSlotKey{}).(*logSlot); ok {
		slot.token = tok
	}
}

// RequestLogger emits one structured line per request once it completes.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logger.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			slot := &logSlot{}
			r = r.WithContext(context.WithValue(r.Context(), logSlotKey{}, slot))
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("query", r.URL.RawQuery),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("user_agent", r.UserAgent()),
				zap.String("accept", r.Header.Get("Accept")),
				zap.String("content_type", r.Header.Get("Content-Type")),
				zap.Int64("content_length", r.ContentLength),
				zap.String("response_content_type", ww.Header().Get("Content-Type")),
				zap.Int("response_bytes", ww.BytesWritten()),
			}
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				fields = append(fields, zap.String("route", rctx.RoutePattern()))
			}
			if loc := ww.Header().Get("Location"); loc != "" {
				fields = append(fields, zap.String("location", loc))
			}
			if id := chimw.GetReqID(r.Context()); id != "" {
				fields = append(fields, zap.String("request_id", id))
			}
			if tok := slot.token; tok != nil {
				fields = append(fields,
					zap.String("client_id", tok.ClientID),
					zap.String("account_id", tok.AccountID),
				)
				if tok.UserID != nil {
					fields = append(fields, zap.String("user_id", strconv.FormatInt(*tok.UserID, 10)))
				}
			}

			switch {
			case status >= http.StatusInternalServerError:
				logger.Error("request", fields...)
			case status >= http.StatusBadRequest:
				logger.Info("request", fields...)
			default:
				logger.Debug("request", fields...)
			}
		})
	}
}
