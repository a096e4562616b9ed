// Package middleware holds the HTTP middleware shared by every route.
package middleware

import (
	"net/http"
	"strconv"

	"github.com/getsentry/sentry-go"

	"github.com/ox-it/apiox-core/internal/auth"
	"github.com/ox-it/apiox-core/internal/db/models"
)

// Authenticator turns request credentials into a token.
type Authenticator interface {
	Authenticate(w http.ResponseWriter, r *http.Request) (*models.Token, error)
	Challenges() []string
}

// ErrorWriter renders an error response.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Authenticate attaches the request's token, if any, and the challenges
// offered by the server to the request context. Requests that present bad
// credentials are answered immediately; requests with none continue
// anonymously and are challenged by whichever route requires a caller.
func Authenticate(a Authenticator, writeErr ErrorWriter) func(http.Handler) http.Handler {
	challenges := a.Challenges()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := auth.SetChallenges(r.Context(), challenges)
			r = r.WithContext(ctx)

			tok, err := a.Authenticate(w, r)
			if err != nil {
				writeErr(w, r, err)
				return
			}
			if tok != nil {
				ctx = auth.SetToken(ctx, tok)
				recordToken(r, tok)
				if hub := sentry.GetHubFromContext(ctx); hub != nil {
					hub.ConfigureScope(func(scope *sentry.Scope) {
						user := sentry.User{ID: tok.AccountID}
						if tok.Account != nil {
							user.Username = tok.Account.Name
						}
						scope.SetUser(user)
						scope.SetTag("client_id", tok.ClientID)
						if tok.UserID != nil {
							scope.SetTag("user_id", strconv.FormatInt(*tok.UserID, 10))
						}
					})
				}
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
