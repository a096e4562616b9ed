package auth

import (
	"context"

	"github.com/ox-it/apiox-core/internal/db/models"
)

type tokenContextKey struct{}

// SetToken stores the token the request authenticated with on the context.
func SetToken(ctx context.Context, token *models.Token) context.Context {
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// GetToken retrieves the authenticated token from the context.
func GetToken(ctx context.Context) (*models.Token, bool) {
	token, ok := ctx.Value(tokenContextKey{}).(*models.Token)
	return token, ok && token != nil
}

type challengesContextKey struct{}

// SetChallenges stores the WWW-Authenticate challenges offered for the request.
func SetChallenges(ctx context.Context, challenges []string) context.Context {
	copied := append([]string(nil), challenges...)
	return context.WithValue(ctx, challengesContextKey{}, copied)
}

// GetChallenges retrieves the challenges recorded for the request.
func GetChallenges(ctx context.Context) []string {
	challenges, ok := ctx.Value(challengesContextKey{}).([]string)
	if !ok {
		return nil
	}
	return append([]string(nil), challenges...)
}
