package migrations

import (
	"context"
	"fmt"

	"github.com/ox-it/apiox-core/internal/db/models"
	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(up_20260105090001, down_20260105090001)
}

// Built-in scope identifiers. They mirror the ones the scope catalog always
// carries so grants referencing them survive a catalog reload.
const (
	seedScopeOAuth2Client = "/oauth2/client"
	seedScopeOAuth2User   = "/oauth2/user"
)

// up_20260105090001 seeds the built-in OAuth2 scopes
func up_20260105090001(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [up] seeding built-in scopes...")

	builtins := []models.Scope{
		{
			ID:          seedScopeOAuth2Client,
			Title:       "OAuth2 client",
			Description: "Allows a principal to act as an OAuth2 client at the token endpoint.",
		},
		{
			ID:            seedScopeOAuth2User,
			Title:         "OAuth2 user",
			Description:   "Allows a person to authorize clients to act on their behalf.",
			GrantedToUser: true,
		},
	}

	for i := range builtins {
		_, err := db.NewInsert().
			Model(&builtins[i]).
			On("CONFLICT (id) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to seed scope %s: %w", builtins[i].ID, err)
		}
	}
	fmt.Println(" OK")
	return nil
}

func down_20260105090001(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [down] removing built-in scopes...")
	_, err := db.NewDelete().
		Model((*models.Scope)(nil)).
		Where("id IN (?)", bun.In([]string{seedScopeOAuth2Client, seedScopeOAuth2User})).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to remove built-in scopes: %w", err)
	}
	fmt.Println(" OK")
	return nil
}
