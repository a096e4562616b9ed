package migrations

import (
	"context"
	"fmt"

	"github.com/ox-it/apiox-core/internal/db/models"
	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(up_20260105090002, down_20260105090002)
}

const (
	seedScopeManageAPI    = "/oauth2/manage-api"
	seedScopeManageClient = "/oauth2/manage-client"
)

// up_20260105090002 seeds the scopes guarding the API registry and client management
func up_20260105090002(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [up] seeding management scopes...")

	builtins := []models.Scope{
		{
			ID:          seedScopeManageAPI,
			Title:       "Manage API definitions",
			Description: "Allows an administrator to store and delete API definitions.",
		},
		{
			ID:          seedScopeManageClient,
			Title:       "Manage OAuth2 clients",
			Description: "Allows a principal to list, create and modify the clients it administers.",
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

func down_20260105090002(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [down] removing management scopes...")
	_, err := db.NewDelete().
		Model((*models.Scope)(nil)).
		Where("id IN (?)", bun.In([]string{seedScopeManageAPI, seedScopeManageClient})).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to remove management scopes: %w", err)
	}
	fmt.Println(" OK")
	return nil
}
