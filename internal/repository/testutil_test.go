package repository

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ox-it/apiox-core/internal/db/bunx"
	"github.com/ox-it/apiox-core/internal/db/models"
	"github.com/ox-it/apiox-core/internal/migrations"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

var dbCounter atomic.Int64

// setupTestDB opens a private in-memory SQLite database with every migration applied
func setupTestDB(t *testing.T) *bun.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbCounter.Add(1))
	db, err := bunx.NewDB(dsn)
	require.NoError(t, err)

	ctx := context.Background()
	migrator := migrate.NewMigrator(db, migrations.Migrations)
	require.NoError(t, migrator.Init(ctx))
	_, err = migrator.Migrate(ctx)
	require.NoError(t, err)

	return db
}

func createPrincipal(t *testing.T, db *bun.DB, id string, typ models.PrincipalType) *models.Principal {
	t.Helper()
	p := &models.Principal{
		ID:                id,
		Name:              id + "@EXAMPLE.ORG",
		Type:              typ,
		AllowedGrantTypes: models.StringList{models.GrantTypeClientCredentials, models.GrantTypeRefreshToken},
		CreatedAt:         time.Now().UTC(),
	}
	_, err := db.NewInsert().Model(p).Exec(context.Background())
	require.NoError(t, err)
	return p
}
