package migrations

import (
	"context"
	"fmt"

	"github.com/ox-it/apiox-core/internal/db/models"
	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(up_20260105090000, down_20260105090000)
}

type tableSpec struct {
	name        string
	model       any
	foreignKeys []string
	indexes     []string
}

func coreTables() []tableSpec {
	return []tableSpec{
		{
			name:  "principals",
			model: (*models.Principal)(nil),
			indexes: []string{
				`CREATE INDEX IF NOT EXISTS idx_principals_user_id ON principals(user_id)`,
			},
		},
		{
			name:  "apis",
			model: (*models.API)(nil),
		},
		{
			name:        "scopes",
			model:       (*models.Scope)(nil),
			foreignKeys: []string{`("api_id") REFERENCES "apis" ("id") ON DELETE CASCADE`},
			indexes: []string{
				`CREATE INDEX IF NOT EXISTS idx_scopes_api_id ON scopes(api_id)`,
			},
		},
		{
			name:        "scope_grants",
			model:       (*models.ScopeGrant)(nil),
			foreignKeys: []string{`("client_id") REFERENCES "principals" ("id") ON DELETE CASCADE`},
			indexes: []string{
				`CREATE INDEX IF NOT EXISTS idx_scope_grants_client_kind ON scope_grants(client_id, kind)`,
			},
		},
		{
			name:  "tokens",
			model: (*models.Token)(nil),
			foreignKeys: []string{
				`("client_id") REFERENCES "principals" ("id") ON DELETE CASCADE`,
				`("account_id") REFERENCES "principals" ("id") ON DELETE CASCADE`,
			},
			indexes: []string{
				`CREATE INDEX IF NOT EXISTS idx_tokens_account_id ON tokens(account_id)`,
				`CREATE INDEX IF NOT EXISTS idx_tokens_client_id ON tokens(client_id)`,
			},
		},
		{
			name:  "authorization_codes",
			model: (*models.AuthorizationCode)(nil),
			foreignKeys: []string{
				`("client_id") REFERENCES "principals" ("id") ON DELETE CASCADE`,
				`("account_id") REFERENCES "principals" ("id") ON DELETE CASCADE`,
			},
		},
	}
}

// up_20260105090000 creates principals, scopes, grants, APIs, tokens and codes
func up_20260105090000(ctx context.Context, db *bun.DB) error {
	for _, tbl := range coreTables() {
		fmt.Printf(" [up] creating %s table...", tbl.name)
		q := db.NewCreateTable().
			Model(tbl.model).
			IfNotExists()
		for _, fk := range tbl.foreignKeys {
			q = q.ForeignKey(fk)
		}
		if _, err := q.Exec(ctx); err != nil {
			return fmt.Errorf("failed to create %s table: %w", tbl.name, err)
		}
		for _, idx := range tbl.indexes {
			if _, err := db.ExecContext(ctx, idx); err != nil {
				return fmt.Errorf("failed to create index on %s: %w", tbl.name, err)
			}
		}
		fmt.Println(" OK")
	}
	return nil
}

// down_20260105090000 drops the core tables in reverse dependency order
func down_20260105090000(ctx context.Context, db *bun.DB) error {
	specs := coreTables()
	for i := len(specs) - 1; i >= 0; i-- {
		fmt.Printf(" [down] dropping %s table...", specs[i].name)
		_, err := db.NewDropTable().
			Model(specs[i].model).
			IfExists().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to drop %s table: %w", specs[i].name, err)
		}
		fmt.Println(" OK")
	}
	return nil
}
