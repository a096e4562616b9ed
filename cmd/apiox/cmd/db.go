package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"

	"github.com/ox-it/apiox-core/internal/db/bunx"
	"github.com/ox-it/apiox-core/internal/migrations"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management commands",
	Long:  `Commands for managing database migrations and schema.`,
}

// withMigrator opens the configured database and hands fn a migrator over it.
func withMigrator(fn func(ctx context.Context, m *migrate.Migrator) error) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer bunx.Close(db)
	return fn(context.Background(), migrate.NewMigrator(db, migrations.Migrations))
}

func openDB() (*bun.DB, error) {
	db, err := bunx.NewDB(cfg.DatabaseURL, bunx.Options{MaxOpenConns: cfg.MaxDBConnections})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// locked runs fn while holding the migration lock.
func locked(ctx context.Context, cmd *cobra.Command, m *migrate.Migrator, fn func() error) error {
	if err := m.Lock(ctx); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer func() {
		if err := m.Unlock(ctx); err != nil {
			cmd.PrintErrf("Warning: failed to release migration lock: %v\n", err)
		}
	}()
	return fn()
}

var dbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize migration tables",
	Long:  `Creates the migration tracking tables in the database. Run this once during initial setup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(ctx context.Context, m *migrate.Migrator) error {
			if err := m.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize migrator: %w", err)
			}
			cmd.Println("Migration tables initialized successfully")
			return nil
		})
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  `Applies all pending migrations to the database with locking to prevent concurrent migrations.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(ctx context.Context, m *migrate.Migrator) error {
			if err := m.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize migrator: %w", err)
			}
			return locked(ctx, cmd, m, func() error {
				group, err := m.Migrate(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				if group.ID == 0 {
					cmd.Println("No new migrations to apply")
				} else {
					cmd.Printf("Applied migration group %d\n", group.ID)
				}
				return nil
			})
		})
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	Long:  `Displays the current migration status and pending migrations.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(ctx context.Context, m *migrate.Migrator) error {
			ms, err := m.MigrationsWithStatus(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			cmd.Println("Migrations:")
			for _, mg := range ms {
				status := "pending"
				if mg.GroupID > 0 {
					status = fmt.Sprintf("applied (group %d)", mg.GroupID)
				}
				cmd.Printf("  %s: %s\n", mg.Name, status)
			}
			return nil
		})
	},
}

var dbRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Rollback last migration group",
	Long:  `Rolls back the most recently applied migration group with locking to prevent concurrent operations.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(ctx context.Context, m *migrate.Migrator) error {
			return locked(ctx, cmd, m, func() error {
				group, err := m.Rollback(ctx)
				if err != nil {
					return fmt.Errorf("rollback failed: %w", err)
				}
				if group.ID == 0 {
					cmd.Println("No migrations to rollback")
				} else {
					cmd.Printf("Rolled back migration group %d\n", group.ID)
				}
				return nil
			})
		})
	},
}

var dbUnlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Force release migration lock",
	Long:  `Force releases the migration lock. Use this if a migration crashed while holding the lock.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(ctx context.Context, m *migrate.Migrator) error {
			if err := m.Unlock(ctx); err != nil {
				return fmt.Errorf("failed to release migration lock: %w", err)
			}
			cmd.Println("Migration lock released successfully")
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbInitCmd)
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbRollbackCmd)
	dbCmd.AddCommand(dbUnlockCmd)
}
