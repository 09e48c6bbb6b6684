package main

import (
	"context"
	"fmt"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"
	yall "yall.in"

	"lockbox.dev/authz/grants"
	"lockbox.dev/authz/grants/storers/postgres"
	"lockbox.dev/authz/grants/storers/sqlite"
)

func newMigrateCmd(cfg *Config) *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Prepare the configured grant store",
		Long: "Apply schema migrations for the sqlite and postgres drivers, or " +
			"create the store's default structure for the others.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := commandContext(cmd, *cfg)
			store, err := openStorage(ctx, cfg.Storage)
			if err != nil {
				return err
			}
			defer store.Close()

			direction := migrate.Up
			if down {
				direction = migrate.Down
			}
			switch cfg.Storage.Driver {
			case driverSQLite:
				err = sqlite.ApplyMigrations(store.DB, direction)
			case driverPostgres:
				err = postgres.ApplyMigrations(store.DB, direction)
			default:
				if down {
					return fmt.Errorf("the %s driver has no migrations to roll back", cfg.Storage.Driver)
				}
				err = grants.Dependencies{Storer: store.Storer, Log: yall.FromContext(ctx)}.Initialize(ctx)
			}
			if err != nil {
				return err
			}
			yall.FromContext(ctx).WithField("storage", cfg.Storage.Driver).WithField("down", down).Info("migrations applied")
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll migrations back instead of applying them")
	return cmd
}

func newClearCmd(cfg *Config) *cobra.Command {
	var partition string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Empty one or both grant partitions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var roles []grants.Role
			switch partition {
			case "all":
				roles = grants.Roles
			case string(grants.RoleGranter), string(grants.RoleGrantee):
				roles = []grants.Role{grants.Role(partition)}
			default:
				return fmt.Errorf("unknown partition %q; use granter, grantee, or all", partition)
			}

			ctx := commandContext(cmd, *cfg)
			store, err := openStorage(ctx, cfg.Storage)
			if err != nil {
				return err
			}
			defer store.Close()

			deps := grants.Dependencies{Storer: store.Storer, Log: yall.FromContext(ctx)}
			if err := deps.Initialize(ctx); err != nil {
				return err
			}
			for _, role := range roles {
				if err := deps.ClearGrants(ctx, role); err != nil {
					return err
				}
				yall.FromContext(ctx).WithField("partition", role.PartitionName()).Info("partition cleared")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&partition, "partition", "all", "partition to clear: granter, grantee, or all")
	return cmd
}

func commandContext(cmd *cobra.Command, cfg Config) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return yall.InContext(ctx, newLogger(cfg.Server.LogLevel))
}
