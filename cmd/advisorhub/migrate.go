package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"advisorhub/internal/app"
	"advisorhub/internal/database"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	var steps int
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd, opts, func(m *migration) error {
				if err := database.MigrateUp(m.db, m.logger); err != nil {
					return err
				}
				return m.printVersion(cmd)
			})
		},
	}
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd, opts, func(m *migration) error {
				if err := database.MigrateDown(m.db, steps, m.logger); err != nil {
					return err
				}
				return m.printVersion(cmd)
			})
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back (0 rolls back all)")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd, opts, func(m *migration) error {
				return m.printVersion(cmd)
			})
		},
	}

	migrateCmd.AddCommand(up, down, version)
	return migrateCmd
}

type migration struct {
	db     *sql.DB
	logger *zap.Logger
}

func (m *migration) printVersion(cmd *cobra.Command) error {
	version, dirty, ok, err := database.SchemaVersion(m.db)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(cmd.OutOrStdout(), "schema version: none")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version: %d (dirty: %t)\n", version, dirty)
	return nil
}

// withDatabase opens the configured database without migrating it and runs fn.
func withDatabase(cmd *cobra.Command, opts *rootOptions, fn func(*migration) error) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(app.DatabaseConfig(cfg))
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(&migration{db: db, logger: logger.Named("migrate")})
}
