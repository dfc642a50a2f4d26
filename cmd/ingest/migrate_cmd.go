package main

import (
	"database/sql"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/iota-uz/sheet-ingest/migrations"
	"github.com/iota-uz/sheet-ingest/pkg/configuration"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect the service's own schema migrations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrationDB(func(db *sql.DB) error {
				versions, err := migrations.Up(cmd.Context(), db)
				if err != nil {
					return withCode(exitDB, err)
				}
				if len(versions) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no pending migrations")
					return nil
				}
				for _, v := range versions {
					fmt.Fprintf(cmd.OutOrStdout(), "applied %d\n", v)
				}
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrationDB(func(db *sql.DB) error {
				statuses, err := migrations.List(cmd.Context(), db)
				if err != nil {
					return withCode(exitDB, err)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tSTATE\tFILE")
				for _, s := range statuses {
					state := "pending"
					if s.Applied {
						state = "applied"
					}
					fmt.Fprintf(w, "%d\t%s\t%s\n", s.Version, state, s.Path)
				}
				return w.Flush()
			})
		},
	})
	return cmd
}

func withMigrationDB(fn func(db *sql.DB) error) error {
	conf := configuration.Use()
	defer conf.Unload()
	db, err := migrations.Open(conf.Database.Opts)
	if err != nil {
		return withCode(exitDB, err)
	}
	defer db.Close()
	return fn(db)
}
