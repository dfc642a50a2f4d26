package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iota-uz/sheet-ingest/modules/ingest/infrastructure/persistence"
	"github.com/iota-uz/sheet-ingest/pkg/configuration"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage sheet ingest configs",
	}
	cmd.AddCommand(newConfigSyncCmd())
	return cmd
}

func newConfigSyncCmd() *cobra.Command {
	var (
		file   string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upsert sheet configs from a YAML or TOML seed file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf := configuration.Use()
			defer conf.Unload()
			if file == "" {
				file = conf.SheetConfigSeed
			}

			configs, err := persistence.LoadSeedFile(file)
			if err != nil {
				return withCode(exitValidation, err)
			}
			db, err := persistence.OpenSeederDB(conf.Database.Opts)
			if err != nil {
				return withCode(exitDB, err)
			}
			defer db.Close()

			seeder := persistence.NewConfigSeeder(db, conf.Logger().WithField("component", "config_seeder"))
			if dryRun {
				changes, err := seeder.Diff(cmd.Context(), configs)
				if err != nil {
					return withCode(exitDB, err)
				}
				for _, c := range changes {
					if err := writeJSONLine(cmd.OutOrStdout(), c); err != nil {
						return err
					}
				}
				return nil
			}
			n, err := seeder.Sync(cmd.Context(), configs)
			if err != nil {
				return withCode(exitDB, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced %d sheet configs from %s\n", n, file)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "seed file; defaults to SHEET_CONFIG_SEED")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the per-sheet changes as JSON patches without writing")
	return cmd
}
