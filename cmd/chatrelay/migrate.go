package main

import (
	"fmt"

	"github.com/gookit/color"
	"github.com/spf13/cobra"

	dbconfig "chatrelay/pkg/database"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and validate the schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := dbconfig.DefaultConfig()
			cfg.DatabasePath = opts.databasePath()

			db, err := dbconfig.Open(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			migrations := dbconfig.NewMigrationManager(db)
			applied, err := migrations.ApplyMigrations()
			if err != nil {
				return err
			}
			if err := migrations.ValidateSchema(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, color.New(color.FgGreen, color.OpBold).Render("Database "+cfg.DatabasePath+" is up to date"))
			if len(applied) == 0 {
				fmt.Fprintln(out, "No new migrations")
				return nil
			}
			for _, version := range applied {
				fmt.Fprintf(out, "Applied %s\n", version)
			}
			return nil
		},
	}
}
