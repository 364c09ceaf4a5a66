package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Prince364133/hubsnap-sub002/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the queue, log and reply tables",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if memoryFlag {
		return errors.New("migrate needs a database; drop --memory")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := database.Open(cmd.Context(), cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := database.Migrate(cmd.Context(), db)
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s)\n", n)
	return nil
}
