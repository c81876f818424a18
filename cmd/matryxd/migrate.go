// ABOUTME: The migrate command: applies pending schema migrations and prints the ledger
// ABOUTME: Opening the store runs migrations; this surfaces the resulting state

package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cyrup-ai/matryx-sub003/internal/config"
	"github.com/cyrup-ai/matryx-sub003/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Long:  "Opens the replica database, applies any pending migrations, and prints the migration ledger.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrate()
	},
}

func runMigrate() error {
	path := getConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", path, err)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	records, err := st.AppliedMigrations(context.Background())
	if err != nil {
		return fmt.Errorf("reading migration ledger: %w", err)
	}

	green := color.New(color.FgGreen)
	fmt.Printf("Database: %s\n\n", cfg.Database.Path)
	for _, rec := range records {
		green.Print("  ✓ ")
		fmt.Printf("%-30s %s (%dms)\n", rec.Name, rec.AppliedAt, rec.DurationMS)
	}
	fmt.Printf("\n%d migrations applied\n", len(records))
	return nil
}
