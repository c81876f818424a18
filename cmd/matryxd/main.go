// ABOUTME: Entry point for the matryxd replica daemon
// ABOUTME: Cobra command tree: run, migrate, version

package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "matryxd",
	Short: "Local Matrix replica daemon",
	Long: `matryxd keeps a durable local replica of Matrix conversation state.

It runs the sync loop against the homeserver, persists room state,
account data, presence and receipts in SQLite, delivers queued outbound
requests in dependency order, and fans committed changes out to live
subscribers.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("matryxd %s (commit %s, built %s)\n", version, commit, date)
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	// Best effort; secrets referenced as ${VAR} in the config may live
	// in a local .env during development.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
