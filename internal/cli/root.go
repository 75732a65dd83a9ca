package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	dbPath  string
	cfgPath string
)

var rootCmd = &cobra.Command{
	Use:   "flagramp",
	Short: "Flagramp - experiment rollout control for feature flags",
	Long: `Flagramp records experiment events, judges variant performance, and
gradually widens or withdraws a feature flag's exposure with automatic
rollback on quality regression. Single Go binary, embedded SQLite.

Running without a subcommand starts the server (same as 'flagramp serve').`,
	RunE: runServe, // Default action is to start the server
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", getEnvOrDefault("FR_DB_PATH", "./flagramp.db"), "database path")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", os.Getenv("FR_CONFIG"), "optional YAML config file")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
