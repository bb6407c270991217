package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev" // Will be set during build

var rootCmd = &cobra.Command{
	Use:   "deptrack",
	Short: "CI/CD deployment and approval tracking",
	Long: `Deptrack tracks the lifecycle of CI/CD deployments and their
multi-environment approval workflows.

It reads deployment records written by an external ingestion path, reconciles
their mixed schema generations into one canonical shape, and exposes query,
aggregation, and approval-transition operations over them.`,
	Version: version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", getEnvOrDefault("DEPTRACK_CONFIG_FILE", "./deptrack.yaml"), "Path to deptrack.yaml configuration file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", getEnvOrDefault("DEPTRACK_DB_PATH", ""), "Path to SQLite database (overrides config)")
	rootCmd.PersistentFlags().StringVar(&tableName, "table", getEnvOrDefault("DEPTRACK_TABLE", ""), "Deployment table name (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
}
