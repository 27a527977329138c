// cmd/triageflow-migrate/main.go
package main

import (
	"fmt"
	"os"

	"github.com/ignatij/triageflow/internal/config"
	internal_storage "github.com/ignatij/triageflow/internal/storage"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "triageflow-migrate"}

// connString prefers --db, then the database section of the service config
// (TRIAGEFLOW_DATABASE_* env vars or .env).
func connString(cmd *cobra.Command) string {
	if connStr, _ := cmd.Flags().GetString("db"); connStr != "" {
		return connStr
	}
	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	connStr := cfg.Database.DSN()
	if connStr == "" {
		fmt.Println("Error: --db flag or TRIAGEFLOW_DATABASE_URL / TRIAGEFLOW_DATABASE_HOST required")
		os.Exit(1)
	}
	return connStr
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Run: func(cmd *cobra.Command, args []string) {
		source, _ := cmd.Flags().GetString("source")
		if err := internal_storage.MigrateUp(connString(cmd), source); err != nil {
			fmt.Printf("Failed to apply migrations: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Migrations applied successfully")
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Revert migrations",
	Run: func(cmd *cobra.Command, args []string) {
		source, _ := cmd.Flags().GetString("source")
		steps, _ := cmd.Flags().GetInt("steps")
		if steps < 1 {
			fmt.Println("Error: --steps must be at least 1")
			os.Exit(1)
		}
		if err := internal_storage.MigrateDown(connString(cmd), source, steps); err != nil {
			fmt.Printf("Failed to revert migrations: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Reverted %d migration(s)\n", steps)
	},
}

func main() {
	rootCmd.PersistentFlags().String("db", "", "Database connection string (optional if TRIAGEFLOW_DATABASE_* env vars are set)")
	rootCmd.PersistentFlags().String("source", internal_storage.DefaultMigrationsSource, "Migrations source URL")
	downCmd.Flags().Int("steps", 1, "Number of migrations to revert")
	rootCmd.AddCommand(upCmd, downCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
