package main

import (
	"fmt"
	"os"

	"github.com/ignatij/triageflow/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "triageflow",
	Short: "Run diagnostic workflows with validated, monitored queries",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
