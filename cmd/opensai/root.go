package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "opensai",
	Short: "Unified SECOP contractor search service",
	Long: `OpenSAI merges the SECOP I and SECOP II public contracting registries
hosted on datos.gov.co into one throttled, budgeted, paginated search API.

Use the serve subcommand to start the HTTP server. All configuration is
environment driven; see the repository README for the full list of knobs.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
