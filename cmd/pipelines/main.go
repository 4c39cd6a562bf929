// Command pipelines runs the document ingestion gateway in front of an
// OpenSearch cluster.
//
// Usage:
//
//	pipelines serve [--config configs/development.yaml]
//	pipelines preview --shape list --index rules --type rule rules.yml
//	pipelines version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "pipelines",
		Short:         "Pipelines - YAML/JSON document ingestion gateway for OpenSearch",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to a YAML config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(previewCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
