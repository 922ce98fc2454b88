// Package cmd defines and implements the CLI commands for the crawler
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shopgraph/crawler/internal/config"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawler",
		Short: "Priority-based recrawl scheduler for the shopgraph content pipeline",
		Long: `crawler maintains the shopgraph link graph: it bootstraps new
storefront domains, recrawls known pages by a popularity-weighted
priority, and publishes content-ready events for the downstream
screenshot, analysis, embedding and attribute stages.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (env vars use the SHOPGRAPH_ prefix)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
