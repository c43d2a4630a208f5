package main

import (
	"context"
	"fmt"
	"os"

	"github.com/artpar/usagegate/bootstrap"
	"github.com/artpar/usagegate/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "usagegate",
	Short: "Usage quotas, rate limiting and reliable billing webhooks",
	Long: `usagegate enforces per-user usage quotas and rate limits, detects abuse,
and processes payment provider webhooks with retries and dead-lettering.

Quick start:
  usagegate serve                  # Start the HTTP service
  usagegate validate               # Validate configuration

Operations:
  usagegate webhooks dead-letter   # Inspect exhausted webhook events
  usagegate suspensions list       # Inspect active suspensions
  usagegate health                 # Print a webhook health report`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "usagegate.yaml", "config file path")
}

// cliLogger keeps operator command output readable: warnings and errors
// only, on stderr.
func cliLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel).With().Timestamp().Logger()
}

// withApp builds the application without serving, runs fn and shuts down.
func withApp(ctx context.Context, fn func(a *bootstrap.App) error) error {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return err
	}
	a, err := bootstrap.New(ctx, cfg, cliLogger())
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer a.Shutdown()
	return fn(a)
}
