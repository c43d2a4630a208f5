package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/artpar/usagegate/bootstrap"
	"github.com/artpar/usagegate/config"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the usagegate configuration file.

Checks:
  - YAML syntax is valid
  - Required fields are present and thresholds are consistent
  - Job schedules parse
  - Storage and Redis are reachable (optional)

Examples:
  usagegate validate
  usagegate validate --config /etc/usagegate/config.yaml --check-storage`,
	RunE: runValidate,
}

var (
	validateCheckStorage bool
)

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckStorage, "check-storage", false, "open the ledger and ping every backend")
}

func runValidate(cmd *cobra.Command, args []string) error {
	fmt.Printf("Validating %s...\n\n", cfgFile)

	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Printf("  %s Config file exists\n", crossMark)
		return fmt.Errorf("config file not found: %s", cfgFile)
	}
	fmt.Printf("  %s Config file exists\n", checkMark)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Printf("  %s Config valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Printf("  %s Config valid\n", checkMark)

	fmt.Printf("  %s Storage: %s\n", checkMark, cfg.Storage.Driver)
	if cfg.Redis.URL != "" {
		fmt.Printf("  %s Rate limit records: redis (%s)\n", checkMark, cfg.Redis.Prefix)
	}
	fmt.Printf("  %s Rate limits: %d conversions/min, %d requests/min per IP\n",
		checkMark, cfg.RateLimit.ConversionsPerMinute, cfg.RateLimit.IPRequestsPerMinute)
	fmt.Printf("  %s Webhook retries: %d attempts, %s..%s\n",
		checkMark, cfg.Webhook.MaxAttempts, cfg.Webhook.RetryBase, cfg.Webhook.RetryMax)
	fmt.Printf("  %s Plan overrides: %d\n", checkMark, len(cfg.Plans))
	if cfg.Admin.Token == "" {
		fmt.Printf("  %s Admin API disabled (no admin.token)\n", crossMark)
	}

	if validateCheckStorage {
		if err := checkStorage(cfg); err != nil {
			fmt.Printf("  %s Storage reachable\n", crossMark)
			fmt.Printf("      Error: %v\n", err)
		} else {
			fmt.Printf("  %s Storage reachable\n", checkMark)
		}
	}

	fmt.Println()
	fmt.Println("Configuration is valid.")
	return nil
}

func checkStorage(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stores, err := bootstrap.OpenStores(ctx, cfg, cliLogger())
	if err != nil {
		return err
	}
	defer stores.Close()
	return stores.Ping(ctx)
}

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
)
