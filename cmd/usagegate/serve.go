package main

import (
	"context"
	"fmt"
	"os"

	"github.com/artpar/usagegate/bootstrap"
	"github.com/artpar/usagegate/config"
	"github.com/spf13/cobra"
)

var (
	hotReload bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP service",
	Long: `Start the usagegate HTTP service.

The server will:
  - Load configuration from usagegate.yaml (or --config)
  - Or load configuration from USAGEGATE_* environment variables
  - Open the ledger and apply migrations
  - Serve quota, rate limit, webhook, health and admin endpoints
  - Run the webhook retry worker and scheduled maintenance jobs

Environment variables (for Docker deployments):
  USAGEGATE_WEBHOOK_SECRET   - Payment provider signing secret (required)
  USAGEGATE_STORAGE_DRIVER   - sqlite, postgres or memory (default: sqlite)
  USAGEGATE_STORAGE_DSN      - Database path or URL (default: usagegate.db)
  USAGEGATE_REDIS_URL        - Keep rate limit records in Redis
  USAGEGATE_SERVER_PORT      - Server port (default: 8080)
  USAGEGATE_LOG_LEVEL        - Log level: debug, info, warn, error

Examples:
  usagegate serve
  usagegate serve --config /etc/usagegate/config.yaml
  usagegate serve --hot-reload=false

  # Docker (env vars only):
  USAGEGATE_WEBHOOK_SECRET=whsec_... usagegate serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "reload configuration on file change or SIGHUP")
}

func runServe(cmd *cobra.Command, args []string) error {
	hasConfigFile := false
	if _, err := os.Stat(cfgFile); err == nil {
		hasConfigFile = true
	}

	if !hasConfigFile && !config.HasEnvConfig() {
		fmt.Println("No configuration found.")
		fmt.Println()
		fmt.Printf("Option 1: Create %s\n", cfgFile)
		fmt.Printf("Option 2: Set %sWEBHOOK_SECRET and other environment variables\n", config.EnvPrefix)
		return nil
	}

	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := bootstrap.SetupLogger(cfg.Logging)
	ctx := context.Background()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	// Hot reload only works with a config file
	if hasConfigFile && hotReload {
		holder, err := config.NewHolder(cfgFile, logger)
		if err != nil {
			app.Shutdown()
			return err
		}
		holder.OnChange(app.Apply)
		if err := holder.WatchFile(); err != nil {
			logger.Warn().Err(err).Msg("config file watch disabled")
		}
		holder.WatchSignals()
		defer holder.Stop()
	}

	return app.Run(ctx)
}
