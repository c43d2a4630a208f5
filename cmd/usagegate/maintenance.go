package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/artpar/usagegate/bootstrap"
	"github.com/artpar/usagegate/domain/plan"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and seed plan limits",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *bootstrap.App) error {
			fmt.Printf("Migrations applied (%s).\n", a.Config().Storage.Driver)
			return nil
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete old rate limit records and expired suspensions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *bootstrap.App) error {
			res, err := a.RateLimit.Sweep(cmd.Context(), a.Clock.Now())
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			fmt.Printf("Removed %d record(s), expired %d suspension(s).\n", res.Records, res.Suspensions)
			return nil
		})
	},
}

var rolloverCmd = &cobra.Command{
	Use:   "rollover",
	Short: "Delete usage counters from ended periods",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *bootstrap.App) error {
			n, err := a.Quota.Rollover(cmd.Context(), a.Clock.Now())
			if err != nil {
				return fmt.Errorf("rollover: %w", err)
			}
			fmt.Printf("Removed %d expired counter(s).\n", n)
			return nil
		})
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Print the webhook processing health report",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *bootstrap.App) error {
			report, err := a.Health.Report(cmd.Context(), a.Clock.Now())
			if err != nil {
				return fmt.Errorf("health report: %w", err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		})
	},
}

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "List plan limits in effect",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *bootstrap.App) error {
			limits, err := a.Stores.Plans.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list plans: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIER\tCONVERSIONS/MO\tAPI CALLS/MO\tSTORAGE\tMAX FILE")
			fmt.Fprintln(w, "----\t--------------\t------------\t-------\t--------")
			for _, l := range limits {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", l.Tier,
					formatLimit(l.ConversionsPerMonth), formatLimit(l.APICallsPerMonth),
					formatBytes(l.StorageBytes), formatBytes(l.MaxFileSizeBytes))
			}
			return w.Flush()
		})
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(rolloverCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(plansCmd)
}

func formatLimit(v int64) string {
	if v == plan.Unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("%d", v)
}

func formatBytes(v int64) string {
	if v == plan.Unlimited {
		return "unlimited"
	}
	const unit = 1024
	if v < unit {
		return fmt.Sprintf("%d B", v)
	}
	div, exp := int64(unit), 0
	for n := v / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(v)/float64(div), "KMGTPE"[exp])
}
