package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/artpar/usagegate/bootstrap"
	"github.com/spf13/cobra"
)

var webhooksCmd = &cobra.Command{
	Use:   "webhooks",
	Short: "Inspect and replay payment webhook events",
	Long: `Inspect and replay stored payment webhook events.

Examples:
  usagegate webhooks dead-letter
  usagegate webhooks get evt_123
  usagegate webhooks replay evt_123
  usagegate webhooks retry`,
}

var webhooksDeadLetterCmd = &cobra.Command{
	Use:   "dead-letter",
	Short: "List events that exhausted their attempts",
	RunE:  runWebhooksDeadLetter,
}

var webhooksGetCmd = &cobra.Command{
	Use:   "get <event-id>",
	Short: "Show one event",
	Args:  cobra.ExactArgs(1),
	RunE:  runWebhooksGet,
}

var webhooksReplayCmd = &cobra.Command{
	Use:   "replay <event-id>",
	Short: "Reset an event's attempts and process it again",
	Args:  cobra.ExactArgs(1),
	RunE:  runWebhooksReplay,
}

var webhooksRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Process one batch of due retries now",
	RunE:  runWebhooksRetry,
}

var (
	deadLetterLimit int
)

func init() {
	rootCmd.AddCommand(webhooksCmd)

	webhooksCmd.AddCommand(webhooksDeadLetterCmd)
	webhooksCmd.AddCommand(webhooksGetCmd)
	webhooksCmd.AddCommand(webhooksReplayCmd)
	webhooksCmd.AddCommand(webhooksRetryCmd)

	webhooksDeadLetterCmd.Flags().IntVar(&deadLetterLimit, "limit", 100, "maximum events to list")
}

func runWebhooksDeadLetter(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *bootstrap.App) error {
		evs, err := a.Webhooks.ListDeadLettered(cmd.Context(), deadLetterLimit)
		if err != nil {
			return fmt.Errorf("failed to list dead-lettered events: %w", err)
		}
		if len(evs) == 0 {
			fmt.Println("No dead-lettered events.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "EVENT ID\tTYPE\tATTEMPTS\tCREATED\tLAST ERROR")
		fmt.Fprintln(w, "--------\t----\t--------\t-------\t----------")
		for _, ev := range evs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				ev.EventID, ev.Type, ev.Attempts, ev.CreatedAt.Format(time.RFC3339), truncate(ev.LastError, 60))
		}
		return w.Flush()
	})
}

func runWebhooksGet(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *bootstrap.App) error {
		ev, err := a.Webhooks.Get(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("event %s: %w", args[0], err)
		}
		fmt.Printf("Event:      %s\n", ev.EventID)
		fmt.Printf("Type:       %s\n", ev.Type)
		fmt.Printf("Processed:  %t\n", ev.Processed)
		fmt.Printf("Attempts:   %d\n", ev.Attempts)
		fmt.Printf("Created:    %s\n", ev.CreatedAt.Format(time.RFC3339))
		if ev.NextAttemptAt != nil {
			fmt.Printf("Next retry: %s\n", ev.NextAttemptAt.Format(time.RFC3339))
		}
		if ev.LastError != "" {
			fmt.Printf("Last error: %s\n", ev.LastError)
		}
		return nil
	})
}

func runWebhooksReplay(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *bootstrap.App) error {
		res, err := a.Webhooks.Replay(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("replay %s: %w", args[0], err)
		}
		fmt.Printf("Event %s: %s after %d attempt(s)\n", res.EventID, res.Status, res.Attempts)
		return nil
	})
}

func runWebhooksRetry(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *bootstrap.App) error {
		n, err := a.Webhooks.RetryDue(cmd.Context())
		if err != nil {
			return fmt.Errorf("retry: %w", err)
		}
		fmt.Printf("Attempted %d due event(s).\n", n)
		return nil
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
