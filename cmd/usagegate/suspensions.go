package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/artpar/usagegate/bootstrap"
	"github.com/spf13/cobra"
)

var suspensionsCmd = &cobra.Command{
	Use:   "suspensions",
	Short: "Manage abuse suspensions",
	Long: `List and lift suspensions created by abuse detection.

Examples:
  usagegate suspensions list
  usagegate suspensions lift user:42`,
}

var suspensionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List suspensions in effect",
	RunE:  runSuspensionsList,
}

var suspensionsLiftCmd = &cobra.Command{
	Use:   "lift <identifier>",
	Short: "Lift the suspension for an identifier",
	Args:  cobra.ExactArgs(1),
	RunE:  runSuspensionsLift,
}

func init() {
	rootCmd.AddCommand(suspensionsCmd)

	suspensionsCmd.AddCommand(suspensionsListCmd)
	suspensionsCmd.AddCommand(suspensionsLiftCmd)
}

func runSuspensionsList(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *bootstrap.App) error {
		list, err := a.RateLimit.Suspensions(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list suspensions: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No active suspensions.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "IDENTIFIER\tREASON\tSEVERITY\tEXPIRES\tREVIEW")
		fmt.Fprintln(w, "----------\t------\t--------\t-------\t------")
		for _, s := range list {
			review := ""
			if s.RequiresReview {
				review = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				s.Identifier, s.Reason, s.Severity, s.ExpiresAt.Format(time.RFC3339), review)
		}
		return w.Flush()
	})
}

func runSuspensionsLift(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *bootstrap.App) error {
		if err := a.RateLimit.Lift(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("lift %s: %w", args[0], err)
		}
		fmt.Printf("Suspension lifted: %s\n", args[0])
		return nil
	})
}
