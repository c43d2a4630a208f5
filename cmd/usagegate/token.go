package main

import (
	"fmt"

	"github.com/artpar/usagegate/adapters/hasher"
	"github.com/artpar/usagegate/adapters/random"
	"github.com/spf13/cobra"
)

var adminTokenCmd = &cobra.Command{
	Use:   "admin-token [token]",
	Short: "Generate an admin token and its bcrypt hash",
	Long: `Generate a random admin token, or hash the one given, and print the
bcrypt hash to put in admin.token. The plaintext is only shown once.

Examples:
  usagegate admin-token
  usagegate admin-token my-existing-token`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAdminToken,
}

var (
	tokenBytes int
	tokenCost  int
)

func init() {
	rootCmd.AddCommand(adminTokenCmd)

	adminTokenCmd.Flags().IntVar(&tokenBytes, "bytes", 32, "random bytes in a generated token")
	adminTokenCmd.Flags().IntVar(&tokenCost, "cost", 12, "bcrypt cost")
}

func runAdminToken(cmd *cobra.Command, args []string) error {
	token := ""
	if len(args) == 1 {
		token = args[0]
	} else {
		var err error
		if token, err = random.Token(tokenBytes); err != nil {
			return err
		}
	}

	hash, err := hasher.Hash(token, tokenCost)
	if err != nil {
		return fmt.Errorf("hash token: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(args) == 0 {
		fmt.Fprintf(out, "Token: %s\n", token)
	}
	fmt.Fprintf(out, "Hash:  %s\n", hash)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Set admin.token (or USAGEGATE_ADMIN_TOKEN) to the hash.")
	return nil
}
