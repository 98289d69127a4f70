package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rezzyhealth/rezzy/internal/relay"
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Mint a signed API token for a user id",
	Long: `Mint a signed API token for a user id.

The signing secret is read from REZZY_HMAC_SECRET and must match the
secret the relay was started with.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runToken(cmd, args[0])
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, userID string) error {
	secret := os.Getenv("REZZY_HMAC_SECRET")
	if len(secret) < 32 {
		return fmt.Errorf("REZZY_HMAC_SECRET must be set to at least 32 bytes")
	}
	if userID == "" {
		return fmt.Errorf("user id must not be empty")
	}
	fmt.Fprintln(cmd.OutOrStdout(), relay.SignUserToken(userID, []byte(secret)))
	return nil
}
