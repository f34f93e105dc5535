package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/schaermu/sitesyncd/internal/store"
)

var tokenFlags struct {
	user string
	kind string
	name string
	ttl  time.Duration
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage API tokens",
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an API token and print it",
	Long: `Create mints a new API token for a user. The plaintext token is printed once
and only its hash is stored.`,
	Args: cobra.NoArgs,
	RunE: runTokenCreate,
}

func init() {
	tokenCreateCmd.Flags().StringVar(&tokenFlags.user, "user", "", "user ID the token acts for")
	tokenCreateCmd.Flags().StringVar(&tokenFlags.kind, "kind", string(store.TokenCLI), "token kind (cli, pat, session)")
	tokenCreateCmd.Flags().StringVar(&tokenFlags.name, "name", "", "descriptive name")
	tokenCreateCmd.Flags().DurationVar(&tokenFlags.ttl, "ttl", 0, "token lifetime (0 never expires)")
	_ = tokenCreateCmd.MarkFlagRequired("user")

	tokenCmd.AddCommand(tokenCreateCmd)
}

func runTokenCreate(cmd *cobra.Command, args []string) error {
	_, st, err := openStore(setupLogger())
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	raw, tok, err := st.CreateToken(store.TokenKind(tokenFlags.kind), tokenFlags.user, tokenFlags.name, tokenFlags.ttl)
	if err != nil {
		return fmt.Errorf("failed to create token: %w", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintln(out, raw)
	if !tok.ExpiresAt.IsZero() {
		_, _ = fmt.Fprintf(out, "expires: %s\n", tok.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}
