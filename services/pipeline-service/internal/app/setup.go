package app

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/stoik/mailsift/services/pipeline-service/internal/logging"
)

// firstFetchLimit is the size of the page fetched right after a credential
// is stored.
const firstFetchLimit = 10

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create the database schema",
	Long:  "Creates the message, event and credential tables for the configured storage backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), "Running migrations...")
		st, err := openStore(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer st.Close()

		fmt.Fprintf(cmd.OutOrStdout(), "✓ Database setup complete (%s)\n", cfg.Database.Driver)
		return nil
	},
}

var credsCmd = &cobra.Command{
	Use:   "creds",
	Short: "Manage stored user credentials",
}

var credsPutCmd = &cobra.Command{
	Use:   "put",
	Short: "Store an OAuth2 token for a user",
	Long:  "Stores the OAuth2 token in --token-file for the user owning --email, then fetches the first page of unread mail",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		email, _ := cmd.Flags().GetString("email")
		tokenFile, _ := cmd.Flags().GetString("token-file")
		if email == "" || tokenFile == "" {
			return fmt.Errorf("--email and --token-file are required")
		}

		raw, err := os.ReadFile(tokenFile)
		if err != nil {
			return fmt.Errorf("failed to read token file: %w", err)
		}
		var tok oauth2.Token
		if err := json.Unmarshal(raw, &tok); err != nil {
			return fmt.Errorf("failed to decode token file: %w", err)
		}
		if tok.AccessToken == "" && tok.RefreshToken == "" {
			return fmt.Errorf("token file has neither an access nor a refresh token")
		}

		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer logging.Flush(2 * time.Second)

		c, err := build(ctx, cfg, log)
		if err != nil {
			return fmt.Errorf("failed to initialize: %w", err)
		}
		defer c.Close()

		userID, err := c.creds.Put(ctx, email, &tok)
		if err != nil {
			return fmt.Errorf("failed to store credential: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Stored credential for %s (user %s)\n", email, userID)

		cred, err := c.creds.Get(ctx, userID)
		if err != nil {
			return err
		}
		res, err := c.fetcher.FetchUnread(ctx, cred, userID, firstFetchLimit, "")
		if err != nil {
			log.WithError(err).WithField("user_id", userID).Warn("Initial fetch failed")
			return nil
		}
		return printJSON(cmd, res)
	},
}

func init() {
	credsPutCmd.Flags().String("email", "", "Mailbox address the token belongs to")
	credsPutCmd.Flags().String("token-file", "", "Path to an OAuth2 token JSON file")

	credsCmd.AddCommand(credsPutCmd)
	rootCmd.AddCommand(setupCmd, credsCmd)
}
