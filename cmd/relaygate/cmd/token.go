package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/domain/share"
	"github.com/relaygate/relaygate/internal/domain/token"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue or verify session tokens",
	Long: `Issue or verify session tokens with the configured token.secret.

Useful for exercising authenticated HTTP routes without a backend
exchange, and for inspecting tokens a client presents.`,
}

var (
	issueTTL     time.Duration
	issueContext string
)

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a session token for a shareable context",
	Long: `Issue a session token embedding a shareable context given as JSON.

Example:
  relaygate token issue --context '{"token":"SHARE1","type":"bot","id":"b-1"}' --ttl 5m`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := tokenService()
		if err != nil {
			return err
		}
		var sc share.Context
		if err := json.Unmarshal([]byte(issueContext), &sc); err != nil {
			return fmt.Errorf("invalid --context: %w", err)
		}
		tok, err := svc.Generate(&sc, issueTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

var tokenVerifyCmd = &cobra.Command{
	Use:   "verify [token]",
	Short: "Verify a session token and print its shareable context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := tokenService()
		if err != nil {
			return err
		}
		sc := svc.Verify(args[0])
		if sc == nil {
			return errors.New("token is invalid or expired")
		}
		out, err := json.MarshalIndent(sc, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

// tokenService builds a token service from the loaded config. An empty
// secret is an error here.
func tokenService() (*token.Service, error) {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Token.Secret == "" {
		return nil, errors.New("token.secret is not set (set RELAYGATE_TOKEN_SECRET)")
	}
	return token.NewService(cfg.Token.Secret,
		token.WithIssuer(cfg.Token.Issuer),
		token.WithDefaultTTL(config.Duration(cfg.Token.TTL, token.DefaultTTL)),
		token.WithLogger(slog.New(slog.DiscardHandler)),
	)
}

func init() {
	tokenIssueCmd.Flags().StringVar(&issueContext, "context", "", "shareable context as JSON (required)")
	tokenIssueCmd.Flags().DurationVar(&issueTTL, "ttl", 0, "token lifetime (default: token.ttl)")
	_ = tokenIssueCmd.MarkFlagRequired("context")

	tokenCmd.AddCommand(tokenIssueCmd, tokenVerifyCmd)
	rootCmd.AddCommand(tokenCmd)
}
