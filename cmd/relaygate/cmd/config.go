package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/relaygate/relaygate/internal/config"
)

const redacted = "<redacted>"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration relaygate would start with, after the config
file, environment overrides and defaults are applied. Secrets are redacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfigRaw()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if devMode {
			cfg.DevMode = true
		}
		cfg.SetDevDefaults()

		out, err := yaml.Marshal(redact(*cfg))
		if err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		if used := config.ConfigFileUsed(); used != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "# loaded from %s\n", used)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

// redact masks secret values in a copy of cfg.
func redact(cfg config.Config) config.Config {
	if cfg.Token.Secret != "" {
		cfg.Token.Secret = redacted
	}
	if cfg.Server.BroadcastKey != "" {
		cfg.Server.BroadcastKey = redacted
	}
	if cfg.Store.Redis.Password != "" {
		cfg.Store.Redis.Password = redacted
	}
	if cfg.Notify.SlackWebhookURL != "" {
		cfg.Notify.SlackWebhookURL = redacted
	}
	return cfg
}

func init() {
	configCmd.Flags().BoolVar(&devMode, "dev", false, "Apply development defaults")
	rootCmd.AddCommand(configCmd)
}
