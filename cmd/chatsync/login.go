package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var loginBaseURL string

func init() {
	loginCmd.Flags().StringVar(&loginBaseURL, "base-url", "", "Backend base URL to store alongside the credentials")
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <identity> <token>",
	Short: "Store credentials in ~/.chatsync/config.toml",
	Long:  "Store the identity (email) and bearer token used for every request and the realtime connection.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		identity, token := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Identity = identity
		cfg.Auth.Token = token
		if loginBaseURL != "" {
			if err := setConfigValue(cfg, "default.base_url", loginBaseURL); err != nil {
				return err
			}
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s (credentials saved to %s)\n", identity, path)
		return nil
	},
}
