package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/socialhub/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the endpoints and settings chatsync will use, with defaults filled in and the token masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Fprintln(cmd.OutOrStdout(), "No configuration file found. Run 'chatsync login <identity> <token>' to create one.")
			return nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		printEffectiveConfig(cmd.OutOrStdout(), path, cfg)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value using dot notation.\n" +
		"Keys: default.base_url (http/https), default.ws_url (ws/wss), default.page_size,\n" +
		"default.log_level, auth.identity, auth.token.\n" +
		"Example: chatsync config set default.ws_url wss://chat.example.com/ws",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateConfig(cmd.OutOrStdout(), args[0], args[1])
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Reset a configuration value to its default",
	Long:  "Clear a configuration value. An unset default.ws_url is derived from default.base_url again.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateConfig(cmd.OutOrStdout(), args[0], "")
	},
}

func updateConfig(out io.Writer, key, value string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := setConfigValue(cfg, key, value); err != nil {
		return err
	}
	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	switch {
	case value == "":
		fmt.Fprintf(out, "Unset %s\n", key)
	case key == "auth.token":
		fmt.Fprintf(out, "Set %s = %s\n", key, maskToken(value))
	default:
		fmt.Fprintf(out, "Set %s = %s\n", key, value)
	}
	return nil
}

// printEffectiveConfig resolves the endpoints the way the client does, so a
// derived ws_url is shown as the client will dial it.
func printEffectiveConfig(out io.Writer, path string, cfg *Config) {
	client := chatsync.NewClient(cfg.Auth.Token,
		clientOptions(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)...)

	wsNote := ""
	if cfg.Default.WSURL == "" {
		wsNote = " (derived)"
	}
	pageSize, pageNote := cfg.Default.PageSize, ""
	if pageSize <= 0 {
		pageSize, pageNote = chatsync.DefaultPageSize, " (default)"
	}
	level, levelNote := cfg.Default.LogLevel, ""
	if level == "" {
		level, levelNote = "warn", " (default)"
	}

	fmt.Fprintf(out, "# %s\n", path)
	fmt.Fprintln(out, "[default]")
	fmt.Fprintf(out, "base_url  = %s\n", client.BaseURL())
	fmt.Fprintf(out, "ws_url    = %s%s\n", client.WebSocketURL(), wsNote)
	fmt.Fprintf(out, "page_size = %d%s\n", pageSize, pageNote)
	fmt.Fprintf(out, "log_level = %s%s\n", level, levelNote)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "[auth]")
	fmt.Fprintf(out, "identity  = %s\n", valueOrDefault(cfg.Auth.Identity, "(not signed in)"))
	fmt.Fprintf(out, "token     = %s\n", valueOrDefault(maskToken(cfg.Auth.Token), "(none)"))
}
