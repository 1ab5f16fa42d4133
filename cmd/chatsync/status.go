package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the current configuration and probe the realtime endpoint with the stored credentials.",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		if cfg.Default.WSURL != "" {
			fmt.Fprintf(out, "  WS URL:    %s\n", cfg.Default.WSURL)
		}
		if cfg.Default.PageSize > 0 {
			fmt.Fprintf(out, "  Page size: %d\n", cfg.Default.PageSize)
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		fmt.Fprintf(out, "  Identity:  %s\n", valueOrDefault(cfg.Auth.Identity, "(not signed in)"))
		if cfg.Auth.Token != "" {
			fmt.Fprintf(out, "  Token:     %s\n", maskToken(cfg.Auth.Token))
		} else {
			fmt.Fprintln(out, "  Token:     (not set)")
		}

		if cfg.Auth.Token == "" || cfg.Auth.Identity == "" {
			return nil
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		start := time.Now()
		session, _, err := openSession(context.Background(), nil)
		if err != nil {
			fmt.Fprintf(out, "  Realtime:  unavailable (%v)\n", err)
			return nil
		}
		defer session.Teardown()
		fmt.Fprintf(out, "  Realtime:  %s in %s\n", session.State(), time.Since(start).Round(time.Millisecond))
		return nil
	},
}
