package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/socialhub/chatsync"
)

const connectTimeout = 10 * time.Second

// parseLevel maps a --log-level value to a slog level.
func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "", "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q (valid: debug, info, warn, error)", s)
}

// newLogger builds a text logger on stderr. The flag wins over the config.
func newLogger(cfg *Config) (*slog.Logger, error) {
	level := cfg.Default.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

// clientOptions translates the config into client options.
func clientOptions(cfg *Config, logger *slog.Logger, reg prometheus.Registerer) []chatsync.ClientOption {
	opts := []chatsync.ClientOption{chatsync.WithLogger(logger)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.WSURL != "" {
		opts = append(opts, chatsync.WithWebSocketURL(cfg.Default.WSURL))
	}
	if reg != nil {
		opts = append(opts, chatsync.WithMetrics(chatsync.NewMetrics(reg)))
	}
	return opts
}

// getClient creates a client authenticated with the stored token.
func getClient(reg prometheus.Registerer) (*chatsync.Client, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" || cfg.Auth.Identity == "" {
		return nil, nil, fmt.Errorf("not signed in; run 'chatsync login <identity> <token>' first")
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	return chatsync.NewClient(cfg.Auth.Token, clientOptions(cfg, logger, reg)...), cfg, nil
}

// openSession creates a session for the stored identity and waits until the
// realtime connection is up. The caller owns Teardown.
func openSession(ctx context.Context, reg prometheus.Registerer) (*chatsync.Session, *Config, error) {
	client, cfg, err := getClient(reg)
	if err != nil {
		return nil, nil, err
	}
	session := chatsync.NewSession(client, cfg.Auth.Identity)
	if err := session.Activate(); err != nil {
		return nil, nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := session.WaitConnected(waitCtx); err != nil {
		session.Teardown()
		return nil, nil, fmt.Errorf("realtime connection not established: %w", err)
	}
	return session, cfg, nil
}

// maskToken shows the first and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// formatMessage renders one timeline entry for the terminal.
func formatMessage(m chatsync.Message, myUserID int64) string {
	who := "them"
	if m.SenderID == myUserID {
		who = "me"
	}
	ts := "--:--:--"
	if !m.CreatedAt.IsZero() {
		ts = m.CreatedAt.Local().Format("2006-01-02 15:04:05")
	}
	suffix := ""
	switch {
	case m.Provisional():
		suffix = " (sending)"
	case m.Failed():
		suffix = " (not sent)"
	}
	return fmt.Sprintf("[%s] %s: %s%s", ts, who, m.Content, suffix)
}
