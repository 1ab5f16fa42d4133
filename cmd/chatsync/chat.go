package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/socialhub/chatsync"
	"github.com/spf13/cobra"
)

var chatMetricsAddr string

func init() {
	chatCmd.Flags().StringVar(&chatMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <peer>",
	Short: "Open an interactive conversation",
	Long: "Open the direct conversation with peer, print the latest history and stream live messages.\n" +
		"Lines typed on stdin are sent. Commands: /older loads the previous page, /read marks the\n" +
		"conversation read, /quit exits.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		var reg *prometheus.Registry
		if chatMetricsAddr != "" {
			reg = prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector())
			shutdown := serveMetrics(chatMetricsAddr, reg)
			defer shutdown()
		}

		var registerer prometheus.Registerer
		if reg != nil {
			registerer = reg
		}
		session, cfg, err := openSession(ctx, registerer)
		if err != nil {
			return err
		}
		defer session.Teardown()

		return runChat(ctx, session, args[0], cfg.Default.PageSize, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

// runChat drives one conversation until stdin closes, /quit or ctx ends.
func runChat(ctx context.Context, session *chatsync.Session, peer string, pageSize int, in io.Reader, out io.Writer) error {
	p := newTimelinePrinter(out)
	conv, err := session.OpenConversation(ctx, peer, &chatsync.ConversationOptions{
		PageSize: pageSize,
		OnChange: p.update,
	})
	if err != nil {
		if errors.Is(err, chatsync.ErrPeerUnavailable) {
			return fmt.Errorf("%s is not available for chat: %w", peer, err)
		}
		return err
	}
	defer conv.Close()

	p.update(conv)
	fmt.Fprintf(out, "-- chatting with %s (conversation %d), /older /read /quit --\n", peer, conv.Identity().ConversationID)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleChatLine(ctx, conv, p, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func handleChatLine(ctx context.Context, conv *chatsync.Conversation, p *timelinePrinter, line string) bool {
	switch line {
	case "":
		return false
	case "/quit":
		return true
	case "/older":
		if !conv.HasMore() {
			p.printf("-- no older messages --")
			return false
		}
		older, err := conv.LoadOlder(ctx)
		if err != nil {
			p.printf("-- loading older messages failed: %v --", err)
			return false
		}
		p.printOlder(older, conv.Identity().MyUserID)
	case "/read":
		if err := conv.MarkRead(ctx); err != nil {
			p.printf("-- mark read failed: %v --", err)
		}
	default:
		if _, err := conv.Send(ctx, line); err != nil {
			p.printf("-- not sent: %v --", err)
		}
	}
	return false
}

// timelinePrinter prints confirmed messages once each, in arrival order, and
// announces read receipt and relationship changes.
type timelinePrinter struct {
	mu      sync.Mutex
	out     io.Writer
	printed map[int64]bool
	failed  map[string]bool
	newest  time.Time
	seen    int64
	removed bool
}

func newTimelinePrinter(out io.Writer) *timelinePrinter {
	return &timelinePrinter{out: out, printed: make(map[int64]bool), failed: make(map[string]bool)}
}

func (p *timelinePrinter) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *timelinePrinter) update(c *chatsync.Conversation) {
	msgs := c.Messages()
	seen, hasSeen := c.SeenMessageID()
	removed := c.Removed()
	myUserID := c.Identity().MyUserID

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if m.Failed() && !p.failed[m.ClientID] {
			p.failed[m.ClientID] = true
			fmt.Fprintln(p.out, formatMessage(m, myUserID))
			continue
		}
		// Older pages are printed by /older; only move forward here.
		if m.ID == 0 || p.printed[m.ID] || m.CreatedAt.Time.Before(p.newest) {
			continue
		}
		p.printed[m.ID] = true
		p.newest = m.CreatedAt.Time
		fmt.Fprintln(p.out, formatMessage(m, myUserID))
	}
	if hasSeen && seen != p.seen {
		p.seen = seen
		fmt.Fprintf(p.out, "-- seen up to message %d --\n", seen)
	}
	if removed && !p.removed {
		p.removed = true
		fmt.Fprintln(p.out, "-- this friendship was removed; messages can no longer be sent --")
	}
}

func (p *timelinePrinter) printOlder(older []chatsync.Message, myUserID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(older) == 0 {
		return
	}
	fmt.Fprintf(p.out, "-- %d older messages --\n", len(older))
	for _, m := range older {
		if p.printed[m.ID] {
			continue
		}
		p.printed[m.ID] = true
		fmt.Fprintln(p.out, formatMessage(m, myUserID))
	}
}

// serveMetrics exposes reg on addr/metrics until the returned func is called.
func serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
