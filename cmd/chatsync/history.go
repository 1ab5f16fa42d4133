package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/socialhub/chatsync"
	"github.com/spf13/cobra"
)

var (
	historyPages    int
	historyPageSize int
	historyJSON     bool
)

func init() {
	historyCmd.Flags().IntVar(&historyPages, "pages", 1, "Number of pages to load, latest first")
	historyCmd.Flags().IntVar(&historyPageSize, "page-size", 0, "Messages per page (default from config, else 50)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output JSON")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history <peer>",
	Short: "Print the merged history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := getClient(nil)
		if err != nil {
			return err
		}
		size := historyPageSize
		if size <= 0 {
			size = cfg.Default.PageSize
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		id, err := client.ResolveDirect(ctx, args[0])
		if err != nil {
			return err
		}
		msgs, err := loadHistory(ctx, client, id.ConversationID, size, historyPages)
		if err != nil {
			return err
		}
		return printHistory(cmd.OutOrStdout(), msgs, id.MyUserID, historyJSON)
	},
}

// loadHistory loads the latest page and then up to pages-1 older pages.
func loadHistory(ctx context.Context, source chatsync.HistorySource, conversationID int64, size, pages int) ([]chatsync.Message, error) {
	t := chatsync.NewTimeline(source, conversationID, size)
	defer t.Close()

	if _, err := t.LoadLatest(ctx); err != nil {
		return nil, fmt.Errorf("failed to load latest messages: %w", err)
	}
	for i := 1; i < pages && t.HasMore(); i++ {
		if _, err := t.LoadOlder(ctx); err != nil {
			return nil, fmt.Errorf("failed to load page %d: %w", i, err)
		}
	}
	return t.Messages(), nil
}

func printHistory(out io.Writer, msgs []chatsync.Message, myUserID int64, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(msgs)
	}
	if len(msgs) == 0 {
		fmt.Fprintln(out, "No messages found.")
		return nil
	}
	for _, m := range msgs {
		fmt.Fprintln(out, formatMessage(m, myUserID))
	}
	return nil
}
