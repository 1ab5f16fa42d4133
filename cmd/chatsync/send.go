package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/socialhub/chatsync"
	"github.com/spf13/cobra"
)

var sendWait time.Duration

func init() {
	sendCmd.Flags().DurationVar(&sendWait, "wait", 5*time.Second, "How long to wait for the server echo (0 to skip)")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <peer> <message>",
	Short: "Send one message to a peer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer, content := args[0], args[1]
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		session, _, err := openSession(ctx, nil)
		if err != nil {
			return err
		}
		defer session.Teardown()

		id, err := session.Resolve(ctx, peer)
		if err != nil {
			return err
		}

		echoes := make(chan chatsync.Message, 8)
		unsubscribe := session.Subscribe(id.ConversationID, func(ev chatsync.ConversationEvent) {
			if m, ok := ev.(*chatsync.MessageEvent); ok {
				select {
				case echoes <- m.Message:
				default:
				}
			}
		})
		defer unsubscribe()

		clientID, err := session.SendToConversation(ctx, id, content)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		out := cmd.OutOrStdout()
		if sendWait <= 0 {
			fmt.Fprintf(out, "Sent to conversation %d (client id %s)\n", id.ConversationID, clientID)
			return nil
		}

		timeout := time.After(sendWait)
		for {
			select {
			case m := <-echoes:
				if !isEcho(m, id.MyUserID, clientID, content) {
					continue
				}
				fmt.Fprintf(out, "Delivered to conversation %d\n", id.ConversationID)
				fmt.Fprintf(out, "  Message ID: %d\n", m.ID)
				fmt.Fprintf(out, "  Content:    %s\n", m.Content)
				return nil
			case <-timeout:
				fmt.Fprintf(out, "Sent to conversation %d, no confirmation within %s (client id %s)\n",
					id.ConversationID, sendWait, clientID)
				return nil
			case <-ctx.Done():
				return nil
			}
		}
	},
}

// isEcho reports whether m is the server copy of the message sent with
// clientID. Copies without a token are matched by sender and content.
func isEcho(m chatsync.Message, myUserID int64, clientID, content string) bool {
	if m.ClientID != "" {
		return m.ClientID == clientID
	}
	return m.SenderID == myUserID && m.Content == content
}
