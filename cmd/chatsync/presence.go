package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/socialhub/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(presenceCmd)
}

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "Watch friend presence and relationship events",
	Long:  "Print the presence snapshot, then every presence and friend event until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		session, _, err := openSession(ctx, nil)
		if err != nil {
			return err
		}
		defer session.Teardown()

		out := cmd.OutOrStdout()
		events := make(chan chatsync.FriendEvent, 64)
		unsubscribe := session.SubscribeFriendEvents(func(ev chatsync.FriendEvent) {
			select {
			case events <- ev:
			default:
			}
		})
		defer unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-events:
				printFriendEvent(out, ev)
			}
		}
	},
}

func printFriendEvent(out io.Writer, ev chatsync.FriendEvent) {
	switch ev.Type {
	case chatsync.EventPresenceSnapshot:
		fmt.Fprintf(out, "snapshot: %d friends\n", len(ev.Users))
		for _, u := range ev.Users {
			fmt.Fprintf(out, "  user %d %s\n", u.UserID, onlineLabel(u.Online))
		}
	case chatsync.EventPresenceUpdate:
		fmt.Fprintf(out, "user %d is %s\n", ev.UserID, onlineLabel(ev.Online))
	case chatsync.EventFriendRemoved:
		if ev.RemovedFriend != nil {
			fmt.Fprintf(out, "friend removed: %s\n", valueOrDefault(ev.RemovedFriend.Nickname, ev.RemovedFriend.Email))
		} else {
			fmt.Fprintln(out, "friend removed")
		}
	default:
		fmt.Fprintf(out, "%s %s\n", ev.Type, string(ev.Request))
	}
}

func onlineLabel(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
