package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"mpxsync/internal"
	"mpxsync/mpx"
)

var cursorFeed string

var cursorCmd = &cobra.Command{
	Use:   "cursor",
	Short: "Inspect or reset notification cursors",
}

var cursorGetCmd = &cobra.Command{
	Use:   "get ACCOUNT_ID",
	Short: "Print the stored notification sequence id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			poller, err := a.poller(ctx, args[0], cursorFeed)
			if err != nil {
				return err
			}
			cursor, err := poller.Cursor(ctx)
			if err != nil {
				return err
			}
			if cursor == "" {
				cursor = "(none)"
			}
			fmt.Fprintln(cmd.OutOrStdout(), cursor)
			return nil
		})
	},
}

var cursorResetCmd = &cobra.Command{
	Use:   "reset ACCOUNT_ID",
	Short: "Delete the stored cursor; resetting media restarts the import",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			poller, err := a.poller(ctx, args[0], cursorFeed)
			if err != nil {
				return err
			}
			return poller.ResetCursor(ctx)
		})
	},
}

// poller returns the poller of feed for the account named by arg
func (a *app) poller(ctx context.Context, arg, feed string) (*mpx.NotificationPoller, error) {
	account, err := a.account(ctx, arg)
	if err != nil {
		return nil, err
	}
	switch feed {
	case "media":
		return a.ingestor.MediaPoller(account), nil
	case "player":
		return a.ingestor.PlayerPoller(account), nil
	default:
		return nil, internal.NewValidationErrorWithValue("feed", "feed must be media or player", feed)
	}
}

func init() {
	cursorCmd.PersistentFlags().StringVar(&cursorFeed, "feed", "media", "Notification feed (media, player)")
	cursorCmd.AddCommand(cursorGetCmd, cursorResetCmd)
}
