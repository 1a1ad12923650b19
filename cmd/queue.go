package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"mpxsync/internal"
	"mpxsync/utils"
)

var (
	populateLimit int
	workMax       int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage batch import request queues",
}

var queuePopulateCmd = &cobra.Command{
	Use:   "populate ACCOUNT_ID",
	Short: "Queue the range requests of a pending batch import",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			account, err := a.account(ctx, args[0])
			if err != nil {
				return err
			}
			queued, err := a.batches.PopulateItems(ctx, account, populateLimit)
			if err != nil {
				return err
			}
			if !a.cfg.QuietMode {
				fmt.Fprintf(cmd.OutOrStdout(), "queued %d windows for account %d\n", queued, account.ID)
			}
			return nil
		})
	},
}

var queueWorkCmd = &cobra.Command{
	Use:   "work ACCOUNT_ID",
	Short: "Process queued range requests",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			account, err := a.account(ctx, args[0])
			if err != nil {
				return err
			}
			return runWork(ctx, a, cmd.ErrOrStderr(), account, workMax)
		})
	},
}

var queueStatusCmd = &cobra.Command{
	Use:   "status ACCOUNT_ID",
	Short: "Print the number of queued range requests",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			account, err := a.account(ctx, args[0])
			if err != nil {
				return err
			}
			pending, err := a.batches.Pending(ctx, account)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d windows pending for account %d\n", pending, account.ID)
			return nil
		})
	},
}

func runWork(ctx context.Context, a *app, out io.Writer, account *internal.Account, max int) error {
	pending, err := a.batches.Pending(ctx, account)
	if err != nil {
		return err
	}
	total := pending
	if max > 0 && int64(max) < total {
		total = int64(max)
	}

	progress := utils.NewBatchProgressWithOutput(total, a.cfg.QuietMode, out)
	result, err := a.batches.Work(ctx, account, max, progress)
	progress.Finish()
	if err != nil {
		return err
	}
	return result.Err()
}

func init() {
	queuePopulateCmd.Flags().IntVar(&populateLimit, "limit", 0, "Items per range request (default: MPX_BATCH_LIMIT)")
	queueWorkCmd.Flags().IntVar(&workMax, "max", 0, "Maximum number of requests to process (0 for all)")
	queueCmd.AddCommand(queuePopulateCmd, queueWorkCmd, queueStatusCmd)
}
