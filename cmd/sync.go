package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"mpxsync/internal"
	"mpxsync/mpx"
)

var (
	syncAll    bool
	playersAll bool
)

var syncCmd = &cobra.Command{
	Use:   "sync [ACCOUNT_ID...]",
	Short: "Run video ingestion for accounts",
	Long: `Run one video ingestion pass per account. Depending on the account's state
this imports the first page of its library, queues the rest of a pending
batch import, or applies media notifications since the last run.

Accounts already being ingested by another process are skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			accounts, err := a.selectAccounts(ctx, args, syncAll)
			if err != nil {
				return err
			}
			return runSync(ctx, a, cmd.OutOrStdout(), accounts)
		})
	},
}

var playersCmd = &cobra.Command{
	Use:   "players [ACCOUNT_ID...]",
	Short: "Apply player notifications for accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			accounts, err := a.selectAccounts(ctx, args, playersAll)
			if err != nil {
				return err
			}
			return runPlayers(ctx, a, cmd.OutOrStdout(), accounts)
		})
	},
}

func runSync(ctx context.Context, a *app, out io.Writer, accounts []*internal.Account) error {
	summaries, err := a.ingestor.RunAll(ctx, accounts)
	if !a.cfg.QuietMode {
		for _, summary := range summaries {
			printSummary(out, summary)
		}
	}
	return err
}

func runPlayers(ctx context.Context, a *app, out io.Writer, accounts []*internal.Account) error {
	var errs []error
	for _, account := range accounts {
		summary, err := a.ingestor.SyncPlayers(ctx, account)
		if err != nil {
			if internal.IsKind(err, internal.ErrLockBusy) {
				internal.LogError(ctx, a.logger, "player sync skipped", err, "account", account.String())
				continue
			}
			internal.LogError(ctx, a.logger, "player sync failed", err, "account", account.String())
			errs = append(errs, fmt.Errorf("account %d: %w", account.ID, err))
			continue
		}
		if !a.cfg.QuietMode {
			printSummary(out, summary)
		}
	}
	return errors.Join(errs...)
}

func printSummary(out io.Writer, summary *mpx.Summary) {
	fmt.Fprintf(out, "account %d: %s", summary.AccountID, summary.Mode)
	switch {
	case summary.QueuedWindows > 0:
		fmt.Fprintf(out, ", queued %d windows", summary.QueuedWindows)
	case summary.Imported > 0:
		fmt.Fprintf(out, ", imported %d media", summary.Imported)
	case summary.Notifications > 0:
		fmt.Fprintf(out, ", applied %d notifications", summary.Notifications)
	}
	fmt.Fprintf(out, " (%v)\n", summary.Elapsed.Round(time.Millisecond))
}

func init() {
	syncCmd.Flags().BoolVar(&syncAll, "all", false, "Run for every configured account")
	playersCmd.Flags().BoolVar(&playersAll, "all", false, "Run for every configured account")
}
