package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"mpxsync/internal"
)

var newAccount internal.Account

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage mpx accounts",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured accounts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			accounts, err := a.accounts.LoadAll(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSERNAME\tIMPORT ACCOUNT\tPID\tDEFAULT PLAYER")
			for _, account := range accounts {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", account.ID, account.Username, account.ImportAccount, account.AccountPID, account.DefaultPlayer)
			}
			return w.Flush()
		})
	},
}

var accountsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add or update an account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if newAccount.ID <= 0 {
			return internal.NewValidationErrorWithValue("id", "account id must be a positive integer", newAccount.ID)
		}
		if newAccount.Username == "" || newAccount.Password == "" {
			return internal.NewValidationError("username", "username and password are required")
		}
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			account := newAccount
			return a.accounts.Save(ctx, &account)
		})
	},
}

var accountsResolveCmd = &cobra.Command{
	Use:   "resolve ACCOUNT_ID",
	Short: "Look up the import account and store its id and pid",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			account, err := a.account(ctx, args[0])
			if err != nil {
				return err
			}
			resolved, err := a.client.ResolveImportAccount(ctx, account)
			if err != nil {
				return err
			}
			if err := a.accounts.Save(ctx, resolved); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s)\n", resolved, resolved.AccountID, resolved.AccountPID)
			return nil
		})
	},
}

var accountsRemoteCmd = &cobra.Command{
	Use:   "remote ACCOUNT_ID",
	Short: "List the mpx accounts visible to an account's credentials",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			account, err := a.account(ctx, args[0])
			if err != nil {
				return err
			}
			entries, err := a.client.FetchImportAccounts(ctx, account, "")
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TITLE\tPID\tID")
			for _, entry := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\n", entry.Title, entry.PID, entry.ID)
			}
			return w.Flush()
		})
	},
}

func init() {
	flags := accountsAddCmd.Flags()
	flags.Int64Var(&newAccount.ID, "id", 0, "Local account id")
	flags.StringVar(&newAccount.Username, "username", "", "mpx username, e.g. mpx/user@example.com")
	flags.StringVar(&newAccount.Password, "password", "", "mpx password")
	flags.StringVar(&newAccount.ImportAccount, "import-account", "", "Title of the mpx account to import from")
	flags.StringVar(&newAccount.DefaultPlayer, "default-player", "", "Default player pid")

	accountsCmd.AddCommand(accountsListCmd, accountsAddCmd, accountsResolveCmd, accountsRemoteCmd)
}
