package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	tokenMinLifetime time.Duration
	tokenForce       bool
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage cached mpx session tokens",
}

var tokenAcquireCmd = &cobra.Command{
	Use:   "acquire ACCOUNT_ID",
	Short: "Acquire a session token, signing in when the cached one falls short",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			account, err := a.account(ctx, args[0])
			if err != nil {
				return err
			}
			token, err := a.client.Tokens().Acquire(ctx, account, tokenMinLifetime, tokenForce)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s valid for %v\n", token, token.TTL(time.Now()).Round(time.Second))
			return nil
		})
	},
}

var tokenReleaseCmd = &cobra.Command{
	Use:   "release ACCOUNT_ID",
	Short: "Drop the cached token and sign it out",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			account, err := a.account(ctx, args[0])
			if err != nil {
				return err
			}
			return a.client.Tokens().Release(ctx, account)
		})
	},
}

func init() {
	tokenAcquireCmd.Flags().DurationVar(&tokenMinLifetime, "min-lifetime", time.Minute, "Minimum remaining lifetime of the returned token")
	tokenAcquireCmd.Flags().BoolVar(&tokenForce, "force", false, "Sign in even when a cached token is still valid")
	tokenCmd.AddCommand(tokenAcquireCmd, tokenReleaseCmd)
}
