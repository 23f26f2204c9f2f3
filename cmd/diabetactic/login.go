package main

import (
	"context"
	"errors"

	"github.com/diabetactic/diabetactic-go"
	"github.com/spf13/cobra"
)

var loginClear bool

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and bind the local profile to the account",
	Long: `Log in with the configured credentials and print the account.

The local database is bound to the first account that logs in. Logging in
as someone else fails unless --clear is given, which discards the cached
data and any unsynced writes of the previous account.`,
	Example: `  DIABETACTIC_USERNAME=12345678A DIABETACTIC_PASSWORD=password diabetactic login`,
	Args:    cobra.NoArgs,
	RunE:    runLogin,
}

func init() {
	loginCmd.Flags().BoolVar(&loginClear, "clear", false, "Discard local data bound to another account")
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	return withClient(cmd, false, func(ctx context.Context, c *diabetactic.Client) error {
		user, pass := credentials()
		if user == "" || pass == "" {
			return errors.New("credentials required: set --username and --password or DIABETACTIC_USERNAME and DIABETACTIC_PASSWORD")
		}

		p, err := c.Login(ctx, user, pass)
		var mismatch *diabetactic.ProfileMismatchError
		if errors.As(err, &mismatch) && loginClear {
			printWarning(cmd.ErrOrStderr(), "Clearing local data of user %s", mismatch.BoundUser)
			if err := c.ClearLocalData(ctx); err != nil {
				return err
			}
			p, err = c.Login(ctx, user, pass)
		}
		if err != nil {
			return err
		}
		return outputProfile(cmd, p)
	})
}
