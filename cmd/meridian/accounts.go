package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"meridian-hq/meridian/pkg/accounts"
	"meridian-hq/meridian/pkg/config"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage the pooled account store",
	Long: `Inspect and edit the durable account store without starting the
server. A running server picks up edits automatically when the store
watcher is enabled.`,
}

var accountAddFlags struct {
	id           string
	email        string
	accessToken  string
	refreshToken string
	projectID    string
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pooled accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		all, err := store.Load()
		if err != nil {
			return err
		}
		if len(all) == 0 {
			fmt.Println("no accounts")
			return nil
		}
		for _, a := range all {
			expires := time.UnixMilli(a.ExpiresAt).Format(time.RFC3339)
			fmt.Printf("%s\temail=%s\tproject=%s\ttoken_expires=%s\n", a.ID, a.Email, a.ProjectID, expires)
		}
		return nil
	},
}

var accountsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an account to the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		if accountAddFlags.refreshToken == "" {
			return fmt.Errorf("--refresh-token is required")
		}
		id := accountAddFlags.id
		if id == "" {
			id = accountAddFlags.email
		}
		if id == "" {
			return fmt.Errorf("--id or --email is required")
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		all, err := store.Load()
		if err != nil {
			return err
		}
		for _, a := range all {
			if a.ID == id {
				return fmt.Errorf("account %q already exists", id)
			}
		}
		all = append(all, &accounts.Account{
			ID:           id,
			Email:        accountAddFlags.email,
			AccessToken:  accountAddFlags.accessToken,
			RefreshToken: accountAddFlags.refreshToken,
			ExpiresAt:    time.Now().UnixMilli(),
			ProjectID:    accountAddFlags.projectID,
		})
		if err := store.Save(all); err != nil {
			return err
		}
		fmt.Printf("added account %s\n", id)
		return nil
	},
}

var accountsRemoveCmd = &cobra.Command{
	Use:   "remove <id-or-email>",
	Short: "Remove an account from the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		all, err := store.Load()
		if err != nil {
			return err
		}

		kept := all[:0]
		removed := false
		for _, a := range all {
			if a.ID == args[0] || a.Email == args[0] {
				removed = true
				continue
			}
			kept = append(kept, a)
		}
		if !removed {
			return fmt.Errorf("no account matches %q", args[0])
		}
		if err := store.Save(kept); err != nil {
			return err
		}
		fmt.Printf("removed account %s\n", args[0])
		return nil
	},
}

func openStore() (*accounts.Store, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	return accounts.NewStore(cfg.Accounts.StorePath), nil
}

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsAddCmd)
	accountsCmd.AddCommand(accountsRemoveCmd)

	accountsAddCmd.Flags().StringVar(&accountAddFlags.id, "id", "", "stable account id (defaults to email)")
	accountsAddCmd.Flags().StringVar(&accountAddFlags.email, "email", "", "account email")
	accountsAddCmd.Flags().StringVar(&accountAddFlags.accessToken, "access-token", "", "current access token, if known")
	accountsAddCmd.Flags().StringVar(&accountAddFlags.refreshToken, "refresh-token", "", "long-lived refresh token")
	accountsAddCmd.Flags().StringVar(&accountAddFlags.projectID, "project", "", "upstream project scope, if known")
}
