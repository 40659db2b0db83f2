package main

import (
	"context"
	"fmt"
	"time"

	fono "github.com/fono-app/fono-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Log in with an access token",
	Long:  "Store an access token and verify it against the backend.\nThe token's subject and display name are saved to ~/.fono/config.toml.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.Token = token

		// Verify the token by fetching our own profile.
		client := clientFromConfig(cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		me, err := client.Users.Me(ctx)
		if err != nil {
			if apiErr, ok := fono.AsAPIError(err); ok {
				return fmt.Errorf("token rejected by backend: %s", apiErr.Message)
			}
			return fmt.Errorf("failed to verify token: %w", err)
		}

		cfg.Auth.Subject = me.UserID
		cfg.Auth.DisplayName = me.DisplayName
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Logged in as %s (%s)\n", me.DisplayName, me.UserID)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear stored credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}
