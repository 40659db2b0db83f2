package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration and fetch live account info from the backend.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:     %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Printf("  Realtime URL: %s\n", valueOrDefault(cfg.Default.RealtimeURL, "(derived)"))
		if cfg.Default.Audience != "" {
			fmt.Printf("  Audience:     %s\n", cfg.Default.Audience)
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Subject != "" {
			fmt.Printf("  Subject:      %s\n", cfg.Auth.Subject)
			fmt.Printf("  Display Name: %s\n", cfg.Auth.DisplayName)
		} else {
			fmt.Println("  Subject:      (not logged in)")
		}
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:        %s\n", maskToken(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:        (not set)")
		}

		if cfg.Auth.Token == "" {
			return nil
		}

		// Live status.
		fmt.Println()
		fmt.Println("Live status:")

		client := clientFromConfig(cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		me, err := client.Users.Me(ctx)
		if err != nil {
			fmt.Printf("  Error fetching account info: %v\n", err)
			return nil
		}

		fmt.Printf("  Display Name: %s\n", me.DisplayName)
		fmt.Printf("  Status:       %s\n", valueOrDefault(me.Status, "(none)"))
		if me.StatusMessage != "" {
			fmt.Printf("  Message:      %s\n", me.StatusMessage)
		}
		if me.LastSeen != "" {
			fmt.Printf("  Last Seen:    %s\n", me.LastSeen)
		}
		return nil
	},
}

// maskToken shows the first 12 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 16 {
		return token[:4] + "..." + token[len(token)-4:]
	}
	return token[:12] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
