package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	fono "github.com/fono-app/fono-go"
	"github.com/spf13/cobra"
)

var usersJSONOutput bool

func init() {
	usersCmd.Flags().BoolVar(&usersJSONOutput, "json", false, "Output raw JSON")
	usersCmd.AddCommand(usersStatusCmd)
	usersCmd.AddCommand(usersProfileCmd)
	rootCmd.AddCommand(usersCmd)
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List the user roster",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		users, err := client.Users.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if usersJSONOutput {
			data, err := json.MarshalIndent(users, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(users) == 0 {
			fmt.Println("No users found.")
			return nil
		}
		for _, u := range users {
			status := u.Status
			if status == "" {
				status = "offline"
			}
			fmt.Printf("%-40s  %-20s  %s\n", u.UserID, u.DisplayName, status)
		}
		return nil
	},
}

var usersStatusCmd = &cobra.Command{
	Use:   "status <online|away|offline>",
	Short: "Set your presence status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Users.UpdateStatus(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Status set to %s\n", args[0])
		return nil
	},
}

var usersProfileCmd = &cobra.Command{
	Use:   "profile <display-name>",
	Short: "Update your display name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		name := args[0]
		me, err := client.Users.UpdateProfile(ctx, fono.ProfileUpdate{DisplayName: &name})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		cfg, err := loadConfig()
		if err == nil {
			cfg.Auth.DisplayName = me.DisplayName
			_ = saveConfig(cfg)
		}

		fmt.Printf("Display name set to %s\n", me.DisplayName)
		return nil
	},
}
