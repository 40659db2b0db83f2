package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	fono "github.com/fono-app/fono-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	chatSendJSON    bool
	chatHistoryJSON bool
	chatClearYes    bool
)

// ============================================================================
// Root chat command
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat commands",
	Long:  "Send messages, read history, clear conversations, and watch a conversation live.",
}

func init() {
	chatSendCmd.Flags().BoolVar(&chatSendJSON, "json", false, "Output raw JSON")
	chatHistoryCmd.Flags().BoolVar(&chatHistoryJSON, "json", false, "Output raw JSON")
	chatClearCmd.Flags().BoolVarP(&chatClearYes, "yes", "y", false, "Skip confirmation")

	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatHistoryCmd)
	chatCmd.AddCommand(chatDeleteCmd)
	chatCmd.AddCommand(chatClearCmd)
	chatCmd.AddCommand(chatWatchCmd)
	rootCmd.AddCommand(chatCmd)
}

// ============================================================================
// chat send
// ============================================================================

var chatSendCmd = &cobra.Command{
	Use:   "send <user-id> <message>",
	Short: "Send a direct message to a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, message := args[0], args[1]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := client.Messages.Send(ctx, fono.SendMessageRequest{
			SenderID:   client.Subject(),
			ReceiverID: userID,
			Content:    message,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if chatSendJSON {
			data, err := json.MarshalIndent(msg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("Message sent to %s\n", userID)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		fmt.Printf("  Content:    %s\n", msg.Content)
		return nil
	},
}

// ============================================================================
// chat history
// ============================================================================

var chatHistoryCmd = &cobra.Command{
	Use:   "history <user-id>",
	Short: "Show the conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		engine := fono.NewEngine(client, getTransport(mustLoadConfig(), client), nil)
		if err := engine.SelectConversation(ctx, userID); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		state := engine.Snapshot()
		if chatHistoryJSON {
			data, err := json.MarshalIndent(state.Messages, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(state.Messages) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range state.Messages {
			printMessage(client.Subject(), m)
		}
		return nil
	},
}

// ============================================================================
// chat delete
// ============================================================================

var chatDeleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete a single message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Messages.Delete(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Message deleted.")
		return nil
	},
}

// ============================================================================
// chat clear
// ============================================================================

var chatClearCmd = &cobra.Command{
	Use:   "clear <user-id>",
	Short: "Delete every message in a conversation",
	Long:  "Fetches the conversation and deletes its messages one by one, reporting progress.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		engine := fono.NewEngine(client, getTransport(mustLoadConfig(), client), nil)
		if err := engine.SelectConversation(ctx, userID); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		total := len(engine.Snapshot().Messages)
		if total == 0 {
			fmt.Println("Nothing to clear.")
			return nil
		}

		if !chatClearYes {
			fmt.Printf("Delete %d messages with %s? [y/N] ", total, userID)
			reader := bufio.NewReader(os.Stdin)
			answer, _ := reader.ReadString('\n')
			if strings.ToLower(strings.TrimSpace(answer)) != "y" {
				fmt.Println("Aborted.")
				return nil
			}
		}

		summary := engine.ClearChat(ctx, func(p fono.ClearProgress) {
			fmt.Printf("\rDeleted %d/%d (%d failed)", p.Deleted, p.Total, len(p.Errors))
		})
		fmt.Println()

		if summary.Success {
			fmt.Printf("Cleared %d messages.\n", summary.Deleted)
			return nil
		}
		fmt.Printf("Cleared %d messages; %d failed:\n", summary.Deleted, len(summary.Errors))
		for _, err := range summary.Errors {
			fmt.Printf("  %v\n", err)
		}
		return fmt.Errorf("clear finished with errors")
	},
}

// ============================================================================
// chat watch
// ============================================================================

var chatWatchCmd = &cobra.Command{
	Use:   "watch <user-id>",
	Short: "Watch a conversation live",
	Long:  "Subscribes to the realtime channel and prints the conversation as it changes.\nLines typed on stdin are sent as messages. Ctrl-C exits.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := args[0]
		client := getClient()
		cfg := mustLoadConfig()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		transport := getTransport(cfg, client)

		changes := make(chan struct{}, 1)
		engine := fono.NewEngine(client, transport, &fono.EngineOptions{
			OnChange: func() {
				select {
				case changes <- struct{}{}:
				default:
				}
			},
		})
		defer engine.Close()

		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("realtime setup failed: %w", err)
		}
		if err := engine.SelectConversation(ctx, userID); err != nil {
			fmt.Fprintf(os.Stderr, "history fetch failed: %v\n", err)
		}

		// Sender goroutine: each stdin line becomes a message.
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if err := engine.SendMessage(ctx, userID, line); err != nil {
					fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
				}
			}
		}()

		printConversation(client.Subject(), engine.Snapshot())
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-changes:
				printConversation(client.Subject(), engine.Snapshot())
			}
		}
	},
}

// ============================================================================
// Output helpers
// ============================================================================

func printConversation(self string, state fono.ConversationState) {
	fmt.Print("\033[H\033[2J")
	fmt.Printf("Conversation with %s\n", state.PartnerID)
	fmt.Println(strings.Repeat("-", 60))
	if state.Loading {
		fmt.Println("(loading...)")
	}
	if state.Err != nil {
		fmt.Printf("(error: %v)\n", state.Err)
	}
	for _, m := range state.Messages {
		printMessage(self, m)
	}
	if state.IsOtherUserTyping {
		fmt.Printf("%s is typing...\n", state.PartnerID)
	}
}

func printMessage(self string, m fono.Message) {
	who := m.SenderID
	if m.SenderID == self {
		who = "me"
	}
	pending := ""
	if fono.IsOptimisticID(m.ID) {
		pending = " (sending)"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt, who, m.Content, pending)
}

func mustLoadConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}
