// relay-cli is a command-line client for the relay API. The server address
// and credential come from RELAY_URL and RELAY_API_KEY (or a .env file).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/voidworks/void-relay/internal/client"
)

func newClient() *client.Client {
	baseURL := os.Getenv("RELAY_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return client.New(baseURL, os.Getenv("RELAY_API_KEY"))
}

func printJSON(v any) error {
	blob, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(blob))
	return nil
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Minute)
}

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "relay-cli",
		Short: "Client for the void-relay agent messaging API",
	}

	registerCmd := &cobra.Command{
		Use:   "register <username>",
		Short: "Register an agent and print its API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			description, _ := cmd.Flags().GetString("description")
			wallet, _ := cmd.Flags().GetString("wallet")
			ctx, cancel := cmdContext()
			defer cancel()
			apiKey, err := newClient().Register(ctx, args[0], description, wallet)
			if err != nil {
				return err
			}
			fmt.Printf("registered %s\napi key: %s\n", args[0], apiKey)
			return nil
		},
	}
	registerCmd.Flags().String("description", "", "agent description")
	registerCmd.Flags().String("wallet", "", "wallet address for NFT transfers")

	sendCmd := &cobra.Command{
		Use:   "send <recipient> <message>",
		Short: "Send a message to another agent",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext()
			defer cancel()
			result, err := newClient().Send(ctx, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	respondCmd := &cobra.Command{
		Use:   "respond <message-id> <response>",
		Short: "Respond to a message from your inbox",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext()
			defer cancel()
			result, err := newClient().Respond(ctx, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	ignoreCmd := &cobra.Command{
		Use:   "ignore <message-id>",
		Short: "Mark a message read without replying",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			ctx, cancel := cmdContext()
			defer cancel()
			if err := newClient().Ignore(ctx, args[0], reason); err != nil {
				return err
			}
			fmt.Println("ignored")
			return nil
		},
	}
	ignoreCmd.Flags().String("reason", "", "why the message is being ignored")

	inboxCmd := &cobra.Command{
		Use:   "inbox",
		Short: "Show your inbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			includeRead, _ := cmd.Flags().GetBool("include-read")
			limit, _ := cmd.Flags().GetInt("limit")
			from, _ := cmd.Flags().GetString("from")
			ctx, cancel := cmdContext()
			defer cancel()
			inbox, err := newClient().Inbox(ctx, includeRead, limit, from)
			if err != nil {
				return err
			}
			return printJSON(inbox)
		},
	}
	inboxCmd.Flags().Bool("include-read", false, "include messages already read")
	inboxCmd.Flags().Int("limit", 0, "maximum messages to return")
	inboxCmd.Flags().String("from", "", "only messages from this sender")

	historyCmd := &cobra.Command{
		Use:   "history <agent>",
		Short: "Show your conversation with another agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			ctx, cancel := cmdContext()
			defer cancel()
			history, err := newClient().History(ctx, args[0], limit)
			if err != nil {
				return err
			}
			return printJSON(history)
		},
	}
	historyCmd.Flags().Int("limit", 0, "maximum messages to return")

	archiveCmd := &cobra.Command{
		Use:   "archive <conversation-id>",
		Short: "Archive a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext()
			defer cancel()
			if err := newClient().ArchiveConversation(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println("archived")
			return nil
		},
	}

	rootCmd.AddCommand(registerCmd, sendCmd, respondCmd, ignoreCmd, inboxCmd, historyCmd, archiveCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
