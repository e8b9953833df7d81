package ctl

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/bslsalud/opchat/internal/config"
	"github.com/bslsalud/opchat/internal/relay"
	"github.com/bslsalud/opchat/internal/session"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the relay's health endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		url, err := relayURL()
		if err != nil {
			return err
		}
		resp, err := http.Get(url + "/healthz")
		if err != nil {
			return fmt.Errorf("relay unreachable: %w", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		if jsonFlag {
			fmt.Println(string(body))
			return nil
		}
		if resp.StatusCode == http.StatusOK {
			fmt.Println("relay: ok")
			return nil
		}
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, body)
	},
}

var convLimit int

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List the agent's assigned conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		c, err := loggedInClient(ctx)
		if err != nil {
			return err
		}
		convs, err := c.ListConversations(ctx, convLimit, 0)
		if err != nil {
			return err
		}

		if jsonFlag {
			return json.NewEncoder(os.Stdout).Encode(convs)
		}
		for _, conv := range convs {
			name := conv.Name
			if name == "" {
				name = conv.Number
			}
			badge := ""
			if conv.UnreadCount > 0 {
				badge = fmt.Sprintf(" (%d)", conv.UnreadCount)
			}
			fmt.Printf("%-15s %-25s%s %s\n", conv.Number, name, badge, conv.LastMessage)
		}
		return nil
	},
}

var convMessages int

var conversationCmd = &cobra.Command{
	Use:   "conversation <number>",
	Short: "Show one conversation's recent messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		c, err := loggedInClient(ctx)
		if err != nil {
			return err
		}
		detail, err := c.GetConversation(ctx, args[0], convMessages)
		if err != nil {
			return err
		}

		if jsonFlag {
			return json.NewEncoder(os.Stdout).Encode(detail)
		}
		name := detail.Name
		if name == "" {
			name = detail.Number
		}
		fmt.Printf("%s (%d mensajes)\n", name, detail.MessageCount)
		for _, raw := range detail.Messages {
			who := "paciente"
			if raw.Direction == "outbound" {
				who = "agente"
			}
			fmt.Printf("  [%s] %s\n", who, raw.Body)
		}
		return nil
	},
}

var assignmentsCmd = &cobra.Command{
	Use:   "assignments",
	Short: "Show which agent each conversation is assigned to",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		c, err := loggedInClient(ctx)
		if err != nil {
			return err
		}
		assignments, err := c.Assignments(ctx)
		if err != nil {
			return err
		}

		if jsonFlag {
			return json.NewEncoder(os.Stdout).Encode(assignments)
		}
		for _, a := range assignments {
			fmt.Printf("%-15s %s\n", a.Conversation, a.Agent)
		}
		return nil
	},
}

var (
	sendTo   string
	sendBody string
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Queue an outgoing message",
	RunE: func(cmd *cobra.Command, args []string) error {
		if sendTo == "" || sendBody == "" {
			return fmt.Errorf("--to and --body are required")
		}
		ctx, cancel := cmdContext()
		defer cancel()

		c, err := loggedInClient(ctx)
		if err != nil {
			return err
		}
		id, err := c.Send(ctx, sendTo, sendBody)
		if err != nil {
			return err
		}
		fmt.Printf("queued %s\n", id)
		return nil
	},
}

var searchConversation string

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Full-text search across message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		c, err := loggedInClient(ctx)
		if err != nil {
			return err
		}
		hits, err := c.Search(ctx, args[0], searchConversation, 50)
		if err != nil {
			return err
		}

		if jsonFlag {
			return json.NewEncoder(os.Stdout).Encode(hits)
		}
		for _, hit := range hits {
			fmt.Printf("%-15s %s\n", hit.Message.ChatID, hit.Snippet)
		}
		return nil
	},
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password <password>",
	Short: "Hash an agent password for config.toml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := relay.HashPassword(args[0])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "config-init",
	Short: "Write a default config file if none exists",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := session.ConfigPath()
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.Save(path, config.Default()); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

func init() {
	conversationsCmd.Flags().IntVar(&convLimit, "limit", 30, "max conversations")
	conversationCmd.Flags().IntVar(&convMessages, "messages", 50, "max messages to show")
	sendCmd.Flags().StringVar(&sendTo, "to", "", "destination number")
	sendCmd.Flags().StringVar(&sendBody, "body", "", "message text")
	searchCmd.Flags().StringVar(&searchConversation, "conversation", "", "limit to one conversation")
}
