// Package ctl implements the opchatctl command line: operational helpers for
// administering a relay without opening the console.
package ctl

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bslsalud/opchat/internal/config"
	"github.com/bslsalud/opchat/internal/console"
	"github.com/bslsalud/opchat/internal/session"
)

var (
	relayFlag string
	userFlag  string
	jsonFlag  bool
)

var rootCmd = &cobra.Command{
	Use:   "opchatctl",
	Short: "Administra el relay de opchat desde la terminal",
	Long: `opchatctl talks to a running opchatd relay: check its health, list and
search conversations, queue messages, and prepare agent credentials for the
config file.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&relayFlag, "relay", "", "relay URL (default from config)")
	rootCmd.PersistentFlags().StringVar(&userFlag, "user", "", "agent username")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(conversationCmd)
	rootCmd.AddCommand(assignmentsCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(hashPasswordCmd)
	rootCmd.AddCommand(configInitCmd)
}

// relayURL resolves the relay address from the flag or the config file.
func relayURL() (string, error) {
	if relayFlag != "" {
		return relayFlag, nil
	}
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		return "", fmt.Errorf("no --relay and no config: %w", err)
	}
	return cfg.Console.RelayURL, nil
}

// loggedInClient builds a client and logs it in with --user plus the
// OPCHAT_PASSWORD environment variable.
func loggedInClient(ctx context.Context) (*console.Client, error) {
	url, err := relayURL()
	if err != nil {
		return nil, err
	}
	if userFlag == "" {
		return nil, fmt.Errorf("--user is required")
	}
	password := os.Getenv("OPCHAT_PASSWORD")
	if password == "" {
		return nil, fmt.Errorf("set OPCHAT_PASSWORD")
	}

	c := console.NewClient(url)
	if err := c.Login(ctx, userFlag, password); err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}
	return c, nil
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}
