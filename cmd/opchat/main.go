package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bslsalud/opchat/internal/config"
	"github.com/bslsalud/opchat/internal/console"
	"github.com/bslsalud/opchat/internal/logging"
	"github.com/bslsalud/opchat/internal/notify"
	"github.com/bslsalud/opchat/internal/session"
	"github.com/bslsalud/opchat/internal/tui"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	userFlag := flag.String("user", "", "agent username")
	relayFlag := flag.String("relay", "", "relay URL (overrides config)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot load config: %v\n", err)
		os.Exit(1)
	}
	if *relayFlag != "" {
		cfg.Console.RelayURL = *relayFlag
	}

	// The TUI owns the terminal, so logs go to file only.
	logPath := session.LogPath(sessionName)
	logger, err := logging.NewFileOnly(strings.Replace(logPath, "opchatd.log", "opchat.log", 1), sessionName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot open log: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	username, password := credentials(*userFlag)

	client := console.NewClient(cfg.Console.RelayURL, console.WithClientLogger(logger))

	var beeper notify.Beeper
	if cfg.Console.Sound {
		beeper = tui.Bell{}
	}
	presenter := notify.New(beeper, tui.NewDesktopNotifier(), tui.OSCTitle{}, "opchat", logger,
		notify.WithBlinkInterval(cfg.Console.BlinkInterval()))

	s := console.NewSession(cfg.Console, client, presenter, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	err = s.Login(ctx, username, password)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: login failed: %v\n", err)
		os.Exit(1)
	}

	app := tui.NewApp(s, logger)
	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	app.Stop()
}

func credentials(user string) (string, string) {
	reader := bufio.NewReader(os.Stdin)
	if user == "" {
		fmt.Print("Usuario: ")
		line, _ := reader.ReadString('\n')
		user = strings.TrimSpace(line)
	}
	password := os.Getenv("OPCHAT_PASSWORD")
	if password == "" {
		fmt.Print("Contraseña: ")
		line, _ := reader.ReadString('\n')
		password = strings.TrimSpace(line)
	}
	return user, password
}
