package ctl

import (
	"io"
	"os"
	"strings"
	"testing"
)

func TestSubcommandsRegistered(t *testing.T) {
	want := []string{"status", "conversations", "conversation", "assignments", "send", "search", "hash-password", "config-init"}

	have := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestHashPasswordOutput(t *testing.T) {
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	os.Stdout = w

	rootCmd.SetArgs([]string{"hash-password", "secreto123"})
	execErr := rootCmd.Execute()

	_ = w.Close()
	os.Stdout = old
	out, _ := io.ReadAll(r)

	if execErr != nil {
		t.Fatal(execErr)
	}
	if !strings.HasPrefix(string(out), "$2") {
		t.Errorf("output %q is not a bcrypt hash", out)
	}
}

func TestSendRequiresFlags(t *testing.T) {
	rootCmd.SetArgs([]string{"send"})
	if err := rootCmd.Execute(); err == nil {
		t.Error("send without --to/--body should fail")
	}
}
