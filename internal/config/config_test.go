package config

import (
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.DefaultSession = "linea-principal"
	cfg.Provider.BaseURL = "https://gate.example.com"
	cfg.Provider.LineNumber = "573008021701"
	cfg.Agents = []Agent{
		{Username: "agente1", Password: "pw1", DisplayName: "Agente 1", Active: true},
		{Username: "agente2", Password: "pw2", DisplayName: "Agente 2", Active: false},
	}

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.DefaultSession != "linea-principal" {
		t.Errorf("default_session = %q", loaded.DefaultSession)
	}
	if loaded.Provider.LineNumber != "573008021701" {
		t.Errorf("line_number = %q", loaded.Provider.LineNumber)
	}
	if len(loaded.Agents) != 2 || loaded.Agents[0].Username != "agente1" {
		t.Errorf("agents = %+v", loaded.Agents)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestConsoleDefaultsApplied(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := Default()
	cfg.Console.PollInterval = 0
	cfg.Console.QueueDelayMS = 0
	cfg.Console.BlinkMS = 0
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Console.PollInterval != 5 || loaded.Console.QueueDelayMS != 100 || loaded.Console.BlinkMS != 1000 {
		t.Errorf("console defaults not applied: %+v", loaded.Console)
	}
}

func TestActiveAgents(t *testing.T) {
	cfg := Default()
	cfg.Agents = []Agent{
		{Username: "a", Active: true},
		{Username: "b", Active: false},
		{Username: "c", Active: true},
	}
	got := cfg.ActiveAgents()
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("ActiveAgents() = %v", got)
	}
	if cfg.FindAgent("b") == nil || cfg.FindAgent("zzz") != nil {
		t.Error("FindAgent lookup wrong")
	}
}
