package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.opchat/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	Provider Provider `toml:"provider"`
	Relay    Relay    `toml:"relay"`
	Broker   Broker   `toml:"broker"`
	Console  Console  `toml:"console"`
	Agents   []Agent  `toml:"agents"`
}

// Provider configures the WhatsApp gateway the relay talks to.
type Provider struct {
	BaseURL         string   `toml:"base_url"`
	Token           string   `toml:"token"`
	LineNumber      string   `toml:"line_number"`
	TemplateSID     string   `toml:"template_sid"`
	ExcludedNumbers []string `toml:"excluded_numbers"`
}

// Relay configures the daemon's HTTP/WebSocket surface.
type Relay struct {
	ListenAddr string `toml:"listen_addr"`
	JWTSecret  string `toml:"jwt_secret"`
}

// Broker configures the optional AMQP event source. An empty URL disables it.
type Broker struct {
	URL      string `toml:"url"`
	Exchange string `toml:"exchange"`
	Queue    string `toml:"queue"`
}

// Agent is an operator allowed to log into the console.
type Agent struct {
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	DisplayName string `toml:"display_name"`
	Active      bool   `toml:"active"`
}

// Console configures the operator console pipeline.
type Console struct {
	RelayURL      string `toml:"relay_url"`
	PollInterval  int    `toml:"poll_interval_secs"`
	QueueDelayMS  int    `toml:"queue_delay_ms"`
	BlinkMS       int    `toml:"blink_interval_ms"`
	IncludeStored bool   `toml:"include_stored"`
	Sound         bool   `toml:"sound"`
}

// Default returns the config used when no file exists yet.
func Default() *Config {
	return &Config{
		DefaultSession: "default",
		Relay: Relay{
			ListenAddr: ":8084",
		},
		Broker: Broker{
			Exchange: "opchat.events",
			Queue:    "opchat.webhook",
		},
		Console: Console{
			RelayURL:     "http://localhost:8084",
			PollInterval: 5,
			QueueDelayMS: 100,
			BlinkMS:      1000,
			Sound:        true,
		},
	}
}

// Load reads config from the given path, filling unset console timings with
// their defaults. Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if cfg.Console.PollInterval <= 0 {
		cfg.Console.PollInterval = 5
	}
	if cfg.Console.QueueDelayMS <= 0 {
		cfg.Console.QueueDelayMS = 100
	}
	if cfg.Console.BlinkMS <= 0 {
		cfg.Console.BlinkMS = 1000
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// PollIntervalDuration returns the console poll tick as a duration.
func (c Console) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

// QueueDelay returns the delivery queue inter-item spacing as a duration.
func (c Console) QueueDelay() time.Duration {
	return time.Duration(c.QueueDelayMS) * time.Millisecond
}

// BlinkInterval returns the title blink period as a duration.
func (c Console) BlinkInterval() time.Duration {
	return time.Duration(c.BlinkMS) * time.Millisecond
}

// ActiveAgents returns the usernames of agents marked active, in config order.
func (c *Config) ActiveAgents() []string {
	var names []string
	for _, a := range c.Agents {
		if a.Active {
			names = append(names, a.Username)
		}
	}
	return names
}

// FindAgent returns the agent with the given username, or nil.
func (c *Config) FindAgent(username string) *Agent {
	for i := range c.Agents {
		if c.Agents[i].Username == username {
			return &c.Agents[i]
		}
	}
	return nil
}
