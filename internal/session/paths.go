package session

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// BaseDir returns ~/.opchat.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".opchat")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// LockPath returns the lock file path for a session.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// DBPath returns the relay-owned opchat.db path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "opchat.db")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "opchatd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateName rejects session names that would escape the sessions directory.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("session name is empty")
	}
	if !nameRe.MatchString(name) {
		return fmt.Errorf("invalid session name %q: only letters, digits, - and _ allowed", name)
	}
	return nil
}

// Resolve picks the session name from, in order: the explicit flag value,
// the OPCHAT_SESSION environment variable, and the built-in default.
func Resolve(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("OPCHAT_SESSION"); env != "" {
		return env
	}
	return "default"
}
