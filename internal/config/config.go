// Package config resolves the broker's runtime settings from, in
// increasing precedence: built-in defaults, a TOML config file, an
// optional .env overlay, environment variables, then CLI flags (the
// flag layer is applied by internal/cmd, which already has cobra's
// parsed values in hand).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// File represents famez.toml: the subset of broker settings a deployer
// typically wants to pin per-host rather than pass on every invocation.
type File struct {
	Mailbox    string `toml:"mailbox,omitempty"`
	SocketPath string `toml:"socket_path,omitempty"`
	NClients   int    `toml:"n_clients,omitempty"`
	Silent     bool   `toml:"silent,omitempty"`
	Smart      bool   `toml:"smart,omitempty"`
	Recycle    bool   `toml:"recycle,omitempty"`
	TagTTL     string `toml:"tag_ttl,omitempty"`
	Verbose    int    `toml:"verbose,omitempty"`
}

// Defaults returns the built-in fallback values, used when neither a
// config file, .env, nor environment variable supplies a setting.
func Defaults() File {
	return File{
		Mailbox:    "famez_mailbox",
		SocketPath: "/tmp/famez_socket",
		NClients:   4,
		Recycle:    true,
		TagTTL:     "30s",
	}
}

// famezHomeOverride is set by --config-dir / FAMEZ_HOME, mirroring the
// broker's own precedence rules for every other setting.
var famezHomeOverride string

// SetHomeDir allows the CLI to pass in the --config-dir value.
func SetHomeDir(dir string) { famezHomeOverride = dir }

// HomeDir returns the directory famez.toml and the .env overlay are
// read from: --config-dir / SetHomeDir > FAMEZ_HOME env > ~/.famez.
func HomeDir() string {
	if famezHomeOverride != "" {
		return famezHomeOverride
	}
	if v := os.Getenv("FAMEZ_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".famez")
	}
	return filepath.Join(home, ".famez")
}

// ConfigPath returns the full path to famez.toml.
func ConfigPath() string { return filepath.Join(HomeDir(), "famez.toml") }

// EnvPath returns the full path to the optional .env overlay.
func EnvPath() string { return filepath.Join(HomeDir(), ".env") }

// LogPath returns the full path of the log file used when not running
// with --foreground.
func LogPath() string { return filepath.Join(HomeDir(), "famez.log") }

// Load applies the .env overlay (if present) to the process environment,
// reads famez.toml (if present), and returns the result layered over
// Defaults. A missing file of either kind is not an error.
func Load() (File, error) {
	if _, err := os.Stat(EnvPath()); err == nil {
		if err := godotenv.Load(EnvPath()); err != nil {
			return File{}, fmt.Errorf("loading %s: %w", EnvPath(), err)
		}
	}

	cfg := Defaults()
	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(&cfg)
			return cfg, nil
		}
		return File{}, fmt.Errorf("reading %s: %w", ConfigPath(), err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return File{}, fmt.Errorf("parsing %s: %w", ConfigPath(), err)
	}
	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv lets FAMEZ_* environment variables (whether set natively or
// via the .env overlay) override whatever the TOML file or defaults
// supplied, one level below CLI flags in the overall precedence.
func applyEnv(cfg *File) {
	if v := os.Getenv("FAMEZ_MAILBOX"); v != "" {
		cfg.Mailbox = v
	}
	if v := os.Getenv("FAMEZ_SOCKET_PATH"); v != "" {
		cfg.SocketPath = v
	}
	if v := os.Getenv("FAMEZ_N_CLIENTS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.NClients)
	}
	if v := os.Getenv("FAMEZ_TAG_TTL"); v != "" {
		cfg.TagTTL = v
	}
}

// Save writes cfg back to famez.toml, creating HomeDir if needed.
func Save(cfg File) error {
	if err := os.MkdirAll(HomeDir(), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", HomeDir(), err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(ConfigPath(), data, 0o644)
}

// TagTTLDuration parses File.TagTTL, returning fallback on an empty or
// malformed value.
func TagTTLDuration(cfg File, fallback time.Duration) time.Duration {
	if cfg.TagTTL == "" {
		return fallback
	}
	d, err := time.ParseDuration(cfg.TagTTL)
	if err != nil {
		return fallback
	}
	return d
}
