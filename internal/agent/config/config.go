// Package config holds the process configuration (config.yaml) and the persisted
// agent settings blob (settings.json), both living in the data directory.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/neboloop/vox/internal/db"
	"github.com/neboloop/vox/internal/defaults"
)

// Config holds the process configuration
type Config struct {
	DataDir string    `yaml:"data_dir"`
	Listen  string    `yaml:"listen"`
	Log     LogConfig `yaml:"log"`

	// SpeakingSettle is the pause after narration before the mic may reopen.
	SpeakingSettle time.Duration `yaml:"speaking_settle"`
	// RefreshSettle is the pause before re-capturing the accessibility tree.
	RefreshSettle time.Duration `yaml:"refresh_settle"`

	Housekeeping        HousekeepingConfig `yaml:"housekeeping"`
	MaxConcurrentAgents int                `yaml:"max_concurrent_agents"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// HousekeepingConfig schedules cleanup of finished background runs.
type HousekeepingConfig struct {
	Schedule string        `yaml:"schedule"` // cron spec, e.g. "@every 10m"
	MaxAge   time.Duration `yaml:"max_age"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DataDir:        DefaultDataDir(),
		Listen:         "127.0.0.1:8710",
		Log:            LogConfig{Level: "info"},
		SpeakingSettle: 600 * time.Millisecond,
		RefreshSettle:  800 * time.Millisecond,
		Housekeeping: HousekeepingConfig{
			Schedule: "@every 10m",
			MaxAge:   time.Hour,
		},
		MaxConcurrentAgents: 5,
	}
}

// DefaultDataDir returns the platform-appropriate data directory.
func DefaultDataDir() string {
	dir, err := defaults.DataDir()
	if err != nil {
		return ".vox"
	}
	return dir
}

// Load loads config.yaml from the data directory. A missing file yields defaults.
func Load() (*Config, error) {
	cfg, err := LoadFrom(filepath.Join(DefaultDataDir(), "config.yaml"))
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return cfg, err
}

// LoadFrom loads config from a specific path
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, err
	}

	// config file may have a tilde path
	if strings.HasPrefix(cfg.DataDir, "~/") {
		home, _ := os.UserHomeDir()
		cfg.DataDir = filepath.Join(home, cfg.DataDir[2:])
	}
	if cfg.MaxConcurrentAgents <= 0 {
		cfg.MaxConcurrentAgents = 5
	}
	return cfg, nil
}

// DBPath returns the path to the SQLite database
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "data", db.FileName)
}

// SettingsPath returns the path to settings.json
func (c *Config) SettingsPath() string {
	return filepath.Join(c.DataDir, SettingsFile)
}

// EnsureDataDir creates the data directory and seeds any bundled file it lacks.
func (c *Config) EnsureDataDir() error {
	_, err := defaults.Install(c.DataDir, false)
	return err
}
