package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/neboloop/vox/internal/agent/ai"
	"github.com/neboloop/vox/internal/keyring"
)

// SettingsFile is the agent settings blob inside the data directory.
const SettingsFile = "settings.json"

// Default iteration ceilings per run context.
const (
	DefaultInteractiveIterations  = 10
	DefaultUIAutomationIterations = 30
	DefaultTriageIterations       = 8
	DefaultHistoryCap             = 40
	DefaultPendingCap             = 20
)

// DefaultLanguage is used when neither settings nor the environment name one.
const DefaultLanguage = "en"

// Settings is the persisted agent configuration read at the start of every run.
type Settings struct {
	Provider    string     `json:"provider"`
	APIKey      string     `json:"api_key,omitempty"`
	Model       string     `json:"model"`
	BaseURL     string     `json:"base_url,omitempty"`
	Features    []string   `json:"features"`
	Language    string     `json:"language,omitempty"`
	Iterations  Iterations `json:"iterations"`
	HistoryCap  int        `json:"history_cap"`
	PendingCap  int        `json:"pending_cap"`
	DrivingMode bool       `json:"driving_mode"`
}

// Iterations are the loop ceilings per run context.
type Iterations struct {
	Interactive  int `json:"interactive"`
	UIAutomation int `json:"ui_automation"`
	Triage       int `json:"triage"`
}

// DefaultSettings returns settings with every ceiling and cap filled in.
func DefaultSettings() *Settings {
	s := &Settings{Provider: "anthropic"}
	s.applyDefaults()
	return s
}

func (s *Settings) applyDefaults() {
	if s.Iterations.Interactive <= 0 {
		s.Iterations.Interactive = DefaultInteractiveIterations
	}
	if s.Iterations.UIAutomation <= 0 {
		s.Iterations.UIAutomation = DefaultUIAutomationIterations
	}
	if s.Iterations.Triage <= 0 {
		s.Iterations.Triage = DefaultTriageIterations
	}
	if s.HistoryCap <= 0 {
		s.HistoryCap = DefaultHistoryCap
	}
	if s.PendingCap <= 0 {
		s.PendingCap = DefaultPendingCap
	}
}

// LoadSettings reads the settings blob. A missing file yields defaults.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	s := &Settings{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	s.applyDefaults()
	return s, nil
}

// SaveSettings writes the blob atomically (temp file + rename) with owner-only permissions.
func SaveSettings(path string, s *Settings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// FeatureEnabled reports whether a feature is in the active set.
func (s *Settings) FeatureEnabled(name string) bool {
	return slices.Contains(s.Features, name)
}

// APIKeyResolved returns the stored key, falling back to the OS keychain entry for the provider.
func (s *Settings) APIKeyResolved() string {
	if s.APIKey != "" {
		return s.APIKey
	}
	if s.Provider == "" {
		return ""
	}
	key, err := keyring.Get(strings.ToLower(s.Provider))
	if err != nil {
		return ""
	}
	return key
}

// ProviderConfig converts the settings into a provider selection.
func (s *Settings) ProviderConfig() ai.ProviderConfig {
	return ai.ProviderConfig{
		Provider: s.Provider,
		APIKey:   s.APIKeyResolved(),
		Model:    s.Model,
		BaseURL:  s.BaseURL,
	}
}

// NewProvider builds the configured model provider.
func (s *Settings) NewProvider() (ai.Provider, error) {
	return ai.New(s.ProviderConfig())
}

// ResolveLanguage returns the language used in prompts: the explicit setting, then
// VOX_LANGUAGE, then the POSIX locale (LC_ALL, LC_MESSAGES, LANG), then English.
func (s *Settings) ResolveLanguage() string {
	if lang := normalizeLocale(s.Language); lang != "" {
		return lang
	}
	for _, env := range []string{"VOX_LANGUAGE", "LC_ALL", "LC_MESSAGES", "LANG"} {
		if lang := normalizeLocale(os.Getenv(env)); lang != "" {
			return lang
		}
	}
	return DefaultLanguage
}

// normalizeLocale turns "de_DE.UTF-8" into "de"; "C" and "POSIX" mean unset.
func normalizeLocale(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || v == "C" || v == "POSIX" || strings.HasPrefix(v, "C.") {
		return ""
	}
	if i := strings.IndexAny(v, "_-.@"); i > 0 {
		v = v[:i]
	}
	return strings.ToLower(v)
}
