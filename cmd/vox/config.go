package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/neboloop/vox/internal/agent/ai"
	"github.com/neboloop/vox/internal/agent/config"
	"github.com/neboloop/vox/internal/defaults"
	"github.com/neboloop/vox/internal/keyring"
)

// ConfigCmd reads and edits settings.json. A running daemon picks changes up by itself.
func ConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change settings",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.LoadSettings(ServerConfig.SettingsPath())
			if err != nil {
				return err
			}
			view := *s
			if view.APIKey != "" {
				view.APIKey = maskKey(view.APIKey)
			}
			data, err := json.MarshalIndent(view, "", "  ")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, string(data))
			fmt.Fprintf(out, "language in use: %s\n", s.ResolveLanguage())
			fmt.Fprintf(out, "settings file:   %s\n", ServerConfig.SettingsPath())
			if strings.EqualFold(s.Provider, "ollama") {
				printOllama(cmd.Context(), out, s.BaseURL)
			}
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change one setting",
		Long: `Keys: provider, model, base_url, language, features (comma separated),
driving_mode, history_cap, pending_cap, iterations.interactive,
iterations.ui_automation, iterations.triage.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ServerConfig.SettingsPath()
			s, err := config.LoadSettings(path)
			if err != nil {
				return err
			}
			if err := setSetting(s, args[0], args[1]); err != nil {
				return err
			}
			if err := ServerConfig.EnsureDataDir(); err != nil {
				return err
			}
			return config.SaveSettings(path, s)
		},
	}

	setKey := &cobra.Command{
		Use:   "set-key <provider>",
		Short: "Store a provider API key in the OS keychain (read from stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(cmd.ErrOrStderr(), "API key: ")
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return err
			}
			key := strings.TrimSpace(line)
			if key == "" {
				return fmt.Errorf("no key given")
			}
			if err := keyring.Set(strings.ToLower(args[0]), key); err != nil {
				return fmt.Errorf("keychain unavailable (set api_key in %s instead): %w", ServerConfig.SettingsPath(), err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Stored.")
			return nil
		},
	}

	path := &cobra.Command{
		Use:   "path",
		Short: "Print the data directory",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), ServerConfig.DataDir)
		},
	}

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Restore config.yaml and settings.json to their defaults (the database is kept)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			written, err := defaults.Install(ServerConfig.DataDir, true)
			if err != nil {
				return err
			}
			for _, name := range written {
				fmt.Fprintf(cmd.OutOrStdout(), "restored %s\n", name)
			}
			return nil
		},
	}

	cmd.AddCommand(show, set, setKey, path, reset)
	return cmd
}

func printOllama(ctx context.Context, w io.Writer, baseURL string) {
	if !ai.OllamaAvailable(ctx, baseURL) {
		fmt.Fprintln(w, "ollama:          not reachable")
		return
	}
	models, err := ai.ListOllamaModels(ctx, baseURL)
	if err != nil {
		fmt.Fprintf(w, "ollama:          reachable, model list failed: %v\n", err)
		return
	}
	fmt.Fprintf(w, "ollama models:   %s\n", strings.Join(models, ", "))
}

func maskKey(k string) string {
	if len(k) <= 8 {
		return "****"
	}
	return k[:4] + "..." + k[len(k)-4:]
}

func setSetting(s *config.Settings, key, value string) error {
	atoi := func() (int, error) {
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%s must be a positive number", key)
		}
		return n, nil
	}
	var err error
	switch key {
	case "provider":
		s.Provider = value
	case "model":
		s.Model = value
	case "base_url":
		s.BaseURL = value
	case "api_key":
		s.APIKey = value
	case "language":
		s.Language = value
	case "features":
		s.Features = nil
		for _, f := range strings.Split(value, ",") {
			if f = strings.TrimSpace(f); f != "" {
				s.Features = append(s.Features, f)
			}
		}
	case "driving_mode":
		s.DrivingMode, err = strconv.ParseBool(value)
	case "history_cap":
		s.HistoryCap, err = atoi()
	case "pending_cap":
		s.PendingCap, err = atoi()
	case "iterations.interactive":
		s.Iterations.Interactive, err = atoi()
	case "iterations.ui_automation":
		s.Iterations.UIAutomation, err = atoi()
	case "iterations.triage":
		s.Iterations.Triage, err = atoi()
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	return err
}
