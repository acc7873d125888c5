package cli

import (
	"github.com/spf13/cobra"

	"github.com/neboloop/vox/internal/agent/config"
	"github.com/neboloop/vox/internal/logging"
)

// Shared CLI flags (used across multiple command files)
var (
	cfgFile string
	verbose bool
)

// ServerConfig holds the loaded process configuration (set by main)
var ServerConfig *config.Config

// SetupRootCmd configures the root command with all subcommands and flags
func SetupRootCmd(c *config.Config) *cobra.Command {
	ServerConfig = c

	rootCmd := &cobra.Command{
		Use:   "vox",
		Short: "vox - voice assistant agent",
		Long: `vox is a voice-first assistant. It answers spoken or typed requests, operates
the phone in the background, and acts on notifications according to your rules.

Run 'vox serve' to start the daemon the phone companion app connects to.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile != "" {
				loaded, err := config.LoadFrom(cfgFile)
				if err != nil {
					return err
				}
				*ServerConfig = *loaded
			}
			level := ServerConfig.Log.Level
			if verbose {
				level = "debug"
			}
			return logging.Init(logging.Options{Level: level, Development: ServerConfig.Log.Development})
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.Sync()
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: <data dir>/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Add commands
	rootCmd.AddCommand(ServeCmd())
	rootCmd.AddCommand(ChatCmd())
	rootCmd.AddCommand(RulesCmd())
	rootCmd.AddCommand(PendingCmd())
	rootCmd.AddCommand(TriageCmd())
	rootCmd.AddCommand(AutomateCmd())
	rootCmd.AddCommand(ConfigCmd())

	return rootCmd
}
