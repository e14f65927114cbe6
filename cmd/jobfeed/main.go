// -----------------------------------------------------------------------
// JobFeed CLI - root command and startup sequence
// -----------------------------------------------------------------------

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobfeed/internal/common"
)

var (
	// Command-line flags
	configFiles []string // Multiple -c flags supported, later files override earlier ones
	serverPort  int
	serverHost  string

	// Global state, populated by loadConfig before any subcommand runs
	config *common.Config
	logger arbor.ILogger
)

var rootCmd = &cobra.Command{
	Use:           "jobfeed",
	Short:         "Research job progress service",
	Long:          `JobFeed submits research jobs, follows their progress feeds and serves live job state to the dashboard.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		return loadConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringArrayVarP(&configFiles, "config", "c", nil, "Configuration file path (can be specified multiple times)")
	rootCmd.PersistentFlags().IntVarP(&serverPort, "port", "p", 0, "Server port (overrides config)")
	rootCmd.PersistentFlags().StringVar(&serverHost, "host", "", "Server host (overrides config)")

	rootCmd.AddCommand(serveCmd, submitCmd, versionCmd)
}

// loadConfig runs the startup sequence (REQUIRED ORDER):
// 1. Load config (defaults -> file1 -> file2 -> ... -> .env -> env)
// 2. Apply CLI overrides (highest priority)
// 3. Initialize logger
func loadConfig() error {
	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		if _, err := os.Stat("jobfeed.toml"); err == nil {
			configFiles = append(configFiles, "jobfeed.toml")
		} else if _, err := os.Stat("deployments/local/jobfeed.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/jobfeed.toml")
		}
	}

	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		return fmt.Errorf("failed to load configuration %v: %w", configFiles, err)
	}

	common.ApplyFlagOverrides(config, serverPort, serverHost)

	if err := config.Validate(); err != nil {
		return err
	}

	logger = common.SetupLogger(config)

	logger.Debug().
		Strs("config_files", configFiles).
		Str("research_url", config.Research.BaseURL).
		Bool("badger_enabled", config.Storage.Badger.Enabled).
		Str("log_level", config.Logging.Level).
		Strs("log_output", config.Logging.Output).
		Msg("Resolved configuration")

	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
