// Package cmd implements the CLI commands for the videoconverter runner.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KinnaTo/videoconverter/internal/observability"
	"github.com/KinnaTo/videoconverter/internal/version"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "videoconverter-runner",
	Short:   "Distributed transcode worker for videoconverter",
	Version: version.Short(),
	Long: `videoconverter-runner is a worker node that connects to a videoconverter
control plane, polls for transcode tasks, and executes a three-stage
pipeline per task: download the source, re-encode it with ffmpeg, and
upload the result to object storage.

Configuration is primarily via environment variables:
  BASE_URL  - Control-plane base URL (required)
  token     - One-time provisioning secret for first registration
  HOSTNAME  - Reported machine name
  ENCODER   - Encoder hint (hardware|cpu); the probe may override
  NODE_ENV  - Any value other than "production" enables debug logging

RUNNER_-prefixed variables override any config key, e.g.
RUNNER_QUEUE_DOWNLOAD_SLOTS=2.

Example:
  BASE_URL=http://plane.local:3000 token=bootstrap-secret videoconverter-runner serve`,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to config file")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
}

// applyLoggingFlags folds CLI flags into the loaded logging config and
// installs the default logger.
func applyLoggingFlags(cmd *cobra.Command, level, format string) {
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		level = strings.ToLower(v)
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		format = strings.ToLower(v)
	}

	logger := observability.NewLogger(observability.LoggingConfig{
		Level:  level,
		Format: format,
	})
	observability.SetDefault(logger)
}
