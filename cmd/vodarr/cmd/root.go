// Package cmd implements the CLI commands for vodarr.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/vodarr/internal/app"
	"github.com/jmylchreest/vodarr/internal/config"
	"github.com/jmylchreest/vodarr/internal/observability"
	"github.com/jmylchreest/vodarr/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

// exitCode carries the process exit code for commands whose outcome is
// richer than success or failure, such as an interrupted batch.
var exitCode = app.ExitOK

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "vodarr",
	Short:   "Batch media transcoding engine",
	Version: version.Short(),
	Long: `vodarr turns a drop folder of media files into HLS rendition ladders
using ffmpeg. Incoming files are validated and renamed, transcoded in
parallel under a process sandbox, organized into the output tree, and
every run is recorded.

Batches run once (run), or continuously from filesystem events and an
optional cron schedule (watch) with a read-only status API.`,
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return app.ExitFailure
	}
	return exitCode
}

func init() {
	// Global flags. These are not bound to viper; commands layer the
	// flags the user actually changed over the merged configuration,
	// preserving flag > env > profile > config file > default order.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default config.json in ., the data dir, or $HOME/.vodarr)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging, regardless of the configured level")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
}

// loadConfig merges the config file, the command's profile if it has
// one, environment variables, and the given flag overrides into a
// validated configuration.
func loadConfig(cmd *cobra.Command, overrides map[string]any) (*config.Config, error) {
	profile := ""
	if f := cmd.Flags().Lookup("profile"); f != nil {
		profile = f.Value.String()
	}
	return config.LoadWithOverrides(cfgFile, profile, overrides)
}

// newLogger builds the process logger from the configuration plus the
// global logging flags. It writes to stderr; stdout carries command
// output and batch summaries.
func newLogger(cfg *config.Config) *slog.Logger {
	level := cfg.Logging.Level
	format := cfg.Logging.Format

	pf := rootCmd.PersistentFlags()
	if verbose, _ := pf.GetBool("verbose"); verbose {
		level = "debug"
	}
	if pf.Changed("log-format") {
		format, _ = pf.GetString("log-format")
	}

	logger := observability.NewLogger(observability.Options{
		Level:     level,
		Format:    format,
		AddSource: cfg.Logging.AddSource,
	})
	observability.SetDefault(logger)
	return logger
}
