package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/vodarr/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for inspecting vodarr configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the resolved configuration",
	Long: `Dump the fully merged configuration in YAML format: defaults, config
file, profile, and environment variables, in ascending precedence.

Redirect the output to create a configuration template:

  vodarr config dump > vodarr.yaml
  vodarr --config vodarr.yaml run

Environment variables use the VODARR_ prefix and underscores for
nesting. Example: timeouts.stall -> VODARR_TIMEOUTS_STALL`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
	configDumpCmd.Flags().String("profile", "", "named settings profile from the profiles dir")
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	profile, _ := cmd.Flags().GetString("profile")
	settings, err := config.Settings(cfgFile, profile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "# vodarr configuration")
	fmt.Fprintln(out, "# ====================")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# All sources merged: defaults, config file, profile, environment.")
	fmt.Fprintln(out, "# Duration format: 30s, 5m, 1h, 30d. Size format: 512MB, 1GB.")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Environment variable overrides:")
	fmt.Fprintln(out, "#   VODARR_INPUT_FOLDER, VODARR_OUTPUT_FOLDER")
	fmt.Fprintln(out, "#   VODARR_TIMEOUTS_WALL, VODARR_TIMEOUTS_STALL")
	fmt.Fprintln(out, "#   VODARR_HISTORY_ENABLED, VODARR_API_PORT")
	fmt.Fprintln(out, "#   MEDIA_ROOT, PYPROCESSOR_DATA_DIR (compatibility)")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "")
	fmt.Fprint(out, string(yamlData))
	return nil
}
