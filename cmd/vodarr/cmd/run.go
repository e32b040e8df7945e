package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmylchreest/vodarr/internal/app"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one batch over the input folder",
	Long: `Collect media files from the input folder, transcode each into an HLS
rendition ladder, and organize the results under the output folder.

The batch summary goes to stdout. Exit code 0 means every dispatched job
succeeded, 1 means at least one failed, and 130 means a signal
interrupted the batch.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	addBatchFlags(runCmd)
}

// addBatchFlags registers the flags shared by run and watch.
func addBatchFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("input", "", "input folder to collect media files from")
	f.String("output", "", "output folder for transcoded renditions")
	f.String("encoder", "", "video encoder (libx264, libx265, ...)")
	f.String("preset", "", "encoder preset (ultrafast through veryslow)")
	f.String("tune", "", "encoder tune (film, animation, ...)")
	f.Int("fps", 0, "output frame rate (0 keeps the source rate)")
	f.Bool("no-audio", false, "drop audio tracks")
	f.Int("parallel", 0, "max concurrent transcodes (0 picks 3/4 of the cores)")
	f.Bool("rename", false, "normalize file names before dispatch")
	f.Bool("no-rename", false, "keep file names as they are")
	f.Bool("organize", false, "bucket finished output directories")
	f.Bool("no-organize", false, "leave output directories flat")
	f.String("profile", "", "named settings profile from the profiles dir")

	cmd.MarkFlagsMutuallyExclusive("rename", "no-rename")
	cmd.MarkFlagsMutuallyExclusive("organize", "no-organize")
}

// batchOverrides maps the batch flags the user changed onto their
// config keys. Unchanged flags stay out of the map so their defaults
// never shadow config or environment values.
func batchOverrides(f *pflag.FlagSet) map[string]any {
	o := map[string]any{}

	setString := func(flag, key string) {
		if f.Changed(flag) {
			v, _ := f.GetString(flag)
			o[key] = v
		}
	}
	setInt := func(flag, key string) {
		if f.Changed(flag) {
			v, _ := f.GetInt(flag)
			o[key] = v
		}
	}
	setBool := func(flag, key string, negated bool) {
		if f.Changed(flag) {
			v, _ := f.GetBool(flag)
			o[key] = v != negated
		}
	}

	setString("input", "input_folder")
	setString("output", "output_folder")
	setString("encoder", "ffmpeg_params.video_encoder")
	setString("preset", "ffmpeg_params.preset")
	setString("tune", "ffmpeg_params.tune")
	setInt("fps", "ffmpeg_params.fps")
	setInt("parallel", "max_parallel_jobs")
	setBool("no-audio", "ffmpeg_params.include_audio", true)
	setBool("rename", "auto_rename_files", false)
	setBool("no-rename", "auto_rename_files", true)
	setBool("organize", "auto_organize_folders", false)
	setBool("no-organize", "auto_organize_folders", true)

	return o
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, batchOverrides(cmd.Flags()))
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := app.WithSignalHandling(cmd.Context(), logger)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	report, runErr := a.RunBatch(ctx)
	if runErr != nil {
		logger.Error("batch failed", slog.Any("error", runErr))
	}
	if err := a.Close(); err != nil {
		logger.Warn("shutdown incomplete", slog.Any("error", err))
	}

	exitCode = app.ExitCode(report, runErr)
	return nil
}
