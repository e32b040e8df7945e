package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/vodarr/internal/config"
	"github.com/jmylchreest/vodarr/internal/ffmpeg"
	"github.com/jmylchreest/vodarr/internal/scheduler"
	"github.com/jmylchreest/vodarr/pkg/duration"
	"github.com/jmylchreest/vodarr/pkg/format"
)

const detectTimeout = 15 * time.Second

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Report transcoder and system capabilities",
	Long: `Detect the ffmpeg and ffprobe installation, check the encoders the
configured ladder needs, and summarize the host.

Unlike run and watch, doctor reports problems instead of refusing to
start; the exit code is always zero.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().String("profile", "", "named settings profile from the profiles dir")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		fmt.Fprintf(out, "%-10s INVALID: %v\n", "config:", err)
		cfg = &config.Config{}
	} else {
		fmt.Fprintf(out, "%-10s ok\n", "config:")
	}

	printBinaries(ctx, out, cfg)
	printSystem(ctx, out)
	printFolders(out, cfg)
	return nil
}

func printBinaries(ctx context.Context, out io.Writer, cfg *config.Config) {
	detectCtx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()

	info, err := ffmpeg.NewBinaryDetector().
		WithPaths(cfg.FFmpeg.BinaryPath, cfg.FFmpeg.ProbePath).
		Detect(detectCtx)
	if err != nil {
		fmt.Fprintf(out, "%-10s MISSING: %v\n", "ffmpeg:", err)
		return
	}

	fmt.Fprintf(out, "%-10s %s (version %s)\n", "ffmpeg:", info.FFmpegPath, info.Version)
	if info.FFprobePath != "" {
		fmt.Fprintf(out, "%-10s %s\n", "ffprobe:", info.FFprobePath)
	} else {
		fmt.Fprintf(out, "%-10s MISSING\n", "ffprobe:")
	}
	if err := info.Require(); err != nil {
		fmt.Fprintf(out, "%-10s NOT USABLE: %v\n", "usable:", err)
	}

	fmt.Fprintf(out, "%-10s %d detected\n", "encoders:", len(info.Encoders))
	for _, name := range requiredEncoders(cfg) {
		mark := "ok"
		if !info.HasEncoder(name) {
			mark = "MISSING"
		}
		fmt.Fprintf(out, "  %-20s %s\n", name, mark)
	}
}

// requiredEncoders lists the encoders the current settings would invoke.
func requiredEncoders(cfg *config.Config) []string {
	var names []string
	if cfg.FFmpegParams.VideoCodec != "" {
		names = append(names, cfg.FFmpegParams.VideoCodec)
	}
	if cfg.FFmpegParams.IncludeAudio && cfg.FFmpegParams.AudioCodec != "" {
		names = append(names, cfg.FFmpegParams.AudioCodec)
	}
	return names
}

func printSystem(ctx context.Context, out io.Writer) {
	fmt.Fprintf(out, "%-10s %s/%s\n", "system:", runtime.GOOS, runtime.GOARCH)

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		fmt.Fprintf(out, "%-10s %d logical cores, default parallelism %d\n",
			"cpu:", cores, scheduler.DefaultParallelism())
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		fmt.Fprintf(out, "%-10s %.2f %.2f %.2f\n", "load:", avg.Load1, avg.Load5, avg.Load15)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		fmt.Fprintf(out, "%-10s %s total, %s available\n",
			"memory:", format.Bytes(int64(vm.Total)), format.Bytes(int64(vm.Available)))
	}
	if up, err := host.UptimeWithContext(ctx); err == nil {
		fmt.Fprintf(out, "%-10s %s\n", "uptime:", duration.Format(time.Duration(up)*time.Second))
	}
}

func printFolders(out io.Writer, cfg *config.Config) {
	printFolder(out, "input:", cfg.InputFolder)
	printFolder(out, "output:", cfg.OutputFolder)
}

func printFolder(out io.Writer, label, path string) {
	if path == "" {
		fmt.Fprintf(out, "%-10s not configured\n", label)
		return
	}
	st, err := os.Stat(path)
	switch {
	case err != nil:
		fmt.Fprintf(out, "%-10s %s MISSING\n", label, path)
	case !st.IsDir():
		fmt.Fprintf(out, "%-10s %s NOT A DIRECTORY\n", label, path)
	default:
		fmt.Fprintf(out, "%-10s %s\n", label, path)
	}
}
