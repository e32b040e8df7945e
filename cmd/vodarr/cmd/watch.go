package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmylchreest/vodarr/internal/app"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the input folder and transcode continuously",
	Long: `Run a batch at startup, then keep sweeping the input folder: a sweep
starts whenever the folder settles after new files arrive, and on every
tick of the cron schedule when one is set.

--listen additionally serves the read-only status API (health, live
progress, recent batches) for the lifetime of the watch.

watch stops on SIGINT or SIGTERM, draining the running batch first. A
second signal exits immediately.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	addBatchFlags(watchCmd)

	f := watchCmd.Flags()
	f.Duration("debounce", 2*time.Second, "quiet period after a filesystem event before a sweep starts")
	f.String("schedule", "", `cron expression for periodic sweeps, e.g. "0 0 2 * * *"`)
	f.String("listen", "", "serve the status API on this address, e.g. :8585")
}

// watchOverrides extends the shared batch overrides with the watch
// specific flags.
func watchOverrides(f *pflag.FlagSet) (map[string]any, error) {
	o := batchOverrides(f)
	o["watch.enabled"] = true

	if f.Changed("debounce") {
		v, _ := f.GetDuration("debounce")
		o["watch.debounce"] = v.String()
	}
	if f.Changed("schedule") {
		v, _ := f.GetString("schedule")
		o["watch.schedule"] = v
	}
	if f.Changed("listen") {
		addr, _ := f.GetString("listen")
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid --listen address %q: %w", addr, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid --listen port %q: %w", portStr, err)
		}
		o["api.enabled"] = true
		o["api.host"] = host
		o["api.port"] = port
	}
	return o, nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	overrides, err := watchOverrides(cmd.Flags())
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd, overrides)
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

	watchErr := a.Watch(ctx)
	if watchErr != nil && errors.Is(watchErr, context.Canceled) {
		watchErr = nil
	}
	if watchErr != nil {
		logger.Error("watch failed", slog.Any("error", watchErr))
	}
	if err := a.Close(); err != nil {
		logger.Warn("shutdown incomplete", slog.Any("error", err))
	}

	switch {
	case watchErr != nil:
		exitCode = app.ExitFailure
	case ctx.Err() != nil:
		exitCode = app.ExitInterrupted
	default:
		exitCode = app.ExitOK
	}
	return nil
}
