package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/vodarr/internal/database"
	"github.com/jmylchreest/vodarr/internal/history"
	"github.com/jmylchreest/vodarr/internal/observability"
	"github.com/jmylchreest/vodarr/internal/scheduler"
	"github.com/jmylchreest/vodarr/pkg/duration"
)

var (
	historyLimit  int
	historyExport string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent batch runs",
	Long: `List the most recent batch runs from the history database, newest
first. --export writes them as JSON instead of listing; an .xz, .br or
.bz2 suffix compresses the file.`,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "max batches to show")
	historyCmd.Flags().StringVar(&historyExport, "export", "", "write batches as JSON to this path instead of listing")
	historyCmd.Flags().String("profile", "", "named settings profile from the profiles dir")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	if !cfg.History.Enabled {
		return fmt.Errorf("history is disabled (set history.enabled)")
	}

	out := cmd.OutOrStdout()
	hcfg := cfg.History
	hcfg.DSN = cfg.HistoryDSN()
	if hcfg.Driver == "" || hcfg.Driver == "sqlite" {
		if _, err := os.Stat(hcfg.DSN); os.IsNotExist(err) {
			fmt.Fprintln(out, "no batches recorded")
			return nil
		}
	}

	db, err := database.New(hcfg, observability.WithComponent(logger, "history"))
	if err != nil {
		return fmt.Errorf("opening history database: %w", err)
	}
	defer db.Close()

	ctx := cmd.Context()
	repo := history.NewRepository(db.DB)
	if err := repo.Migrate(ctx); err != nil {
		return err
	}

	batches, err := repo.RecentBatches(ctx, historyLimit)
	if err != nil {
		return err
	}

	if historyExport != "" {
		if err := scheduler.WriteJSON(historyExport, batches); err != nil {
			return fmt.Errorf("exporting history: %w", err)
		}
		fmt.Fprintf(out, "exported %d batches to %s\n", len(batches), historyExport)
		return nil
	}

	printBatches(out, batches)
	return nil
}

func printBatches(out io.Writer, batches []history.Batch) {
	if len(batches) == 0 {
		fmt.Fprintln(out, "no batches recorded")
		return
	}

	fmt.Fprintf(out, "%-26s  %-19s  %9s  %5s  %3s  %6s  %9s  %7s  %s\n",
		"ID", "STARTED", "DURATION", "TOTAL", "OK", "FAILED", "CANCELLED", "SKIPPED", "RESULT")
	for _, b := range batches {
		fmt.Fprintf(out, "%-26s  %-19s  %9s  %5d  %3d  %6d  %9d  %7d  %s\n",
			b.ID,
			b.StartedAt.Local().Format("2006-01-02 15:04:05"),
			duration.Format(b.Duration()),
			b.Total, b.OK, b.Failed, b.Cancelled, b.Skipped,
			batchResult(b))
	}
}

func batchResult(b history.Batch) string {
	switch {
	case b.Interrupted:
		return "interrupted"
	case b.Succeeded():
		return "ok"
	default:
		return "failed"
	}
}
