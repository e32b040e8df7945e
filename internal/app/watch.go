package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/vodarr/internal/api"
	"github.com/jmylchreest/vodarr/internal/observability"
	"github.com/jmylchreest/vodarr/internal/version"
)

const defaultDebounce = 2 * time.Second

// Watch runs batch sweeps until the context is cancelled: one at
// startup, one after the input folder settles following filesystem
// events, and one per cron schedule tick when configured. At most one
// batch runs at a time; triggers arriving mid-batch coalesce into a
// single follow-up sweep.
func (a *App) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating filesystem watcher: %w", err)
	}
	if err := watcher.Add(a.cfg.InputFolder); err != nil {
		watcher.Close()
		return fmt.Errorf("watching input folder: %w", err)
	}

	// Buffered by one so a trigger landing mid-batch is kept, and any
	// pile-up beyond that collapses into it.
	trigger := make(chan string, 1)
	sendTrigger(trigger, "startup")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer watcher.Close()
		return a.watchEvents(ctx, watcher, trigger)
	})

	if a.cfg.Watch.Schedule != "" {
		if err := a.startCron(ctx, g, trigger); err != nil {
			watcher.Close()
			return err
		}
	}

	if a.cfg.API.Enabled {
		a.startAPI(ctx, g)
	}

	g.Go(func() error {
		return a.runLoop(ctx, trigger)
	})

	a.logger.Info("watching input folder",
		slog.String("input", a.cfg.InputFolder),
		slog.Duration("debounce", a.debounce()),
		slog.String("schedule", a.cfg.Watch.Schedule))

	return g.Wait()
}

func (a *App) debounce() time.Duration {
	if d := a.cfg.Watch.Debounce.Std(); d > 0 {
		return d
	}
	return defaultDebounce
}

// watchEvents turns raw filesystem events into debounced triggers. The
// timer resets on every relevant event, so a sweep starts only after
// the folder has been quiet for the debounce window.
func (a *App) watchEvents(ctx context.Context, watcher *fsnotify.Watcher, trigger chan<- string) error {
	debounce := a.debounce()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !a.relevantEvent(ev) {
				continue
			}
			a.logger.Debug("input folder event",
				slog.String("op", ev.Op.String()),
				slog.String("path", ev.Name))
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			sendTrigger(trigger, "filesystem")

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.Warn("filesystem watcher error", slog.Any("error", err))
		}
	}
}

// relevantEvent reports whether ev could mean a new dispatchable file.
// Files moved into the folder surface as creates.
func (a *App) relevantEvent(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return false
	}
	return strings.EqualFold(filepath.Ext(ev.Name), a.intake.Extension())
}

// startCron schedules periodic sweeps. The expression takes standard
// five-field cron, with an optional leading seconds field.
func (a *App) startCron(ctx context.Context, g *errgroup.Group, trigger chan<- string) error {
	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(a.cfg.Watch.Schedule)
	if err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", a.cfg.Watch.Schedule, err)
	}

	c := cron.New(cron.WithParser(parser))
	c.Schedule(schedule, cron.FuncJob(func() {
		sendTrigger(trigger, "schedule")
	}))
	c.Start()

	g.Go(func() error {
		<-ctx.Done()
		<-c.Stop().Done()
		return nil
	})
	return nil
}

// startAPI serves the read-only status API for the lifetime of the watch.
func (a *App) startAPI(ctx context.Context, g *errgroup.Group) {
	logger := observability.WithComponent(a.logger, "api")
	srv := api.NewServer(api.ServerConfigFrom(a.cfg.API), logger, version.Version)

	api.NewHealthHandler(version.Version).WithDB(a.db).Register(srv.API())
	api.NewProgressHandler(a.tracker).Register(srv.API())
	if a.repo != nil {
		api.NewBatchHandler(a.repo).Register(srv.API())
	}

	g.Go(func() error {
		return srv.ListenAndServe(ctx)
	})
}

// runLoop serializes batch sweeps.
func (a *App) runLoop(ctx context.Context, trigger <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cause := <-trigger:
			a.logger.Info("starting batch sweep", slog.String("cause", cause))
			report, err := a.RunBatch(ctx)
			if err != nil {
				a.logger.Error("batch sweep failed", slog.Any("error", err))
				continue
			}
			if report.Interrupted {
				return nil
			}
		}
	}
}

// sendTrigger queues a sweep without blocking; a trigger already
// pending absorbs this one.
func sendTrigger(ch chan<- string, cause string) {
	select {
	case ch <- cause:
	default:
	}
}
