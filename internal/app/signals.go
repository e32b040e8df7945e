package app

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// WithSignalHandling returns a context cancelled on the first SIGINT or
// SIGTERM so the batch can drain its children. A second signal skips the
// drain and exits immediately with the interrupt code. The returned stop
// function releases the signal handler.
func WithSignalHandling(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	quit := make(chan struct{})
	go func() {
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			logger.Info("received shutdown signal, draining batch",
				slog.String("signal", sig.String()))
			cancel()
		case <-quit:
			return
		}

		select {
		case sig := <-sigChan:
			logger.Error("received second signal, exiting immediately",
				slog.String("signal", sig.String()))
			os.Exit(ExitInterrupted)
		case <-quit:
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() { close(quit) })
		cancel()
	}
	return ctx, stop
}
