package shutdown

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func CreateGracefulShutdownChannel() chan os.Signal {
	gracefulShutdown := make(chan os.Signal, 1)
	signal.Notify(gracefulShutdown, syscall.SIGINT, syscall.SIGTERM)
	return gracefulShutdown
}

// ListenForShutdown blocks until a signal arrives or done is closed, then runs
// shutdownFunc. If shutdownFunc does not return within timeout the process exits.
func ListenForShutdown(
	notifier chan os.Signal,
	done chan bool,
	shutdownFunc func(),
	timeout time.Duration,
	logger *zap.Logger,
) {
	select {
	case sig := <-notifier:
		logger.Sugar().Infow("Received shutdown signal", "signal", sig.String())
	case <-done:
		logger.Sugar().Infow("Shutdown requested")
	}

	finished := make(chan struct{})
	go func() {
		shutdownFunc()
		close(finished)
	}()

	select {
	case <-finished:
		logger.Sugar().Infow("Graceful shutdown complete")
	case <-time.After(timeout):
		logger.Sugar().Warnw("Graceful shutdown timed out, exiting", "timeout", timeout)
		os.Exit(1)
	}
}
