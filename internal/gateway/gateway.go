// Package gateway runs the network entry points that accept jobs.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Gateway is an entry point that submits jobs, such as the HTTP API.
type Gateway interface {
	// Start serves until ctx is canceled or the listener fails.
	Start(ctx context.Context) error

	// Stop drains in-flight submissions and pending workspace cleanups
	// before the ctx deadline.
	Stop(ctx context.Context) error
}

// Run starts every gateway and blocks until ctx is canceled or one of them
// fails. Gateways are then stopped in reverse order within shutdownTimeout.
// Running engine jobs are not interrupted; they end on their own timeout.
func Run(ctx context.Context, logger *slog.Logger, shutdownTimeout time.Duration, gateways ...Gateway) error {
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
			runErr = fmt.Errorf("gateway: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	return runErr
}
