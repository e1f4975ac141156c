package app

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"batchops/pkg/logger"
)

// Shutdown closes the partitions and flushes logs. Call it after Run has
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	a.setState("shutting_down")
	a.api.SetReady(false)
	a.api.Close()

	done := make(chan error, 1)
	go func() { done <- a.engine.Close() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = errors.Wrap(ctx.Err(), "engine close timed out")
	}
	if err != nil {
		a.logger.Error("shutdown_failed", zap.Error(err))
		return err
	}
	a.setState("stopped")
	a.logger.Info("shutdown_complete")
	logger.Sync()
	return nil
}
