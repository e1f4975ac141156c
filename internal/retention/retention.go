// Package retention periodically purges terminated batch operations and
// compacts the partition logs behind them.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"batchops/pkg/config"
	"batchops/pkg/engine"
)

// ErrRunning is returned by RunNow while a run is already in progress.
var ErrRunning = errors.New("retention run already in progress")

const retryNextTick = 30 * time.Second

// Manager runs purges on the configured cron schedule.
type Manager struct {
	cfg    config.RetentionConfig
	engine *engine.Engine
	lease  *fileLease
	now    func() time.Time
	logger *zap.Logger

	mu      sync.Mutex
	running bool
}

// New creates a manager for e. The lease file lives in dir.
func New(cfg config.RetentionConfig, e *engine.Engine, dir string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "retention"))
	m := &Manager{cfg: cfg, engine: e, now: time.Now, logger: logger}
	m.lease = newFileLease(dir, func() time.Time { return m.now() }, logger)
	return m
}

// Run blocks until ctx is done, purging at every cron tick. It returns
// immediately when retention is disabled.
func (m *Manager) Run(ctx context.Context) error {
	if !m.cfg.Enabled {
		m.logger.Info("retention_disabled")
		return nil
	}
	m.logger.Info("retention_enabled",
		zap.String("cron", m.cfg.Cron),
		zap.Duration("period", m.cfg.Period.Duration()),
		zap.Bool("dry_run", m.cfg.DryRun))

	for {
		next, err := gronx.NextTickAfter(m.cfg.Cron, m.now(), false)
		if err != nil {
			m.logger.Error("retention_next_tick_failed", zap.String("cron", m.cfg.Cron), zap.Error(err))
			if !sleep(ctx, retryNextTick) {
				return nil
			}
			continue
		}
		if !sleep(ctx, next.Sub(m.now())) {
			return nil
		}
		if m.cfg.Paused {
			m.logger.Info("retention_paused")
			continue
		}
		if _, err := m.RunNow(ctx); err != nil && !errors.Is(err, ErrRunning) {
			m.logger.Error("retention_run_error", zap.Error(err))
		}
	}
}

// RunNow performs one purge pass across all partitions.
func (m *Manager) RunNow(ctx context.Context) (Report, error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return Report{}, ErrRunning
	}
	m.running = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()
	return m.runOnce(ctx)
}

// sleep waits for d or ctx, reporting false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
