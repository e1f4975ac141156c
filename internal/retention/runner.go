package retention

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"batchops/pkg/engine"
)

const maxConsecutiveRenewFails = 3

// Report summarises one purge pass.
type Report struct {
	RunID      string
	Skipped    bool
	Purged     int
	Partitions []PartitionReport
}

// PartitionReport is the outcome for one partition.
type PartitionReport struct {
	ID          int
	Purged      int
	TruncatedTo uint64
}

// runOnce acquires the lease, purges every partition and releases it.
func (m *Manager) runOnce(ctx context.Context) (Report, error) {
	report := Report{RunID: uuid.NewString()}
	log := m.logger.With(zap.String("run_id", report.RunID))
	ttl := m.cfg.LockTTL.Duration()

	acquired, err := m.lease.Acquire(report.RunID, ttl)
	if err != nil {
		return report, errors.Wrap(err, "acquire retention lease")
	}
	if !acquired {
		log.Info("retention_lease_not_acquired")
		report.Skipped = true
		return report, nil
	}
	defer func() {
		if err := m.lease.Release(report.RunID); err != nil {
			log.Error("retention_lease_release_error", zap.Error(err))
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go m.heartbeat(runCtx, cancel, report.RunID, ttl, log)

	cutoff := m.now().Add(-m.cfg.Period.Duration())
	log.Info("retention_run_start", zap.Time("cutoff", cutoff), zap.Bool("dry_run", m.cfg.DryRun))

	for _, p := range m.engine.Partitions() {
		if err := runCtx.Err(); err != nil {
			return report, errors.Wrap(err, "retention run aborted")
		}
		pr, err := m.purgePartition(runCtx, p, cutoff)
		report.Purged += pr.Purged
		report.Partitions = append(report.Partitions, pr)
		if err != nil {
			return report, errors.Wrapf(err, "purge partition %d", p.ID)
		}
		log.Info("retention_partition_done",
			zap.Int("partition", p.ID),
			zap.Int("purged", pr.Purged),
			zap.Uint64("truncated_to", pr.TruncatedTo))
	}

	log.Info("retention_run_complete", zap.Int("purged", report.Purged))
	return report, nil
}

func (m *Manager) purgePartition(ctx context.Context, p *engine.Partition, cutoff time.Time) (PartitionReport, error) {
	pr := PartitionReport{ID: p.ID}
	if m.cfg.DryRun {
		// nothing is deleted, so one counting pass sees everything
		n, err := p.State.PurgeTerminated(cutoff, 0, true)
		pr.Purged = n
		return pr, err
	}

	pause := time.Duration(m.cfg.BatchSleepMs) * time.Millisecond
	for {
		n, err := p.State.PurgeTerminated(cutoff, m.cfg.BatchSize, false)
		if err != nil {
			return pr, err
		}
		pr.Purged += n
		if n < m.cfg.BatchSize || m.cfg.BatchSize <= 0 {
			break
		}
		if !sleep(ctx, pause) {
			return pr, errors.Wrap(ctx.Err(), "retention run aborted")
		}
	}

	// records up to the applied position are never replayed again
	applied, err := p.State.LastAppliedPosition()
	if err != nil {
		return pr, err
	}
	if applied > 0 {
		if err := p.Log.TruncateFront(applied); err != nil {
			return pr, err
		}
		pr.TruncatedTo = applied
	}
	return pr, nil
}

// heartbeat renews the lease every third of its TTL and aborts the run
// after repeated failures.
func (m *Manager) heartbeat(ctx context.Context, abort context.CancelFunc, owner string, ttl time.Duration, log *zap.Logger) {
	interval := ttl / 3
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	fails := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := m.lease.Renew(owner, ttl); err != nil {
				fails++
				log.Warn("retention_lease_renew_failed", zap.Int("count", fails), zap.Error(err))
				if fails >= maxConsecutiveRenewFails {
					log.Error("retention_lease_lost")
					abort()
					return
				}
				continue
			}
			fails = 0
		}
	}
}
