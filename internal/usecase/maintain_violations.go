package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/V4T54L/mod-gate/internal/adapter/metrics"
	"github.com/V4T54L/mod-gate/internal/domain"
)

const (
	replayBatchSize    = 500
	replayRetryCount   = 3
	replayRetryBackoff = 1 * time.Second
)

// MaintainViolationsUseCase owns periodic store maintenance: the
// retention purge and the WAL replay into the repository.
type MaintainViolationsUseCase struct {
	repo      domain.ViolationRepository
	wal       domain.ViolationWAL
	logger    *slog.Logger
	metrics   *metrics.PipelineMetrics
	retention time.Duration

	retryBackoff time.Duration
	now          func() time.Time
}

// NewMaintainViolationsUseCase creates the maintenance use case.
// retention is how long violation rows are kept before the purge
// removes them.
func NewMaintainViolationsUseCase(repo domain.ViolationRepository, wal domain.ViolationWAL, logger *slog.Logger, m *metrics.PipelineMetrics, retention time.Duration) *MaintainViolationsUseCase {
	return &MaintainViolationsUseCase{
		repo:         repo,
		wal:          wal,
		logger:       logger.With("component", "maintenance"),
		metrics:      m,
		retention:    retention,
		retryBackoff: replayRetryBackoff,
		now:          time.Now,
	}
}

// Sweep runs one maintenance cycle. Both halves run even when one
// fails; the joined error reports everything that went wrong.
func (uc *MaintainViolationsUseCase) Sweep(ctx context.Context) error {
	return errors.Join(uc.purge(ctx), uc.replayWAL(ctx))
}

func (uc *MaintainViolationsUseCase) purge(ctx context.Context) error {
	cutoff := uc.now().Add(-uc.retention)
	purged, err := uc.repo.PurgeExpired(ctx, cutoff)
	if err != nil {
		uc.logger.Error("retention purge failed", "cutoff", cutoff, "error", err)
		return err
	}
	if purged > 0 {
		uc.metrics.PurgedTotal.Add(float64(purged))
		uc.logger.Info("retention purge complete", "purged", purged, "cutoff", cutoff)
	}
	return nil
}

// replayWAL re-persists spilled violations in idempotent batches. The
// WAL is truncated only after every batch landed; a failed replay
// leaves the segments for the next sweep.
func (uc *MaintainViolationsUseCase) replayWAL(ctx context.Context) error {
	var (
		batch []domain.UserViolation
		total int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := uc.writeWithRetry(ctx, batch); err != nil {
			return err
		}
		uc.metrics.WALReplayed.Add(float64(len(batch)))
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	// 1. Stream the spilled records into the store.
	err := uc.wal.Replay(ctx, func(v domain.UserViolation) error {
		batch = append(batch, v)
		if len(batch) >= replayBatchSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		uc.logger.Error("WAL replay failed, segments kept for next sweep", "error", err)
		return err
	}
	if total == 0 {
		return nil
	}

	// 2. Drop the replayed segments.
	if err := uc.wal.Truncate(ctx); err != nil {
		uc.logger.Error("WAL truncate failed", "error", err)
		return err
	}
	uc.logger.Info("WAL replay complete", "violations", total)
	return nil
}

func (uc *MaintainViolationsUseCase) writeWithRetry(ctx context.Context, batch []domain.UserViolation) error {
	var lastErr error
	for i := 0; i < replayRetryCount; i++ {
		err := uc.repo.RecordBatch(ctx, batch)
		if err == nil {
			return nil
		}
		lastErr = err
		uc.logger.Warn("replay batch write failed, retrying", "attempt", i+1, "count", len(batch), "error", err)
		select {
		case <-time.After(uc.retryBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
