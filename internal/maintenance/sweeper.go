// Package maintenance runs the stuck-recovery sweep.
//
// The job queue is a hint, not the system of record: a crashed worker or a
// lost message leaves an item parked in an in-flight state. The sweep
// scans for rows that have sat in extracting or interpreting past the
// cutoff and either retries them or fails them for good.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/feedbackd/internal/metrics"
	"github.com/fyrsmithlabs/feedbackd/internal/queue"
	"github.com/fyrsmithlabs/feedbackd/internal/store"
	"github.com/fyrsmithlabs/feedbackd/internal/suggestion"
	"go.uber.org/zap"
)

const (
	// stuckAfter is how long an item or signal may sit in an in-flight
	// state before the sweep considers it stuck.
	stuckAfter = 30 * time.Minute

	// maxItemAttempts after which a stuck item is failed instead of reset.
	maxItemAttempts = 3

	// defaultInterval between sweeps.
	defaultInterval = 5 * time.Minute
)

// Sweeper periodically recovers stuck work and expires stale suggestions.
type Sweeper struct {
	db          *store.DB
	queue       queue.Enqueuer
	suggestions *suggestion.Service
	metrics     *metrics.Metrics
	interval    time.Duration
	logger      *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSweeper creates a sweeper. interval <= 0 uses the default.
func NewSweeper(db *store.DB, q queue.Enqueuer, suggestions *suggestion.Service, m *metrics.Metrics, interval time.Duration, logger *zap.Logger) (*Sweeper, error) {
	if db == nil {
		return nil, errors.New("store cannot be nil")
	}
	if q == nil {
		return nil, errors.New("queue cannot be nil")
	}
	if suggestions == nil {
		return nil, errors.New("suggestion service cannot be nil")
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		db:          db,
		queue:       q,
		suggestions: suggestions,
		metrics:     m,
		interval:    interval,
		logger:      logger,
	}, nil
}

// Start launches the sweep loop. It returns immediately; the first sweep
// runs after one interval.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.RunOnce(ctx); err != nil {
					s.logger.Error("maintenance sweep failed", zap.Error(err))
				}
			}
		}
	}()
	s.logger.Info("maintenance sweeper started",
		zap.Duration("interval", s.interval))
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("maintenance sweeper stopped")
}

// RunOnce performs one full sweep: stuck items, stuck signals, stale
// suggestions.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-stuckAfter)

	if err := s.recoverItems(ctx, cutoff); err != nil {
		return fmt.Errorf("recovering stuck items: %w", err)
	}
	if err := s.requeueIdleItems(ctx, cutoff); err != nil {
		return fmt.Errorf("requeueing idle items: %w", err)
	}
	if err := s.recoverSignals(ctx, cutoff); err != nil {
		return fmt.Errorf("recovering stuck signals: %w", err)
	}
	if _, err := s.suggestions.ExpireStale(ctx); err != nil {
		return err
	}
	return nil
}

// recoverItems fails exhausted stuck items and restarts the rest.
// Restart, not resume: extraction replaces an item's signals wholesale, so
// rerunning it from ready_for_extraction is safe.
func (s *Sweeper) recoverItems(ctx context.Context, cutoff time.Time) error {
	items, err := s.db.StuckItems(ctx, cutoff)
	if err != nil {
		return err
	}

	var reset, failed int
	for _, item := range items {
		if item.AttemptCount >= maxItemAttempts {
			reason := fmt.Sprintf("stuck in %s after %d attempts", item.State, item.AttemptCount)
			if err := s.db.MarkItemFailed(ctx, item.ID, reason); err != nil {
				s.logger.Error("failing stuck item",
					zap.String("item_id", item.ID), zap.Error(err))
				continue
			}
			failed++
			s.logger.Warn("stuck item failed permanently",
				zap.String("item_id", item.ID),
				zap.String("state", string(item.State)),
				zap.Int("attempts", item.AttemptCount))
			continue
		}

		if err := s.db.ResetItemForExtraction(ctx, item.ID); err != nil {
			if errors.Is(err, store.ErrInvalidState) {
				// The item moved on between the scan and the reset.
				continue
			}
			s.logger.Error("resetting stuck item",
				zap.String("item_id", item.ID), zap.Error(err))
			continue
		}
		if err := s.queue.EnqueueExtraction(ctx, item.ID); err != nil {
			// The reset is durable; the next sweep re-enqueues.
			s.logger.Warn("re-enqueueing stuck item failed",
				zap.String("item_id", item.ID), zap.Error(err))
		}
		reset++
		s.logger.Info("stuck item reset for extraction",
			zap.String("item_id", item.ID),
			zap.Int("attempts", item.AttemptCount))
	}

	s.metrics.SweepRecovered(ctx, reset, "item_reset")
	s.metrics.SweepRecovered(ctx, failed, "item_failed")
	return nil
}

// requeueIdleItems re-publishes triggers for items whose enqueue was lost
// before a worker ever claimed them. No state change: the handlers' state
// guards make a duplicate trigger harmless.
func (s *Sweeper) requeueIdleItems(ctx context.Context, cutoff time.Time) error {
	items, err := s.db.IdleItems(ctx, cutoff)
	if err != nil {
		return err
	}

	var requeued int
	for _, item := range items {
		switch item.State {
		case store.ItemPendingContext:
			err = s.queue.EnqueueEnrichment(ctx, item.ID)
		case store.ItemReadyForExtraction:
			err = s.queue.EnqueueExtraction(ctx, item.ID)
		}
		if err != nil {
			s.logger.Warn("re-enqueueing idle item failed",
				zap.String("item_id", item.ID), zap.Error(err))
			continue
		}
		requeued++
		s.logger.Info("idle item re-enqueued",
			zap.String("item_id", item.ID),
			zap.String("state", string(item.State)))
	}

	s.metrics.SweepRecovered(ctx, requeued, "item_requeued")
	return nil
}

// recoverSignals resets stuck signals unconditionally; signals carry no
// attempt cap because a retry costs one embedding call.
func (s *Sweeper) recoverSignals(ctx context.Context, cutoff time.Time) error {
	signals, err := s.db.StuckSignals(ctx, cutoff)
	if err != nil {
		return err
	}

	var reset int
	for _, sig := range signals {
		if err := s.db.ResetSignalForInterpretation(ctx, sig.ID); err != nil {
			if errors.Is(err, store.ErrInvalidState) {
				continue
			}
			s.logger.Error("resetting stuck signal",
				zap.String("signal_id", sig.ID), zap.Error(err))
			continue
		}
		if err := s.queue.EnqueueInterpretation(ctx, sig.ID); err != nil {
			s.logger.Warn("re-enqueueing stuck signal failed",
				zap.String("signal_id", sig.ID), zap.Error(err))
		}
		reset++
		s.logger.Info("stuck signal reset for interpretation",
			zap.String("signal_id", sig.ID))
	}

	s.metrics.SweepRecovered(ctx, reset, "signal_reset")
	return nil
}
