package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// HandlerFunc processes one job. Returning an error marked Unrecoverable
// drops the job immediately; any other error is retried with exponential
// backoff up to the worker's attempt bound.
type HandlerFunc func(ctx context.Context, job Job) error

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	// Subject is the NATS subject to consume.
	Subject string

	// Concurrency is the number of handler goroutines.
	Concurrency int

	// MaxAttempts bounds handler invocations per job.
	MaxAttempts int

	// BaseBackoff is the delay before the second attempt; it doubles per
	// attempt after that.
	BaseBackoff time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *WorkerConfig) ApplyDefaults() {
	if c.Concurrency == 0 {
		c.Concurrency = 1
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff == 0 {
		c.BaseBackoff = 1 * time.Second
	}
}

// Worker consumes one subject with a pool of handler goroutines. Each job
// runs to completion or failure; there is no cooperative scheduling.
type Worker struct {
	nc      *nats.Conn
	config  WorkerConfig
	handler HandlerFunc
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
	sub     *nats.Subscription
	msgCh   chan *nats.Msg
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorker creates a worker for the given subject and handler.
func NewWorker(nc *nats.Conn, config WorkerConfig, handler HandlerFunc, logger *zap.Logger) (*Worker, error) {
	if nc == nil {
		return nil, errors.New("nats connection cannot be nil")
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	if config.Subject == "" {
		return nil, errors.New("subject cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	return &Worker{
		nc:      nc,
		config:  config,
		handler: handler,
		logger:  logger,
	}, nil
}

// Start subscribes and launches the handler pool. Idempotent: starting a
// running worker is an error.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return errors.New("worker already running")
	}

	// Buffered channel decouples NATS delivery from handler latency.
	w.msgCh = make(chan *nats.Msg, 64)

	sub, err := w.nc.ChanQueueSubscribe(w.config.Subject, w.config.Subject+".workers", w.msgCh)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", w.config.Subject, err)
	}
	w.sub = sub

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.run(ctx)
	}

	w.running = true
	w.logger.Info("worker started",
		zap.String("subject", w.config.Subject),
		zap.Int("concurrency", w.config.Concurrency),
	)
	return nil
}

// Stop unsubscribes and waits for in-flight handlers to finish.
func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	if err := w.sub.Unsubscribe(); err != nil {
		w.logger.Warn("unsubscribe failed", zap.Error(err))
	}
	w.cancel()
	close(w.msgCh)
	w.wg.Wait()

	w.running = false
	w.logger.Info("worker stopped", zap.String("subject", w.config.Subject))
	return nil
}

// run is one handler goroutine.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	for msg := range w.msgCh {
		var job Job
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			w.logger.Error("dropping malformed job payload",
				zap.String("subject", w.config.Subject),
				zap.Error(err))
			continue
		}
		w.process(ctx, job)
	}
}

// process runs one job through the retry policy.
func (w *Worker) process(ctx context.Context, job Job) {
	var lastErr error
	for attempt := 1; attempt <= w.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := w.config.BaseBackoff * time.Duration(1<<(attempt-2))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
		}

		err := w.handler(ctx, job)
		if err == nil {
			return
		}
		lastErr = err

		if IsUnrecoverable(err) {
			w.logger.Warn("job failed permanently",
				zap.String("subject", w.config.Subject),
				zap.String("kind", job.Kind),
				zap.String("item_id", job.ItemID),
				zap.String("signal_id", job.SignalID),
				zap.Error(err))
			return
		}

		w.logger.Warn("job attempt failed",
			zap.String("subject", w.config.Subject),
			zap.String("kind", job.Kind),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	// Retries exhausted. The durable state machine plus the stuck-recovery
	// sweep will pick this up; nothing is lost with the job.
	w.logger.Error("job retries exhausted, leaving for stuck recovery",
		zap.String("subject", w.config.Subject),
		zap.String("kind", job.Kind),
		zap.String("item_id", job.ItemID),
		zap.String("signal_id", job.SignalID),
		zap.Error(lastErr))
}
