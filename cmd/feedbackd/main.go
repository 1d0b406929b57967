// Feedbackd is the feedback-signal pipeline daemon.
//
// It accepts raw feedback over HTTP, extracts structured signals with a
// generative model, matches them against existing feedback posts by
// embedding similarity, and produces merge/create suggestions for human
// review. State lives in sqlite; NATS subjects trigger the pipeline
// stages.
//
// Usage:
//
//	# Start with defaults (embedded vector store, model calls disabled)
//	feedbackd serve
//
//	# Configure via file and environment
//	LLM_PROVIDER=anthropic LLM_API_KEY=... feedbackd serve --config feedbackd.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/feedbackd/internal/config"
	"github.com/fyrsmithlabs/feedbackd/internal/embeddings"
	"github.com/fyrsmithlabs/feedbackd/internal/extraction"
	"github.com/fyrsmithlabs/feedbackd/internal/gate"
	"github.com/fyrsmithlabs/feedbackd/internal/identity"
	"github.com/fyrsmithlabs/feedbackd/internal/ingest"
	"github.com/fyrsmithlabs/feedbackd/internal/interpret"
	"github.com/fyrsmithlabs/feedbackd/internal/llm"
	"github.com/fyrsmithlabs/feedbackd/internal/logging"
	"github.com/fyrsmithlabs/feedbackd/internal/maintenance"
	"github.com/fyrsmithlabs/feedbackd/internal/metrics"
	"github.com/fyrsmithlabs/feedbackd/internal/notify"
	"github.com/fyrsmithlabs/feedbackd/internal/queue"
	"github.com/fyrsmithlabs/feedbackd/internal/server"
	"github.com/fyrsmithlabs/feedbackd/internal/store"
	"github.com/fyrsmithlabs/feedbackd/internal/suggestion"
	"github.com/fyrsmithlabs/feedbackd/internal/vectorstore"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "feedbackd",
	Short:   "Feedback-signal pipeline daemon",
	Version: fmt.Sprintf("%s (%s)", version, gitCommit),
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pipeline daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return run(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// run wires the full pipeline and blocks until ctx is cancelled.
func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("starting feedbackd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.String("vectorstore", cfg.VectorStore.Provider))

	// Metrics: OTEL instruments exported through the Prometheus registry
	// served at /metrics.
	exporter, err := otelprom.New()
	if err != nil {
		return fmt.Errorf("creating metrics exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	defer func() {
		_ = meterProvider.Shutdown(context.Background())
	}()
	pipelineMetrics, err := metrics.New(meterProvider.Meter("feedbackd"))
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	db, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("feedbackd"),
		nats.MaxReconnects(-1))
	if err != nil {
		return fmt.Errorf("connecting to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer nc.Close()

	jobs, err := queue.New(nc, logger.Named("queue"))
	if err != nil {
		return fmt.Errorf("creating queue: %w", err)
	}

	modelClient, err := llm.NewClient(llm.Config{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		APIKey:   cfg.LLM.APIKey.Value(),
		BaseURL:  cfg.LLM.BaseURL,
		Timeout:  int(cfg.LLM.Timeout.Duration().Seconds()),
	})
	if err != nil {
		return fmt.Errorf("creating model client: %w", err)
	}

	embedder, err := embeddings.NewService(embeddings.Config{
		BaseURL: cfg.Embeddings.BaseURL,
		Model:   cfg.Embeddings.Model,
		APIKey:  cfg.Embeddings.APIKey.Value(),
		Timeout: cfg.Embeddings.Timeout.Duration(),
	})
	if err != nil {
		return fmt.Errorf("creating embedding service: %w", err)
	}

	vectors, err := vectorstore.NewStore(vectorstore.FactoryConfig{
		Provider: cfg.VectorStore.Provider,
		Chromem: vectorstore.ChromemConfig{
			Path:     cfg.VectorStore.Chromem.Path,
			Compress: cfg.VectorStore.Chromem.Compress,
		},
		Qdrant: vectorstore.QdrantConfig{
			Host:       cfg.VectorStore.Qdrant.Host,
			Port:       cfg.VectorStore.Qdrant.Port,
			APIKey:     cfg.VectorStore.Qdrant.APIKey.Value(),
			UseTLS:     cfg.VectorStore.Qdrant.UseTLS,
			VectorSize: int(cfg.VectorStore.Qdrant.VectorSize),
		},
	}, embedder.Embedder(), logger.Named("vectorstore"))
	if err != nil {
		return fmt.Errorf("creating vector store: %w", err)
	}
	defer vectors.Close()

	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.Notify.BaseURL != "" {
		notifier, err = notify.NewHTTPNotifier(notify.HTTPConfig{
			BaseURL: cfg.Notify.BaseURL,
			APIKey:  cfg.Notify.APIKey.Value(),
			From:    cfg.Notify.From,
		}, logger.Named("notify"))
		if err != nil {
			return fmt.Errorf("creating notifier: %w", err)
		}
	}

	// Pipeline services.
	ingestSvc, err := ingest.NewService(db, jobs, pipelineMetrics, logger.Named("ingest"))
	if err != nil {
		return err
	}
	resolver, err := identity.NewResolver(db, cfg.Pipeline.ExternalDomain, logger.Named("identity"))
	if err != nil {
		return err
	}
	qualityGate, err := gate.New(modelClient, logger.Named("gate"))
	if err != nil {
		return err
	}
	extractor, err := extraction.NewService(db, resolver, qualityGate, modelClient, jobs, pipelineMetrics, logger.Named("extraction"))
	if err != nil {
		return err
	}
	interpreter, err := interpret.NewService(db, vectors, modelClient, pipelineMetrics, logger.Named("interpret"))
	if err != nil {
		return err
	}
	reviews, err := suggestion.NewService(db, vectors, notifier, logger.Named("suggestion"))
	if err != nil {
		return err
	}
	sweeper, err := maintenance.NewSweeper(db, jobs, reviews, pipelineMetrics,
		cfg.Pipeline.SweepInterval.Duration(), logger.Named("maintenance"))
	if err != nil {
		return err
	}

	// Workers. Ingestion work is I/O-bound and runs concurrently; AI work
	// runs at concurrency 1 per process to respect provider rate limits.
	ingestionWorker, err := queue.NewWorker(nc, queue.WorkerConfig{
		Subject:     queue.SubjectIngestion,
		Concurrency: cfg.Pipeline.IngestionConcurrency,
	}, func(ctx context.Context, job queue.Job) error {
		return extractor.EnrichItem(ctx, job.ItemID)
	}, logger.Named("worker.ingestion"))
	if err != nil {
		return err
	}

	aiWorker, err := queue.NewWorker(nc, queue.WorkerConfig{
		Subject:     queue.SubjectAI,
		Concurrency: 1,
	}, func(ctx context.Context, job queue.Job) error {
		switch job.Kind {
		case queue.KindExtractSignals:
			return extractor.ExtractSignals(ctx, job.ItemID)
		case queue.KindInterpretSignal:
			return interpreter.InterpretSignal(ctx, job.SignalID)
		default:
			return queue.Unrecoverable(fmt.Errorf("unknown job kind %q", job.Kind))
		}
	}, logger.Named("worker.ai"))
	if err != nil {
		return err
	}

	maintenanceWorker, err := queue.NewWorker(nc, queue.WorkerConfig{
		Subject:     queue.SubjectMaintenance,
		Concurrency: 1,
	}, func(ctx context.Context, job queue.Job) error {
		return sweeper.RunOnce(ctx)
	}, logger.Named("worker.maintenance"))
	if err != nil {
		return err
	}

	for _, w := range []*queue.Worker{ingestionWorker, aiWorker, maintenanceWorker} {
		if err := w.Start(); err != nil {
			return fmt.Errorf("starting worker: %w", err)
		}
		defer func(w *queue.Worker) {
			_ = w.Stop()
		}(w)
	}

	sweeper.Start()
	defer sweeper.Stop()

	httpServer, err := server.NewServer(ingestSvc, reviews, db, logger.Named("http"), &server.Config{
		Host: "0.0.0.0",
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Start()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}
