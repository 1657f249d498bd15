// Command hcsrd runs HCSR as a standalone daemon: it wires the vector
// index, embedding client, and every in-process component behind the
// Coordinator, then serves until a termination signal triggers a drain.
//
// Grounded on the teacher's cmd/agent/main.go composition order (config,
// then logger/tracer, then domain components, then signal-driven
// shutdown), narrowed to HCSR's single composition root.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hcsr/internal/config"
	"hcsr/internal/coordinator"
	"hcsr/internal/embedding"
	"hcsr/internal/logging"
	"hcsr/internal/tracer"
	"hcsr/internal/vectorindex"
)

type flags struct {
	dbPath       string
	embedAPIKey  string
	embedBaseURL string
	embedModel   string
	logLevel     string
	logFormat    string
	tracerEnable bool
	tracerExport string
}

func parseFlags() flags {
	f := flags{}
	flag.StringVar(&f.dbPath, "db", envOr("HCSR_DB_PATH", "./hcsr.db"), "path to the sqlite vector index file")
	flag.StringVar(&f.embedAPIKey, "embed-key", os.Getenv("HCSR_EMBED_API_KEY"), "API key for the embedding backend")
	flag.StringVar(&f.embedBaseURL, "embed-url", envOr("HCSR_EMBED_BASE_URL", ""), "base URL override for the embedding backend")
	flag.StringVar(&f.embedModel, "embed-model", envOr("HCSR_EMBED_MODEL", "hcsr-embed-v1"), "embedding model identifier")
	flag.StringVar(&f.logLevel, "log-level", envOr("HCSR_LOG_LEVEL", "info"), "debug, info, warn, or error")
	flag.StringVar(&f.logFormat, "log-format", envOr("HCSR_LOG_FORMAT", "json"), "json or text")
	flag.BoolVar(&f.tracerEnable, "trace", os.Getenv("HCSR_TRACE_ENABLED") == "true", "enable OpenTelemetry tracing")
	flag.StringVar(&f.tracerExport, "trace-exporter", envOr("HCSR_TRACE_EXPORTER", "noop"), "stdout or noop")
	flag.Parse()
	return f
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	f := parseFlags()

	log, logCloser, err := logging.New(logging.Config{Level: f.logLevel, Format: f.logFormat, Output: "stderr"})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, tracer.Config{Enabled: f.tracerEnable, Exporter: f.tracerExport})
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	cfg := config.Defaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	adapter, err := vectorindex.Open(f.dbPath, log)
	if err != nil {
		return fmt.Errorf("vector index: %w", err)
	}
	defer func() {
		if err := adapter.Close(); err != nil {
			log.Error("vector index close error", "error", err)
		}
	}()

	var embedOpts []embedding.HTTPOption
	embedOpts = append(embedOpts, embedding.WithModel(f.embedModel), embedding.WithDim(cfg.Embed.Dim))
	if f.embedBaseURL != "" {
		embedOpts = append(embedOpts, embedding.WithBaseURL(f.embedBaseURL))
	}
	provider := embedding.NewHTTPProvider(f.embedAPIKey, embedOpts...)
	embedClient := embedding.NewClient(provider, cfg.Embed, cfg.Breaker, log)

	coord, err := coordinator.New(ctx, coordinator.Deps{
		VectorIndex: adapter,
		Embedder:    embedClient,
		Config:      cfg,
		Logger:      log,
		DrainGrace:  10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("coordinator start: %w", err)
	}

	sigCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("hcsrd starting", "db", f.dbPath, "embed_dim", cfg.Embed.Dim, "l1_capacity", cfg.L1.Capacity)

	serveUntilShutdown(sigCtx, coord, log)
	return nil
}

// serveUntilShutdown blocks until ctx is cancelled (by SIGINT/SIGTERM),
// then drains the coordinator. Request-serving transport (HTTP/gRPC
// front door) is outside HCSR's scope per spec §1's Non-goals; this
// loop exists so the in-process Coordinator contract stays live and the
// janitor keeps sweeping for embedders of this package.
func serveUntilShutdown(ctx context.Context, coord *coordinator.Coordinator, log *slog.Logger) {
	<-ctx.Done()
	log.Info("hcsrd shutting down")

	drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	coord.Drain(drainCtx)
}
