// Package main provides the statline synchronization service.
//
// One invocation runs one full synchronization pass: plan every catalog
// target against the reference universe, drain the pending values through
// the paced fetch executor, route the result sets, and persist them.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/statline-io/statline/internal/catalog"
	"github.com/statline-io/statline/internal/config"
	"github.com/statline-io/statline/internal/engine"
	"github.com/statline-io/statline/internal/events"
	"github.com/statline-io/statline/internal/fetch"
	"github.com/statline-io/statline/internal/pacer"
	"github.com/statline-io/statline/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "statline"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting statline",
		slog.String("service", name),
		slog.String("version", version),
	)

	catalogPath := config.GetEnvStr("CATALOG_PATH", "catalog.yaml")

	cat, err := catalog.Load(catalogPath)
	if err != nil {
		logger.Error("Failed to load catalog",
			slog.String("path", catalogPath),
			slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Catalog loaded",
		slog.String("path", catalogPath),
		slog.Int("targets", len(cat.Targets)))

	storageConfig := storage.LoadConfig()

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Database connected",
		slog.String("database_url", storageConfig.MaskDatabaseURL()))

	exitCode := run(logger, cat, conn)

	// Explicit close: deferred cleanup does not run past os.Exit.
	_ = conn.Close()
	os.Exit(exitCode)
}

// run wires the engine and executes one pass. Split from main so deferred
// cleanup still runs before the exit code propagates.
func run(logger *slog.Logger, cat *catalog.Catalog, conn *storage.Connection) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	writer, err := storage.NewSinkWriter(conn)
	if err != nil {
		logger.Error("Failed to create sink writer", slog.String("error", err.Error()))
		return 1
	}

	ledger, err := storage.NewFailureLedger(conn)
	if err != nil {
		logger.Error("Failed to create failure ledger", slog.String("error", err.Error()))
		return 1
	}

	refs, err := storage.NewReferenceStore(conn, cat.References)
	if err != nil {
		logger.Error("Failed to create reference store", slog.String("error", err.Error()))
		return 1
	}

	interval := config.GetEnvDuration("PACER_INTERVAL", pacer.DefaultInterval)

	pace, err := pacer.New(interval)
	if err != nil {
		logger.Error("Failed to create pacer", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("Pacer configured", slog.Duration("interval", pace.Interval()))

	client := fetch.NewHTTPClient(fetch.LoadHTTPConfig())

	executor, err := fetch.NewExecutor(client, pace, fetch.LoadConfig())
	if err != nil {
		logger.Error("Failed to create fetch executor", slog.String("error", err.Error()))
		return 1
	}

	var emitter events.Emitter = events.NewLogEmitter(logger)

	kafkaConfig := events.LoadKafkaConfig()
	if kafkaConfig.Enabled() {
		kafkaEmitter, err := events.NewKafkaEmitter(kafkaConfig)
		if err != nil {
			logger.Error("Failed to create kafka emitter", slog.String("error", err.Error()))
			return 1
		}

		defer func() {
			_ = kafkaEmitter.Close()
		}()

		emitter = kafkaEmitter

		logger.Info("Publishing run events to kafka",
			slog.String("topic", kafkaConfig.Topic),
			slog.Int("brokers", len(kafkaConfig.Brokers)))
	}

	planner := engine.NewPlanner(refs, writer, ledger, logger)

	orchestrator, err := engine.NewOrchestrator(engine.Config{
		Targets: cat.Targets,
		Planner: planner,
		Fetcher: executor,
		Writer:  writer,
		Ledger:  ledger,
		Emitter: emitter,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("Failed to create orchestrator", slog.String("error", err.Error()))
		return 1
	}

	reports, err := orchestrator.Run(ctx)

	for _, report := range reports {
		logger.Info("Target report",
			slog.String("target", report.Target),
			slog.Int("planned", report.Planned),
			slog.Int("fetched", report.Fetched),
			slog.Int("skipped_empty", report.SkippedEmpty),
			slog.Int("recorded_failures", report.RecordedFailures),
			slog.Int("storage_errors", report.StorageErrors))
	}

	if err != nil {
		logger.Error("Run finished with errors", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("Run finished")

	return 0
}
