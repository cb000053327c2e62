package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"

	"github.com/rpattn/adlineage/internal/config"
	"github.com/rpattn/adlineage/internal/db"
	"github.com/rpattn/adlineage/internal/domain"
	"github.com/rpattn/adlineage/internal/ingest"
	"github.com/rpattn/adlineage/internal/merge"
	"github.com/rpattn/adlineage/internal/middleware"
	"github.com/rpattn/adlineage/internal/normalize"
	"github.com/rpattn/adlineage/internal/repository"
	"github.com/rpattn/adlineage/internal/resolve"
	"github.com/rpattn/adlineage/internal/versioning"
)

func main() {
	configPath := flag.String("config", ".", "directory containing config.yaml")
	migrationsPath := flag.String("migrations", "./migrations", "directory containing migration files")
	serve := flag.Bool("serve", false, "serve the HTTP batch intake instead of running once")
	addr := flag.String("addr", ":8080", "listen address in serve mode")
	modeFlag := flag.String("mode", string(domain.RunModeIncremental), "run mode: full or incremental")
	sourceID := flag.String("source", "", "source identifier for file batches")
	snapshotsFile := flag.String("snapshots", "", "snapshot batch file (csv or xlsx)")
	factsFile := flag.String("facts", "", "fact batch file (csv or xlsx)")
	referenceDate := flag.String("reference-date", "", "lookback anchor date (YYYY-MM-DD), defaults to today")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	mode, err := domain.ParseRunMode(*modeFlag)
	if err != nil {
		log.Fatalf("Invalid run mode: %v", err)
	}

	var (
		store repository.Store
		runs  repository.RunLogRepository
	)
	switch cfg.Pipeline.Storage {
	case "memory":
		store = repository.NewMemoryStore()
		runs = repository.NewMemoryRunLog()
		log.Println("Using in-memory storage backend")
	default:
		conn, err := db.NewConnection(ctx, cfg.DB)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer conn.Close()

		if err := db.RunMigrations(cfg.DB.URL(), *migrationsPath); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}

		store = repository.NewPostgresStore(conn.Pool)
		runs = repository.NewRunLogRepository(conn.Pool)
	}

	builder := versioning.NewBuilder(versioning.Options{
		TrackedAttributes: cfg.Pipeline.TrackedAttributes,
		EndOfTime:         cfg.Pipeline.EndOfTime,
		CloseOffset:       cfg.Pipeline.CloseOffset,
	})
	windows := normalize.NewWindowNormalizer(normalize.WindowConfig{
		CanonicalDays:     cfg.Pipeline.CanonicalWindowDays,
		DefaultDays:       cfg.Pipeline.DefaultWindowDays,
		PerSourceDays:     cfg.Pipeline.PerSourceWindowDays,
		ConversionMetrics: cfg.Pipeline.ConversionMetrics,
	})
	resolver := resolve.NewResolver(windows)
	engine := merge.NewEngine(store, runs, builder, resolver)
	normalizer := normalize.NewSourceNormalizer(cfg.Pipeline.TrackedAttributes)

	runCfg := merge.Config{
		Mode:         mode,
		LookbackDays: cfg.Pipeline.LookbackDays,
		Workers:      cfg.Pipeline.Workers,
	}
	if *referenceDate != "" {
		ref, err := time.Parse("2006-01-02", *referenceDate)
		if err != nil {
			log.Fatalf("Invalid reference date: %v", err)
		}
		runCfg.ReferenceDate = domain.Day(ref)
	}

	if *serve {
		serveHTTP(ctx, *addr, engine, normalizer, runs, runCfg)
		return
	}

	runOnce(ctx, engine, normalizer, runCfg, *sourceID, *snapshotsFile, *factsFile)
}

// runOnce consumes file batches, applies one merge run, and exits.
func runOnce(ctx context.Context, engine *merge.Engine, normalizer *normalize.SourceNormalizer, runCfg merge.Config, sourceID, snapshotsFile, factsFile string) {
	if snapshotsFile == "" && factsFile == "" {
		log.Fatal("Nothing to do: provide -snapshots and/or -facts, or -serve")
	}

	var (
		rawSnapshots []normalize.RawSnapshotRow
		rawFacts     []normalize.RawMetricRow
		fileRejected int
	)

	if snapshotsFile != "" {
		payload, err := os.ReadFile(snapshotsFile)
		if err != nil {
			log.Fatalf("Failed to read snapshot file: %v", err)
		}
		rows, rejected, err := ingest.LoadSnapshotFile(snapshotsFile, payload)
		if err != nil {
			log.Fatalf("Failed to parse snapshot file: %v", err)
		}
		for _, rowErr := range rejected {
			log.Printf("[INGEST] rejected snapshot %v", rowErr)
		}
		rawSnapshots = rows
		fileRejected += len(rejected)
	}

	if factsFile != "" {
		payload, err := os.ReadFile(factsFile)
		if err != nil {
			log.Fatalf("Failed to read fact file: %v", err)
		}
		rows, rejected, err := ingest.LoadFactFile(factsFile, payload)
		if err != nil {
			log.Fatalf("Failed to parse fact file: %v", err)
		}
		for _, rowErr := range rejected {
			log.Printf("[INGEST] rejected fact %v", rowErr)
		}
		rawFacts = rows
		fileRejected += len(rejected)
	}

	batch := ingest.NormalizeBatch(normalizer, sourceID, rawSnapshots, rawFacts)

	summary, err := engine.Run(ctx, batch, runCfg)
	if err != nil {
		log.Fatalf("Merge run failed: %v", err)
	}

	encoded, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode run summary: %v", err)
	}
	log.Printf("Run complete (%d file-level rejections):\n%s", fileRejected, encoded)

	if len(summary.KeysFailed) > 0 {
		os.Exit(1)
	}
}

// serveHTTP exposes the batch intake and run log endpoints until the process
// is signalled.
func serveHTTP(ctx context.Context, addr string, engine *merge.Engine, normalizer *normalize.SourceNormalizer, runs repository.RunLogRepository, runCfg merge.Config) {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	mux := http.NewServeMux()
	mux.Handle("/v1/batches", ingest.NewBatchHandler(engine, normalizer, runCfg))
	mux.Handle("/v1/runs", ingest.NewRunsHandler(runs))

	server := &http.Server{
		Addr:         addr,
		Handler:      corsHandler.Handler(middleware.LoggingMiddleware(mux)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting batch intake server on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
