package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/greenline-data/canopy.count/internal/api"
	"github.com/greenline-data/canopy.count/internal/config"
	"github.com/greenline-data/canopy.count/internal/db"
	"github.com/greenline-data/canopy.count/internal/imagery"
	"github.com/greenline-data/canopy.count/internal/inference"
	"github.com/greenline-data/canopy.count/internal/pipeline"
	"github.com/greenline-data/canopy.count/internal/plog"
	"github.com/greenline-data/canopy.count/internal/timeutil"
	"github.com/greenline-data/canopy.count/internal/version"
)

var (
	devMode         = flag.Bool("dev", false, "Run with the built-in fixture models")
	listen          = flag.String("listen", ":8080", "HTTP listen address")
	dbFile          = flag.String("db", "inventory.db", "Path to the SQLite database file")
	imageDir        = flag.String("images", "photos", "Root directory of the photo store")
	configFile      = flag.String("config", "", "Path to a pipeline config JSON file (optional)")
	workers         = flag.Int("workers", 0, "Worker count override (0 = from config)")
	reprocessFailed = flag.Bool("reprocess-failed", false, "Requeue failed sessions on boot")
	diagLogs        = flag.Bool("diag", false, "Enable diagnostic logging")
	traceLogs       = flag.Bool("trace", false, "Enable trace logging (implies -diag)")
)

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if *traceLogs {
		plog.SetLogWriters(os.Stderr, os.Stderr)
	} else if *diagLogs {
		plog.SetLogWriters(os.Stderr, nil)
	}

	cfg := config.EmptyPipelineConfig()
	if *configFile != "" {
		var err error
		cfg, err = config.LoadPipelineConfig(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	var loader inference.LoaderFunc
	if *devMode {
		loader = inference.FixtureLoader()
	} else {
		// Frozen network weights attach through an external LoaderFunc;
		// this build ships only the fixture models.
		log.Fatal("No model runtime configured; run with -dev for the built-in fixture models")
	}

	database, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := os.MkdirAll(*imageDir, 0o755); err != nil {
		log.Fatalf("Failed to create photo store root: %v", err)
	}
	photos, err := imagery.NewFileStore(*imageDir)
	if err != nil {
		log.Fatalf("Failed to open photo store: %v", err)
	}

	workerCount := cfg.GetWorkerCount()
	if *workers > 0 {
		workerCount = *workers
	}

	pool := inference.NewPool(loader)
	coord := pipeline.NewCoordinator(database, photos, pool, cfg, timeutil.RealClock{})
	runner := pipeline.NewRunner(coord, workerCount)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *reprocessFailed {
		n, err := runner.ReprocessFailed(ctx)
		if err != nil {
			log.Fatalf("Failed to requeue failed sessions: %v", err)
		}
		log.Printf("Requeued %d failed sessions", n)
	}

	runner.Start()
	defer runner.Stop()
	log.Printf("canopyd %s (%s) processing with %d workers", version.Version, version.GitSHA, workerCount)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(database, photos, runner, cfg).ServeMux()
		database.AttachAdminRoutes(mux)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("HTTP server listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("Shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
