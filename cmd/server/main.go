/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the reporting-date visibility engine. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Open the SQLite fact/entitlement store
  3. Load the persisted date registry
  4. Run the initial index rebuild (empty store is a valid empty start)
  5. Start the daily rebuild scheduler
  6. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -port                    HTTP server port (default: 8080)
  -db                      SQLite database path (default: riskdates.db)
  -registry                Registry persistence path (default: registry.gz)
  -rebuild-hour            Local hour after which the daily rebuild fires
  -entitlement-ttl         Fresh TTL for cached entitlement sets
  -entitlement-ceiling     Staleness ceiling for degraded serving

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler, close the database
  4. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Rebuild orchestration
  - store/sqlite/sqlite.go: Data sources
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/date-engine/api"
	"github.com/warp/date-engine/dateindex"
	"github.com/warp/date-engine/entitlement"
	"github.com/warp/date-engine/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "riskdates.db", "SQLite database path")
	registryPath := flag.String("registry", "registry.gz", "Date registry persistence path")
	rebuildHour := flag.Int("rebuild-hour", 5, "Local hour after which the daily rebuild fires")
	entTTL := flag.Duration("entitlement-ttl", entitlement.DefaultTTL, "Fresh TTL for cached entitlement sets")
	entCeiling := flag.Duration("entitlement-ceiling", entitlement.DefaultStaleCeiling, "Staleness ceiling for degraded serving")
	flag.Parse()

	// Data sources
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Registry survives restarts so ordinals stay stable
	registry, err := dateindex.LoadRegistry(*registryPath)
	if err != nil {
		log.Fatalf("Failed to load date registry: %v", err)
	}
	log.Printf("Loaded date registry: %d known reporting dates", registry.Size())

	// Index machinery
	manager := dateindex.NewManager()
	builder := dateindex.NewBuilder(store, registry)
	rebuilder := api.NewRebuilder(builder, manager, registry, *registryPath)

	// Initial build. A failure here is not fatal: the service comes up
	// serving empty results and the scheduler keeps retrying.
	if _, err := rebuilder.Run(context.Background()); err != nil {
		log.Printf("Warning: initial index build failed, serving empty until next rebuild: %v", err)
	}

	// Entitlement resolution
	resolver := entitlement.NewResolver(store,
		entitlement.WithTTL(*entTTL),
		entitlement.WithStaleCeiling(*entCeiling),
	)

	// HTTP layer
	handler := api.NewHandler(resolver, manager, rebuilder)
	scheduler := api.NewRebuildScheduler(rebuilder, *rebuildHour)
	handler.Scheduler = scheduler
	scheduler.Start()
	defer scheduler.Stop()

	router := api.NewRouter(handler)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server starting on http://localhost:%d", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
