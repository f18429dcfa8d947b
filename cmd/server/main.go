package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"fleettrack/pkg/cluster"
	"fleettrack/pkg/index"
	"fleettrack/pkg/partition"
	"fleettrack/pkg/registry"
	"fleettrack/pkg/server"
	"fleettrack/pkg/summary"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 10 * time.Second
	shutdownTimeout    = 30 * time.Second
)

func main() {
	log.Println("Starting FleetTrack server...")

	cfg := server.LoadConfig()
	log.Printf("Configuration: data=%s cold=%s horizon=%d months, retain=%d months",
		cfg.DataDir, cfg.ColdDir, cfg.HorizonMonths, cfg.RetainMonths)

	store, err := server.InitializeStorage(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	manager := partition.NewManager(store.(partition.Store))
	maintainer := index.NewMaintainer(store.(index.Store))

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 2*time.Minute)

	// Partitions and indexes must exist before the first ingest lands.
	ensured, err := manager.EnsureFuture(startupCtx, cfg.HorizonMonths)
	if err != nil {
		log.Fatalf("Failed to ensure partitions: %v", err)
	}
	if len(ensured.Created) > 0 {
		log.Printf("Created partitions: %v", ensured.Created)
	}
	if err := maintainer.Ensure(startupCtx); err != nil {
		log.Fatalf("Failed to verify indexes: %v", err)
	}

	// Seed the live projection from the persisted latest positions so a
	// restart does not blank the map until vehicles report again.
	projection := registry.NewProjection()
	positions, err := store.LatestPositions(startupCtx)
	if err != nil {
		log.Fatalf("Failed to load latest positions: %v", err)
	}
	for _, e := range positions {
		projection.RecordPosition(e.VehicleID, e.CompanyID, e.Timestamp, e.Location)
	}
	startupCancel()
	log.Printf("Projection seeded with %d vehicles", projection.Len())

	engine := cluster.NewEngine(projection, cluster.Config{})
	aggregator := summary.NewAggregator(projection)

	hub := server.NewPositionHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()
	log.Println("Live position hub started")

	scheduler := server.NewScheduler(store, manager, maintainer, aggregator, hub, cfg.HorizonMonths, cfg.RetainMonths)
	scheduler.Start(ctx)

	handler := server.NewHandler(store, projection, engine, aggregator, manager, maintainer)

	router := mux.NewRouter()
	server.SetupRoutes(router, handler, hub, cfg.Port)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	go func() {
		log.Printf("Server listening on http://localhost:%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received...")

	// Cancel first so the hub and scheduler loops stop before wg.Wait.
	cancel()
	scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown warning: %v", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("All background tasks stopped cleanly")
	case <-time.After(5 * time.Second):
		log.Println("Some background tasks did not stop in time (forcing exit)")
	}

	log.Println("FleetTrack server exited cleanly")
}
