package server

import (
	"context"
	"log"
	"sync"
	"time"

	"fleettrack/pkg/config"
	"fleettrack/pkg/index"
	"fleettrack/pkg/partition"
	"fleettrack/pkg/storage"
	"fleettrack/pkg/summary"
)

// Scheduler owns the background jobs: partition maintenance, index upkeep,
// summary refresh and the live position broadcast. Jobs are observable
// through logs and stoppable as a unit; nothing runs as a side effect of a
// request.
type Scheduler struct {
	store      storage.EventStore
	manager    *partition.Manager
	maintainer *index.Maintainer
	aggregator *summary.Aggregator
	hub        *PositionHub

	horizonMonths int
	retainMonths  int

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewScheduler creates the background job scheduler.
func NewScheduler(
	store storage.EventStore,
	manager *partition.Manager,
	maintainer *index.Maintainer,
	aggregator *summary.Aggregator,
	hub *PositionHub,
	horizonMonths, retainMonths int,
) *Scheduler {
	return &Scheduler{
		store:         store,
		manager:       manager,
		maintainer:    maintainer,
		aggregator:    aggregator,
		hub:           hub,
		horizonMonths: horizonMonths,
		retainMonths:  retainMonths,
		stop:          make(chan struct{}),
	}
}

// Start launches every background job. The context bounds individual runs;
// Stop ends the loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(4)
	go s.runMaintenance(ctx)
	go s.runIndexUpkeep(ctx)
	go s.runSummaryRefresh(ctx)
	go s.runBroadcast(ctx)
	log.Printf("Scheduler started: maintenance every %v, index upkeep every %v, summary refresh every %v",
		config.MaintenanceInterval, config.IndexUpkeepInterval, config.SummaryRefreshInterval)
}

// Stop ends all background jobs and waits for them to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// runMaintenance keeps the partition lookahead ahead of the write horizon and
// archives months past retention, with retry and exponential backoff.
func (s *Scheduler) runMaintenance(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(config.MaintenanceInterval)
	defer ticker.Stop()

	runWithRetry := func(isInitial bool) {
		maxRetries := 3
		baseDelay := 30 * time.Second

		for attempt := 0; attempt <= maxRetries; attempt++ {
			if attempt > 0 {
				delay := baseDelay * time.Duration(1<<(attempt-1))
				log.Printf("Retrying partition maintenance in %v (attempt %d/%d)...", delay, attempt+1, maxRetries+1)
				select {
				case <-time.After(delay):
				case <-s.stop:
					return
				}
			}

			start := time.Now()
			err := s.maintain(ctx)
			if err == nil {
				if isInitial {
					log.Printf("Initial partition maintenance completed in %v", time.Since(start).Round(time.Millisecond))
				} else {
					log.Printf("Partition maintenance completed in %v", time.Since(start).Round(time.Millisecond))
				}
				return
			}
			log.Printf("Partition maintenance failed (attempt %d/%d): %v", attempt+1, maxRetries+1, err)
		}
		log.Printf("Partition maintenance failed after %d attempts, will retry on next schedule", maxRetries+1)
	}

	// Initial pass runs in this goroutine, before the ticker loop, so at most
	// one maintenance pass is ever in flight. A slow or retrying initial pass
	// delays the first tick instead of overlapping with it.
	log.Println("Running initial partition maintenance (lookahead + archival)...")
	runWithRetry(true)

	for {
		select {
		case <-ticker.C:
			log.Println("Scheduled partition maintenance started...")
			runWithRetry(false)
		case <-s.stop:
			log.Println("Stopping partition maintenance scheduler")
			return
		}
	}
}

// maintain runs one lookahead + archival pass.
func (s *Scheduler) maintain(ctx context.Context) error {
	ensured, err := s.manager.EnsureFuture(ctx, s.horizonMonths)
	if err != nil {
		return err
	}
	if len(ensured.Created) > 0 {
		log.Printf("Created partitions: %v", ensured.Created)
	}

	report, err := s.manager.Archive(ctx, s.retainMonths)
	if err != nil {
		return err
	}
	for _, a := range report.Archived {
		log.Printf("Archived partition %s (%d events)", a.Name, a.Events)
	}
	for _, f := range report.Failed {
		log.Printf("ALERT: archiving partition %s failed: %s", f.Name, f.Error)
	}
	for _, inv := range report.Invalid {
		log.Printf("ALERT: partition with invalid name %q: %s", inv.Name, inv.Error)
	}
	return nil
}

// runIndexUpkeep trims the rolling-window indexes and reclaims value log
// space. BadgerDB accumulates deleted data in the value log, so GC here is
// what keeps archival from growing the disk.
func (s *Scheduler) runIndexUpkeep(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(config.IndexUpkeepInterval)
	defer ticker.Stop()

	gcStore, hasGC := s.store.(interface{ RunGC(float64) error })

	for {
		select {
		case <-ticker.C:
			pruned, err := s.maintainer.Prune(ctx)
			if err != nil {
				log.Printf("Index prune failed: %v", err)
				continue
			}
			if pruned > 0 {
				log.Printf("Pruned %d aged index entries", pruned)
			}

			if hasGC {
				start := time.Now()
				if err := gcStore.RunGC(0.5); err != nil {
					log.Printf("GC completed in %v (no rewrite needed)", time.Since(start).Round(time.Millisecond))
				} else {
					log.Printf("GC completed in %v (disk space reclaimed)", time.Since(start).Round(time.Millisecond))
				}
			}
		case <-s.stop:
			log.Println("Stopping index upkeep scheduler")
			return
		}
	}
}

// runSummaryRefresh recomputes the fleet summaries on a fixed cadence. The
// first refresh runs immediately so dashboards are not empty for a full
// interval after startup.
func (s *Scheduler) runSummaryRefresh(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(config.SummaryRefreshInterval)
	defer ticker.Stop()

	if err := s.aggregator.Refresh(ctx); err != nil {
		log.Printf("Initial summary refresh failed: %v", err)
	}

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			if err := s.aggregator.Refresh(ctx); err != nil {
				log.Printf("Summary refresh failed (previous snapshot stays live): %v", err)
				continue
			}
			log.Printf("Fleet summaries refreshed in %v", time.Since(start).Round(time.Millisecond))
		case <-s.stop:
			log.Println("Stopping summary refresh scheduler")
			return
		}
	}
}

// runBroadcast periodically pushes latest positions to WebSocket clients.
// Uses exponential backoff on errors to prevent log spam during outages.
func (s *Scheduler) runBroadcast(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(config.BroadcastInterval)
	defer ticker.Stop()

	var consecutiveErrors int
	var lastErrorTime time.Time
	const maxBackoff = 5 * time.Minute

	for {
		select {
		case <-ticker.C:
			// Skip querying if no clients connected.
			if !s.hub.HasClients() {
				continue
			}

			positions, err := s.store.LatestPositions(ctx)
			if err != nil {
				consecutiveErrors++
				now := time.Now()

				backoff := time.Duration(1<<uint(min(consecutiveErrors-1, 8))) * time.Second
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				if lastErrorTime.IsZero() || now.Sub(lastErrorTime) >= backoff {
					log.Printf("Failed to load positions for broadcast (error #%d, backoff %v): %v",
						consecutiveErrors, backoff, err)
					lastErrorTime = now
				}
				continue
			}
			if consecutiveErrors > 0 {
				log.Printf("Position broadcast recovered after %d errors", consecutiveErrors)
				consecutiveErrors = 0
			}

			if len(positions) > 0 {
				update := map[string]any{
					"type":      "positions_update",
					"timestamp": time.Now().Unix(),
					"positions": positions,
					"count":     len(positions),
				}
				if err := s.hub.Broadcast(update); err != nil {
					log.Printf("Failed to broadcast positions: %v", err)
				}
			}
		case <-s.stop:
			log.Println("Stopping position broadcaster")
			return
		}
	}
}
