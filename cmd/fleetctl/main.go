package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"fleettrack/pkg/config"
	"fleettrack/pkg/index"
	"fleettrack/pkg/partition"
	"fleettrack/pkg/storage/badger"
)

const usage = `fleetctl - operational tooling for the FleetTrack event store

Usage:
  fleetctl partitions create   [--data DIR] [--cold DIR] [--horizon N] [--dry-run]
  fleetctl partitions maintain [--data DIR] [--cold DIR] [--horizon N] [--retain N] [--dry-run]
  fleetctl partitions status   [--data DIR] [--cold DIR]
  fleetctl partitions migrate  [--data DIR] [--cold DIR] [--batch-size N] [--dry-run] [--yes]

The store must not be open in a running server while fleetctl operates on it.
`

func main() {
	log.SetFlags(0)

	if len(os.Args) < 3 || os.Args[1] != "partitions" {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[2]
	fs := flag.NewFlagSet("partitions "+cmd, flag.ExitOnError)
	dataDir := fs.String("data", config.DefaultDataDir, "hot store directory")
	coldDir := fs.String("cold", config.DefaultColdDir, "cold store directory")
	horizon := fs.Int("horizon", config.DefaultHorizonMonths, "months of partitions to create ahead")
	retain := fs.Int("retain", config.DefaultRetainMonths, "months kept hot before archival")
	batchSize := fs.Int("batch-size", config.MigrationBatchSize, "events moved per migration batch")
	dryRun := fs.Bool("dry-run", false, "report what would change without changing it")
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	fs.Parse(os.Args[3:])

	store, err := badger.New(badger.Config{Path: *dataDir, ColdPath: *coldDir})
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	manager := partition.NewManager(store)
	ctx := context.Background()

	var ok bool
	switch cmd {
	case "create":
		ok = runCreate(ctx, manager, *horizon, *dryRun)
	case "maintain":
		ok = runMaintain(ctx, manager, *horizon, *retain, *dryRun)
	case "status":
		ok = runStatus(ctx, manager, store)
	case "migrate":
		ok = runMigrate(ctx, manager, *batchSize, *dryRun, *yes)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if !ok {
		os.Exit(1)
	}
}

// runCreate ensures the partition lookahead.
func runCreate(ctx context.Context, manager *partition.Manager, horizon int, dryRun bool) bool {
	if dryRun {
		missing, err := manager.PlanEnsure(ctx, horizon)
		if err != nil {
			log.Printf("Failed to plan partition creation: %v", err)
			return false
		}
		if len(missing) == 0 {
			log.Printf("Dry run: all partitions through +%d months already exist", horizon)
		} else {
			log.Printf("Dry run: would create %v", missing)
		}
		return true
	}

	report, err := manager.EnsureFuture(ctx, horizon)
	if err != nil {
		log.Printf("Failed to create partitions: %v", err)
		return false
	}
	for _, name := range report.Created {
		log.Printf("Created partition %s", name)
	}
	for _, name := range report.Existing {
		log.Printf("Partition %s already exists", name)
	}
	return true
}

// runMaintain runs one full maintenance pass: lookahead plus archival.
func runMaintain(ctx context.Context, manager *partition.Manager, horizon, retain int, dryRun bool) bool {
	if dryRun {
		missing, err := manager.PlanEnsure(ctx, horizon)
		if err != nil {
			log.Printf("Failed to plan maintenance: %v", err)
			return false
		}
		planned, err := manager.PlanArchive(ctx, retain)
		if err != nil {
			log.Printf("Failed to plan archival: %v", err)
			return false
		}
		log.Printf("Dry run: would create %d partition(s): %v", len(missing), missing)
		log.Printf("Dry run: would archive %d partition(s): %v", len(planned), planned)
		return true
	}

	if !runCreate(ctx, manager, horizon, false) {
		return false
	}

	report, err := manager.Archive(ctx, retain)
	if err != nil {
		log.Printf("Failed to archive partitions: %v", err)
		return false
	}
	log.Printf("Archival cutoff: partitions before %s", report.Cutoff)
	for _, a := range report.Archived {
		log.Printf("Archived %s (%d events)", a.Name, a.Events)
	}
	for _, f := range report.Failed {
		log.Printf("FAILED to archive %s: %s", f.Name, f.Error)
	}
	for _, inv := range report.Invalid {
		log.Printf("INVALID partition name %q: %s", inv.Name, inv.Error)
	}
	return report.OK()
}

// runStatus prints the partition inventory, storage stats and index health.
func runStatus(ctx context.Context, manager *partition.Manager, store *badger.Storage) bool {
	status, err := manager.Status(ctx)
	if err != nil {
		log.Printf("Failed to read partition status: %v", err)
		return false
	}
	stats, err := store.Stats(ctx)
	if err != nil {
		log.Printf("Failed to read storage stats: %v", err)
		return false
	}
	report, err := index.NewMaintainer(store).Verify(ctx)
	if err != nil {
		log.Printf("Failed to verify indexes: %v", err)
		return false
	}

	log.Printf("Partitions (%d):", len(status.Partitions))
	for _, p := range status.Partitions {
		log.Printf("  %-10s %10d events  %8s  [%s .. %s)",
			p.Name, p.Events, formatBytes(p.SizeBytes),
			p.Start.Format("2006-01-02"), p.End.Format("2006-01-02"))
	}
	log.Printf("Total events: %d hot, %d archived, %d legacy",
		stats.HotEvents, stats.ArchivedEvents, stats.LegacyEvents)
	if !stats.OldestEvent.IsZero() {
		log.Printf("Event range: %s .. %s",
			stats.OldestEvent.Format(time.RFC3339), stats.NewestEvent.Format(time.RFC3339))
	}

	log.Printf("Indexes:")
	for _, s := range report.Stats {
		log.Printf("  %-30s %10d entries  %6d scans  %5.1f%% efficient",
			s.Name, s.Entries, s.Scans, s.Efficiency)
	}
	for _, w := range report.Warnings {
		log.Printf("  WARNING: %s", w)
	}
	return true
}

// runMigrate drains the legacy keyspace into monthly partitions.
func runMigrate(ctx context.Context, manager *partition.Manager, batchSize int, dryRun, yes bool) bool {
	if dryRun {
		total, missing, err := manager.PlanMigrate(ctx)
		if err != nil {
			log.Printf("Failed to plan migration: %v", err)
			return false
		}
		if total == 0 {
			log.Printf("Dry run: no legacy events to migrate")
			return true
		}
		log.Printf("Dry run: would migrate %d legacy events in batches of %d", total, batchSize)
		log.Printf("Dry run: would create %d partition(s): %v", len(missing), missing)
		return true
	}

	total, err := manager.Status(ctx)
	if err != nil {
		log.Printf("Failed to inspect store: %v", err)
		return false
	}
	if total.LegacyEvents == 0 {
		log.Printf("No legacy events to migrate")
		return true
	}

	log.Printf("Legacy events to migrate: %d (in batches of %d)", total.LegacyEvents, batchSize)
	if !yes && !confirm("Migrate now? This creates partitions for the full historical range.") {
		log.Printf("Migration aborted")
		return false
	}

	start := time.Now()
	report, err := manager.MigrateLegacy(ctx, batchSize, func(migrated, total uint64) {
		log.Printf("  migrated %d/%d events...", migrated, total)
	})
	if err != nil {
		log.Printf("Migration failed (resumable, rerun to continue): %v", err)
		return false
	}

	if len(report.PartitionsCreated) > 0 {
		log.Printf("Created partitions for historical range: %v", report.PartitionsCreated)
	}
	log.Printf("Migrated %d events in %d batches (%v)",
		report.Migrated, report.Batches, time.Since(start).Round(time.Millisecond))
	return true
}

// confirm asks the operator a y/N question on stdin.
func confirm(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// formatBytes renders a byte count for humans.
func formatBytes(n uint64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
