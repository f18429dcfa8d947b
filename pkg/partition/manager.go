package partition

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"
)

// Info describes one hot partition for operational reporting.
type Info struct {
	Name      string    `json:"name"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Events    uint64    `json:"events"`
	SizeBytes uint64    `json:"size_bytes"`
}

// Store is the physical-layout surface a storage backend exposes to the
// partition manager. The manager is the only component permitted to alter
// the layout; everything else only reads or appends events.
type Store interface {
	// Partitions lists the hot partition inventory.
	Partitions(ctx context.Context) ([]Info, error)

	// CreatePartition idempotently creates the partition for the month.
	// Returns false when the partition already existed.
	CreatePartition(ctx context.Context, m Month) (bool, error)

	// ArchivePartition copies the named partition to cold storage and drops
	// it from the hot set. All-or-nothing per partition: on error the hot
	// partition is left untouched.
	ArchivePartition(ctx context.Context, name string) (uint64, error)

	// LegacyCount reports how many unpartitioned legacy events remain.
	LegacyCount(ctx context.Context) (uint64, error)

	// LegacyRange reports the min/max timestamps of the legacy events.
	LegacyRange(ctx context.Context) (time.Time, time.Time, error)

	// MigrateLegacyBatch moves up to batchSize legacy events into the
	// partitioned layout, resuming from the last persisted offset.
	// done is true once the legacy keyspace is fully drained.
	MigrateLegacyBatch(ctx context.Context, batchSize int) (migrated int, done bool, err error)
}

// Manager orchestrates partition lifecycle: lookahead creation, archival past
// the retention window, and one-time migration of legacy data.
type Manager struct {
	store Store
	now   func() time.Time
}

// NewManager creates a partition manager over the given backend.
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// EnsureReport summarises a lookahead creation pass.
type EnsureReport struct {
	Created  []string `json:"created"`
	Existing []string `json:"existing"`
}

// EnsureFuture idempotently creates any missing monthly partitions from the
// current month through horizonMonths ahead. Creating a partition that
// already exists is a no-op, not an error.
func (m *Manager) EnsureFuture(ctx context.Context, horizonMonths int) (EnsureReport, error) {
	var report EnsureReport
	if horizonMonths < 0 {
		return report, fmt.Errorf("horizon must be non-negative, got %d", horizonMonths)
	}

	current := MonthOf(m.now())
	for i := 0; i <= horizonMonths; i++ {
		target := current.Add(i)
		created, err := m.store.CreatePartition(ctx, target)
		if err != nil {
			return report, fmt.Errorf("create partition %s: %w", target.Label(), err)
		}
		if created {
			report.Created = append(report.Created, target.Label())
		} else {
			report.Existing = append(report.Existing, target.Label())
		}
	}
	return report, nil
}

// PlanEnsure reports which partitions EnsureFuture would create, without
// creating them.
func (m *Manager) PlanEnsure(ctx context.Context, horizonMonths int) ([]string, error) {
	existing, err := m.existingLabels(ctx)
	if err != nil {
		return nil, err
	}

	var missing []string
	current := MonthOf(m.now())
	for i := 0; i <= horizonMonths; i++ {
		label := current.Add(i).Label()
		if !existing[label] {
			missing = append(missing, label)
		}
	}
	return missing, nil
}

// ArchiveOutcome records the result of archiving one partition.
type ArchiveOutcome struct {
	Name   string `json:"name"`
	Events uint64 `json:"events,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ArchiveReport summarises an archival pass. A failure on one partition does
// not block archival of the others; OK reports whether everything succeeded.
type ArchiveReport struct {
	Cutoff   string           `json:"cutoff"`
	Archived []ArchiveOutcome `json:"archived,omitempty"`
	Failed   []ArchiveOutcome `json:"failed,omitempty"`
	Invalid  []ArchiveOutcome `json:"invalid,omitempty"`
}

// OK reports whether every requested archive operation succeeded and no
// partition carried an unparseable name.
func (r ArchiveReport) OK() bool {
	return len(r.Failed) == 0 && len(r.Invalid) == 0
}

// Archive moves every partition whose month precedes now - retainMonths into
// cold storage. Partitions whose names do not parse are reported as
// validation errors rather than silently skipped.
func (m *Manager) Archive(ctx context.Context, retainMonths int) (ArchiveReport, error) {
	cutoff := MonthOf(m.now()).Add(-retainMonths)
	report := ArchiveReport{Cutoff: cutoff.Label()}

	partitions, err := m.store.Partitions(ctx)
	if err != nil {
		return report, fmt.Errorf("list partitions: %w", err)
	}

	for _, p := range partitions {
		month, err := ParseLabel(p.Name)
		if err != nil {
			report.Invalid = append(report.Invalid, ArchiveOutcome{Name: p.Name, Error: err.Error()})
			continue
		}
		if !month.Before(cutoff) {
			continue
		}

		events, err := m.store.ArchivePartition(ctx, p.Name)
		if err != nil {
			log.Printf("Failed to archive partition %s: %v", p.Name, err)
			report.Failed = append(report.Failed, ArchiveOutcome{Name: p.Name, Error: err.Error()})
			continue
		}
		report.Archived = append(report.Archived, ArchiveOutcome{Name: p.Name, Events: events})
	}
	return report, nil
}

// PlanArchive reports which partitions Archive would move to cold storage.
func (m *Manager) PlanArchive(ctx context.Context, retainMonths int) ([]string, error) {
	cutoff := MonthOf(m.now()).Add(-retainMonths)

	partitions, err := m.store.Partitions(ctx)
	if err != nil {
		return nil, err
	}

	var planned []string
	for _, p := range partitions {
		month, err := ParseLabel(p.Name)
		if err != nil {
			planned = append(planned, p.Name+" (INVALID NAME)")
			continue
		}
		if month.Before(cutoff) {
			planned = append(planned, p.Name)
		}
	}
	return planned, nil
}

// MigrateReport summarises a legacy-data migration.
type MigrateReport struct {
	Total             uint64   `json:"total"`
	Migrated          uint64   `json:"migrated"`
	Batches           int      `json:"batches"`
	PartitionsCreated []string `json:"partitions_created,omitempty"`
}

// MigrateLegacy creates partitions spanning the full historical range of the
// legacy keyspace, then drains it in bounded batches. Interruptible between
// batches: a cancelled or failed run resumes from the last persisted offset.
// The progress callback, if non-nil, is invoked after every batch.
func (m *Manager) MigrateLegacy(ctx context.Context, batchSize int, progress func(migrated, total uint64)) (MigrateReport, error) {
	var report MigrateReport
	if batchSize <= 0 {
		return report, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	total, err := m.store.LegacyCount(ctx)
	if err != nil {
		return report, fmt.Errorf("count legacy events: %w", err)
	}
	report.Total = total
	if total == 0 {
		return report, nil
	}

	oldest, newest, err := m.store.LegacyRange(ctx)
	if err != nil {
		return report, fmt.Errorf("inspect legacy range: %w", err)
	}

	// Cover the entire historical range before moving a single event.
	last := MonthOf(newest)
	for month := MonthOf(oldest); !last.Before(month); month = month.Add(1) {
		created, err := m.store.CreatePartition(ctx, month)
		if err != nil {
			return report, fmt.Errorf("create partition %s: %w", month.Label(), err)
		}
		if created {
			report.PartitionsCreated = append(report.PartitionsCreated, month.Label())
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("migration interrupted after %d events: %w", report.Migrated, err)
		}

		migrated, done, err := m.store.MigrateLegacyBatch(ctx, batchSize)
		report.Migrated += uint64(migrated)
		if migrated > 0 {
			report.Batches++
		}
		if err != nil {
			return report, fmt.Errorf("migration batch failed after %d events (resumable): %w", report.Migrated, err)
		}
		if progress != nil {
			progress(report.Migrated, total)
		}
		if done {
			return report, nil
		}
	}
}

// PlanMigrate reports how many legacy events a migration would move and which
// partitions it would create, without touching any data.
func (m *Manager) PlanMigrate(ctx context.Context) (uint64, []string, error) {
	total, err := m.store.LegacyCount(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("count legacy events: %w", err)
	}
	if total == 0 {
		return 0, nil, nil
	}

	oldest, newest, err := m.store.LegacyRange(ctx)
	if err != nil {
		return total, nil, fmt.Errorf("inspect legacy range: %w", err)
	}
	existing, err := m.existingLabels(ctx)
	if err != nil {
		return total, nil, err
	}

	var missing []string
	last := MonthOf(newest)
	for month := MonthOf(oldest); !last.Before(month); month = month.Add(1) {
		if !existing[month.Label()] {
			missing = append(missing, month.Label())
		}
	}
	return total, missing, nil
}

// StatusReport is the operational partition inventory. Exact min/max event
// timestamps come from the store's Stats, not from partition ranges.
type StatusReport struct {
	Partitions   []Info `json:"partitions"`
	TotalEvents  uint64 `json:"total_events"`
	LegacyEvents uint64 `json:"legacy_events"`
}

// Status reports the partition inventory sorted by name plus overall
// event counts.
func (m *Manager) Status(ctx context.Context) (StatusReport, error) {
	var report StatusReport

	partitions, err := m.store.Partitions(ctx)
	if err != nil {
		return report, fmt.Errorf("list partitions: %w", err)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i].Name < partitions[j].Name })
	report.Partitions = partitions

	for _, p := range partitions {
		report.TotalEvents += p.Events
	}

	legacy, err := m.store.LegacyCount(ctx)
	if err != nil {
		return report, fmt.Errorf("count legacy events: %w", err)
	}
	report.LegacyEvents = legacy
	return report, nil
}

// existingLabels returns the set of hot partition names.
func (m *Manager) existingLabels(ctx context.Context) (map[string]bool, error) {
	partitions, err := m.store.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	labels := make(map[string]bool, len(partitions))
	for _, p := range partitions {
		labels[p.Name] = true
	}
	return labels, nil
}
