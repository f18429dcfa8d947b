package index

import (
	"context"
	"fmt"
	"time"
)

// Index names, one per query pattern the store serves.
const (
	// Temporal range index over (timestamp, vehicle): time-window scans.
	// Coarse-grained and cheap relative to a row-level index.
	Temporal = "events_temporal"

	// Spatio-temporal index over (cell, timestamp), restricted to a recent
	// rolling window: "where are active vehicles right now".
	SpatioTemporal = "events_spatiotemporal_recent"

	// Geohash index over location-derived cells at several precisions:
	// feeds clustering density queries directly.
	Geohash = "events_geohash"

	// Active-vehicle index over (vehicle, latest position), restricted to a
	// short recent window: most-recent-position lookups.
	ActiveVehicle = "vehicles_active_recent"
)

// Stat reports health and usage for one index, mirroring what an operator
// needs to spot bloat or unused indexes.
type Stat struct {
	Name          string  `json:"name"`
	Entries       uint64  `json:"entries"`
	Scans         uint64  `json:"scans"`
	TuplesRead    uint64  `json:"tuples_read"`
	TuplesFetched uint64  `json:"tuples_fetched"`
	Efficiency    float64 `json:"efficiency_pct"`
}

// Store is the index surface a storage backend exposes to the maintainer.
type Store interface {
	// EnsureIndexes idempotently (re)builds any missing index entries by
	// scanning events. Builds are online: concurrent appends are not blocked.
	// Callable both at startup and on demand.
	EnsureIndexes(ctx context.Context) error

	// PruneIndexes removes entries that have aged out of the rolling windows
	// (spatio-temporal and active-vehicle). Returns the number removed.
	PruneIndexes(ctx context.Context, now time.Time) (uint64, error)

	// IndexStats reports per-index entry counts and usage statistics.
	IndexStats(ctx context.Context) ([]Stat, error)
}

// Report is the result of a verification pass.
type Report struct {
	Stats    []Stat   `json:"stats"`
	Warnings []string `json:"warnings,omitempty"`
}

// Maintainer keeps the index set valid and reports on its health.
type Maintainer struct {
	store Store
	now   func() time.Time
}

// NewMaintainer creates an index maintainer over the given backend.
func NewMaintainer(store Store) *Maintainer {
	return &Maintainer{store: store, now: time.Now}
}

// Ensure rebuilds any missing index entries. Idempotent.
func (m *Maintainer) Ensure(ctx context.Context) error {
	return m.store.EnsureIndexes(ctx)
}

// Prune trims the rolling-window indexes to their configured windows.
func (m *Maintainer) Prune(ctx context.Context) (uint64, error) {
	return m.store.PruneIndexes(ctx, m.now())
}

// Verify reports index statistics and flags indexes that look bloated
// (entries but no scans) or inefficient (fetch ratio below 10%).
func (m *Maintainer) Verify(ctx context.Context) (Report, error) {
	stats, err := m.store.IndexStats(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("collect index stats: %w", err)
	}

	report := Report{Stats: stats}
	for _, s := range stats {
		if s.Entries > 0 && s.Scans == 0 {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("index %s has %d entries but has never been scanned", s.Name, s.Entries))
		}
		if s.TuplesRead > 0 && s.Efficiency < 10 {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("index %s efficiency is %.1f%% (reads mostly discarded)", s.Name, s.Efficiency))
		}
	}
	return report, nil
}
