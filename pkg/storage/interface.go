package storage

import (
	"context"
	"errors"
	"time"

	"fleettrack/pkg/event"
	"fleettrack/pkg/geo"
)

// ErrNoPartition means an event's timestamp is not covered by any hot
// partition. Under correct scheduling this is unreachable: the maintenance
// job keeps partitions created ahead of the write horizon, so hitting this
// error indicates a scheduling bug and is logged loudly at the call site.
var ErrNoPartition = errors.New("no partition covers event timestamp")

// EventStore is the append-only position event store.
// Implementations: memory (testing/dev), badger (production).
// Backends additionally implement partition.Store and index.Store, which are
// the only surfaces allowed to alter the physical layout.
type EventStore interface {
	// Append routes each event to the partition covering its timestamp.
	// Safe under concurrent appends to the same or different partitions.
	Append(ctx context.Context, events []event.PositionEvent) error

	// Query retrieves events within a time range, optionally filtered.
	Query(ctx context.Context, req QueryRequest) ([]event.PositionEvent, error)

	// LatestPositions returns the most recent event per vehicle, served from
	// the active-vehicle index rather than an event scan.
	LatestPositions(ctx context.Context) ([]event.PositionEvent, error)

	// DensityByCell counts events per geohash cell at the given precision,
	// restricted to events at or after since. Served from the geohash index.
	DensityByCell(ctx context.Context, precision uint, since time.Time) (map[string]uint64, error)

	// ImportLegacy writes events into the unpartitioned legacy keyspace.
	// Used to stage pre-partitioning data for MigrateLegacyBatch.
	ImportLegacy(ctx context.Context, events []event.PositionEvent) error

	// Stats returns storage statistics across hot, cold and legacy sets.
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the storage.
	Close() error
}

// QueryRequest specifies which events to retrieve.
type QueryRequest struct {
	// Time range (inclusive start, inclusive end)
	Start time.Time
	End   time.Time

	// Filter by vehicle ids (optional)
	VehicleIDs []string

	// Filter by viewport (optional)
	Bounds *geo.BoundingBox

	// Limit number of results (0 = no limit)
	Limit int
}

// Stats provides storage health and usage info.
type Stats struct {
	// Events in the hot partitioned set
	HotEvents uint64

	// Events moved to cold storage
	ArchivedEvents uint64

	// Events still in the unpartitioned legacy keyspace
	LegacyEvents uint64

	// Hot partition count
	Partitions int

	// Oldest/newest hot event timestamps
	OldestEvent time.Time
	NewestEvent time.Time

	// Approximate hot storage size in bytes
	SizeBytes uint64
}
