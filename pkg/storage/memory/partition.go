package memory

import (
	"context"
	"fmt"
	"time"

	"fleettrack/pkg/config"
	"fleettrack/pkg/index"
	"fleettrack/pkg/partition"
	"fleettrack/pkg/storage"
)

// Partitions lists the hot partition inventory.
func (s *Storage) Partitions(ctx context.Context) ([]partition.Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]partition.Info, 0, len(s.partitions))
	for name, p := range s.partitions {
		infos = append(infos, partition.Info{
			Name:      name,
			Start:     p.month.Start(),
			End:       p.month.End(),
			Events:    uint64(len(p.events)),
			SizeBytes: uint64(len(p.events)) * 120,
		})
	}
	return infos, nil
}

// CreatePartition idempotently creates the partition for the month.
func (s *Storage) CreatePartition(ctx context.Context, m partition.Month) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	label := m.Label()
	if _, ok := s.partitions[label]; ok {
		return false, nil
	}
	s.partitions[label] = &hotPartition{month: m}
	return true, nil
}

// ArchivePartition moves a whole partition to the archive map. All-or-nothing:
// the hot partition is only dropped once the archive copy is in place.
func (s *Storage) ArchivePartition(ctx context.Context, name string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partitions[name]
	if !ok {
		return 0, fmt.Errorf("unknown partition %q", name)
	}
	if _, exists := s.archive[name]; exists {
		return 0, fmt.Errorf("partition %q already archived", name)
	}

	s.archive[name] = p.events
	delete(s.partitions, name)
	return uint64(len(p.events)), nil
}

// ArchivedEvents returns the events archived from one partition (cold read).
func (s *Storage) ArchivedEvents(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.archive[name])
}

// LegacyCount reports how many unmigrated legacy events remain.
func (s *Storage) LegacyCount(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.legacy) - s.legacyOffset), nil
}

// LegacyRange reports the min/max timestamps of the remaining legacy events.
func (s *Storage) LegacyRange(ctx context.Context) (time.Time, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, time.Time{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	remaining := s.legacy[s.legacyOffset:]
	if len(remaining) == 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("legacy keyspace is empty")
	}
	// Legacy events are kept sorted by timestamp.
	return remaining[0].Timestamp, remaining[len(remaining)-1].Timestamp, nil
}

// MigrateLegacyBatch moves up to batchSize legacy events into partitions,
// resuming from the in-memory offset. The offset only advances after the
// whole batch lands, so a failed batch is retried, never half-applied.
func (s *Storage) MigrateLegacyBatch(ctx context.Context, batchSize int) (int, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := len(s.legacy) - s.legacyOffset
	if remaining == 0 {
		s.legacy = nil
		s.legacyOffset = 0
		return 0, true, nil
	}

	n := batchSize
	if n > remaining {
		n = remaining
	}
	batch := s.legacy[s.legacyOffset : s.legacyOffset+n]

	// Verify routing for the whole batch before applying any of it.
	for _, e := range batch {
		if _, ok := s.partitions[partition.MonthOf(e.Timestamp).Label()]; !ok {
			return 0, false, fmt.Errorf("%w: %s", storage.ErrNoPartition, e.Timestamp.UTC().Format(time.RFC3339))
		}
	}
	for _, e := range batch {
		p := s.partitions[partition.MonthOf(e.Timestamp).Label()]
		p.events = append(p.events, e)
	}
	s.legacyOffset += n

	done := s.legacyOffset == len(s.legacy)
	if done {
		s.legacy = nil
		s.legacyOffset = 0
	}
	return n, done, nil
}

// EnsureIndexes is a no-op for the memory backend: its "indexes" are computed
// views over the event slices and cannot go missing.
func (s *Storage) EnsureIndexes(ctx context.Context) error {
	return ctx.Err()
}

// PruneIndexes is a no-op for the memory backend; nothing ages out because
// nothing is materialized.
func (s *Storage) PruneIndexes(ctx context.Context, now time.Time) (uint64, error) {
	return 0, ctx.Err()
}

// IndexStats reports synthetic per-index statistics: entry counts computed
// from the data, scan counts from the usage counters.
func (s *Storage) IndexStats(ctx context.Context) ([]index.Stat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	hot := uint64(0)
	recent := uint64(0)
	active := make(map[string]bool)
	spatialCutoff := time.Now().Add(-config.SpatioTemporalIndexWindow)
	activeCutoff := time.Now().Add(-config.ActiveVehicleIndexWindow)
	for _, p := range s.partitions {
		hot += uint64(len(p.events))
		for _, e := range p.events {
			if e.Timestamp.After(spatialCutoff) {
				recent++
			}
			if e.Timestamp.After(activeCutoff) {
				active[e.VehicleID] = true
			}
		}
	}
	s.mu.RUnlock()

	stat := func(name string, entries uint64, u *indexUsage) index.Stat {
		read := u.read.Load()
		fetched := u.fetched.Load()
		efficiency := 0.0
		if read > 0 {
			efficiency = float64(fetched) / float64(read) * 100
		}
		return index.Stat{
			Name: name, Entries: entries, Scans: u.scans.Load(),
			TuplesRead: read, TuplesFetched: fetched, Efficiency: efficiency,
		}
	}

	return []index.Stat{
		stat(index.Temporal, hot, &s.temporal),
		stat(index.SpatioTemporal, recent, &s.spatial),
		stat(index.Geohash, hot, &s.geohash),
		stat(index.ActiveVehicle, uint64(len(active)), &s.active),
	}, nil
}
