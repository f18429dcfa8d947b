package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fleettrack/pkg/event"
	"fleettrack/pkg/geo"
	"fleettrack/pkg/partition"
	"fleettrack/pkg/storage"
)

// Storage keeps events in memory with the same partition/legacy/archive
// semantics as the badger backend. Data is lost on restart; used for testing
// and development.
type Storage struct {
	mu           sync.RWMutex
	partitions   map[string]*hotPartition
	archive      map[string][]event.PositionEvent
	legacy       []event.PositionEvent
	legacyOffset int

	// Per-index usage counters, the in-memory stand-in for engine-level
	// index statistics.
	temporal indexUsage
	spatial  indexUsage
	geohash  indexUsage
	active   indexUsage
}

// indexUsage tracks one synthetic index's scan workload.
type indexUsage struct {
	scans   atomic.Uint64
	read    atomic.Uint64
	fetched atomic.Uint64
}

func (u *indexUsage) record(fetched bool) {
	u.read.Add(1)
	if fetched {
		u.fetched.Add(1)
	}
}

type hotPartition struct {
	month  partition.Month
	events []event.PositionEvent
}

// New creates an empty in-memory store.
func New() *Storage {
	return &Storage{
		partitions: make(map[string]*hotPartition),
		archive:    make(map[string][]event.PositionEvent),
	}
}

// Append routes each event to the partition covering its timestamp.
func (s *Storage) Append(ctx context.Context, events []event.PositionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		label := partition.MonthOf(e.Timestamp).Label()
		p, ok := s.partitions[label]
		if !ok {
			return fmt.Errorf("%w: %s", storage.ErrNoPartition, e.Timestamp.UTC().Format(time.RFC3339))
		}
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		p.events = append(p.events, e)
	}
	return nil
}

// Query retrieves events matching the request, scanning only partitions that
// overlap the requested window.
func (s *Storage) Query(ctx context.Context, req storage.QueryRequest) ([]event.PositionEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	spatial := req.Bounds != nil
	s.temporal.scans.Add(1)
	if spatial {
		s.spatial.scans.Add(1)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []event.PositionEvent
	for _, p := range s.partitions {
		if p.month.End().Before(req.Start) || p.month.Start().After(req.End) {
			continue
		}
		for _, e := range p.events {
			matched := matches(e, req)
			s.temporal.record(matched)
			if spatial {
				s.spatial.record(matched)
			}
			if !matched {
				continue
			}
			results = append(results, e)
			if req.Limit > 0 && len(results) >= req.Limit {
				return results, nil
			}
		}
	}
	return results, nil
}

// LatestPositions returns the most recent event per vehicle.
func (s *Storage) LatestPositions(ctx context.Context) ([]event.PositionEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.active.scans.Add(1)

	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]event.PositionEvent)
	for _, p := range s.partitions {
		for _, e := range p.events {
			if cur, ok := latest[e.VehicleID]; !ok || e.Timestamp.After(cur.Timestamp) {
				latest[e.VehicleID] = e
			}
		}
	}

	results := make([]event.PositionEvent, 0, len(latest))
	for _, e := range latest {
		s.active.record(true)
		results = append(results, e)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].VehicleID < results[j].VehicleID })
	return results, nil
}

// DensityByCell counts events per geohash cell at the given precision.
func (s *Storage) DensityByCell(ctx context.Context, precision uint, since time.Time) (map[string]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.geohash.scans.Add(1)

	s.mu.RLock()
	defer s.mu.RUnlock()

	density := make(map[string]uint64)
	for _, p := range s.partitions {
		for _, e := range p.events {
			s.geohash.record(!e.Timestamp.Before(since))
			if e.Timestamp.Before(since) {
				continue
			}
			density[geo.Cell(e.Location, precision)]++
		}
	}
	return density, nil
}

// ImportLegacy stages events in the unpartitioned legacy keyspace.
func (s *Storage) ImportLegacy(ctx context.Context, events []event.PositionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		s.legacy = append(s.legacy, e)
	}
	sort.Slice(s.legacy, func(i, j int) bool { return s.legacy[i].Timestamp.Before(s.legacy[j].Timestamp) })
	return nil
}

// Stats returns storage statistics.
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{
		Partitions:   len(s.partitions),
		LegacyEvents: uint64(len(s.legacy) - s.legacyOffset),
	}
	for _, p := range s.partitions {
		stats.HotEvents += uint64(len(p.events))
		for _, e := range p.events {
			if stats.OldestEvent.IsZero() || e.Timestamp.Before(stats.OldestEvent) {
				stats.OldestEvent = e.Timestamp
			}
			if e.Timestamp.After(stats.NewestEvent) {
				stats.NewestEvent = e.Timestamp
			}
		}
	}
	for _, events := range s.archive {
		stats.ArchivedEvents += uint64(len(events))
	}
	// Rough size estimate, ~120 bytes per encoded event.
	stats.SizeBytes = stats.HotEvents * 120
	return stats, nil
}

// Close is a no-op for memory storage.
func (s *Storage) Close() error {
	return nil
}

// matches checks an event against the query filters.
func matches(e event.PositionEvent, req storage.QueryRequest) bool {
	if e.Timestamp.Before(req.Start) || e.Timestamp.After(req.End) {
		return false
	}
	if len(req.VehicleIDs) > 0 {
		found := false
		for _, id := range req.VehicleIDs {
			if e.VehicleID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if req.Bounds != nil && !req.Bounds.Contains(e.Location) {
		return false
	}
	return true
}
