package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/google/uuid"

	"fleettrack/pkg/event"
	"fleettrack/pkg/partition"
	"fleettrack/pkg/storage"
)

// Key prefixes. Events are grouped under their partition label so a whole
// partition can be scanned or dropped by prefix.
//
//	p:<label>                     partition marker (hot DB)
//	e:<label>:<vhash><ts><id>     position event (hot DB)
//	l:<ts><id>                    legacy unpartitioned event (hot DB)
//	m:legacy                      migration resume offset (hot DB)
//	a:<label>                     archive marker (cold DB)
//	ix:...                        secondary indexes, see indexes.go
const (
	prefixPartition = "p:"
	prefixEvent     = "e:"
	prefixLegacy    = "l:"
	keyLegacyOffset = "m:legacy"
	prefixArchive   = "a:"
)

// Storage implements the event store on BadgerDB (LSM tree). The hot DB holds
// the partitioned event set plus indexes; the cold DB receives archived
// partitions and is never read on the serving path.
type Storage struct {
	hot  *badger.DB
	cold *badger.DB

	// Hot partition set, mirrored from the p: keyspace so append routing
	// does not need a read per event.
	mu     sync.RWMutex
	months map[string]partition.Month

	scans scanCounters
}

// Config holds BadgerDB configuration.
type Config struct {
	// Path to the hot database files.
	Path string

	// ColdPath to the archive database files.
	ColdPath string

	// InMemory mode (for testing).
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = laptop-friendly
	// defaults).
	MaxMemoryMB int64
}

// New opens the hot and cold databases and loads the partition set.
func New(cfg Config) (*Storage, error) {
	hot, err := open(cfg.Path, cfg)
	if err != nil {
		return nil, fmt.Errorf("open hot store: %w", err)
	}
	cold, err := open(cfg.ColdPath, cfg)
	if err != nil {
		hot.Close()
		return nil, fmt.Errorf("open cold store: %w", err)
	}

	s := &Storage{hot: hot, cold: cold, months: make(map[string]partition.Month)}
	if err := s.loadPartitions(); err != nil {
		s.Close()
		return nil, fmt.Errorf("load partition set: %w", err)
	}
	return s, nil
}

func open(path string, cfg Config) (*badger.DB, error) {
	opts := badger.DefaultOptions(path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}

	// Position events are small and written sequentially; keep memory bounds
	// tight the same way the rest of the deployment expects.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumCompactors(2).
		WithValueThreshold(1024).
		WithValueLogFileSize(64 << 20)

	return badger.Open(opts)
}

// loadPartitions mirrors the p: keyspace into the in-memory routing table.
func (s *Storage) loadPartitions() error {
	return s.hot.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixPartition)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			label := string(it.Item().Key()[len(prefixPartition):])
			month, err := partition.ParseLabel(label)
			if err != nil {
				return fmt.Errorf("corrupt partition marker: %w", err)
			}
			s.months[label] = month
		}
		return nil
	})
}

// Append routes each event to its partition and writes the index entries in
// the same transaction. Safe for concurrent producers; events are immutable
// and independent so no cross-event locking is needed.
func (s *Storage) Append(ctx context.Context, events []event.PositionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Route everything before writing anything.
	labels := make([]string, len(events))
	s.mu.RLock()
	for i, e := range events {
		label := partition.MonthOf(e.Timestamp).Label()
		if _, ok := s.months[label]; !ok {
			s.mu.RUnlock()
			return fmt.Errorf("%w: %s", storage.ErrNoPartition, e.Timestamp.UTC().Format(time.RFC3339))
		}
		labels[i] = label
	}
	s.mu.RUnlock()

	return s.hot.Update(func(txn *badger.Txn) error {
		for i, e := range events {
			if i%100 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			if e.ID == uuid.Nil {
				e.ID = uuid.New()
			}
			if err := writeEvent(txn, labels[i], e); err != nil {
				return err
			}
		}
		return nil
	})
}

// writeEvent stores one event plus its index entries.
func writeEvent(txn *badger.Txn, label string, e event.PositionEvent) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	key := eventKey(label, e)
	if err := txn.Set(key, value); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return writeIndexEntries(txn, key, value, e)
}

// Query retrieves events in the requested window, scanning only partitions
// that overlap it.
func (s *Storage) Query(ctx context.Context, req storage.QueryRequest) ([]event.PositionEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	spatial := req.Bounds != nil
	s.scans.temporal.scans.Add(1)
	if spatial {
		s.scans.spatial.scans.Add(1)
	}

	var labels []string
	s.mu.RLock()
	for label, m := range s.months {
		if m.End().Before(req.Start) || m.Start().After(req.End) {
			continue
		}
		labels = append(labels, label)
	}
	s.mu.RUnlock()

	var results []event.PositionEvent
	err := s.hot.View(func(txn *badger.Txn) error {
		for _, label := range labels {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = eventPrefix(label)
			opts.PrefetchSize = 100

			it := txn.NewIterator(opts)
			var iterCount int
			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					if err := ctx.Err(); err != nil {
						it.Close()
						return err
					}
				}

				err := it.Item().Value(func(val []byte) error {
					var e event.PositionEvent
					if err := json.Unmarshal(val, &e); err != nil {
						return fmt.Errorf("decode event: %w", err)
					}
					matched := matches(e, req)
					s.scans.temporal.record(matched)
					if spatial {
						s.scans.spatial.record(matched)
					}
					if matched {
						results = append(results, e)
					}
					return nil
				})
				if err != nil {
					it.Close()
					return err
				}
				if req.Limit > 0 && len(results) >= req.Limit {
					break
				}
			}
			it.Close()
			if req.Limit > 0 && len(results) >= req.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// LatestPositions serves the most recent event per vehicle from the
// active-vehicle index, without touching the event keyspace.
func (s *Storage) LatestPositions(ctx context.Context) ([]event.PositionEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.scans.active.scans.Add(1)

	var results []event.PositionEvent
	err := s.hot.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixActive)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var e event.PositionEvent
				if err := json.Unmarshal(val, &e); err != nil {
					return fmt.Errorf("decode latest position: %w", err)
				}
				s.scans.active.record(true)
				results = append(results, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// DensityByCell counts events per geohash cell at the requested precision,
// served from the geohash index. Precisions between the stored ones are
// answered by truncating finer cells: a geohash prefix is the enclosing
// coarser cell.
func (s *Storage) DensityByCell(ctx context.Context, precision uint, since time.Time) (map[string]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.scans.geohash.scans.Add(1)

	stored := storedPrecisionFor(precision)
	density := make(map[string]uint64)
	err := s.hot.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = geohashPrefix(stored)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			cell, ts, ok := parseGeohashKey(it.Item().Key(), stored)
			s.scans.geohash.record(ok && !ts.Before(since))
			if !ok || ts.Before(since) {
				continue
			}
			if uint(len(cell)) > precision {
				cell = cell[:precision]
			}
			density[cell]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return density, nil
}

// ImportLegacy stages events in the unpartitioned legacy keyspace, ordered by
// timestamp so migration drains oldest-first.
func (s *Storage) ImportLegacy(ctx context.Context, events []event.PositionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	wb := s.hot.NewWriteBatch()
	defer wb.Cancel()

	for _, e := range events {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode legacy event: %w", err)
		}
		if err := wb.Set(legacyKey(e), value); err != nil {
			return fmt.Errorf("stage legacy event: %w", err)
		}
	}
	return wb.Flush()
}

// Stats returns storage statistics across hot, cold and legacy sets.
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats := &storage.Stats{}

	s.mu.RLock()
	labels := make([]string, 0, len(s.months))
	for label := range s.months {
		labels = append(labels, label)
	}
	s.mu.RUnlock()
	stats.Partitions = len(labels)

	err := s.hot.View(func(txn *badger.Txn) error {
		for _, label := range labels {
			n, err := countPrefix(txn, eventPrefix(label))
			if err != nil {
				return err
			}
			stats.HotEvents += n
		}

		legacy, err := s.countLegacy(txn)
		if err != nil {
			return err
		}
		stats.LegacyEvents = legacy

		oldest, newest, err := temporalBounds(txn)
		if err != nil {
			return err
		}
		stats.OldestEvent, stats.NewestEvent = oldest, newest
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = s.cold.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixArchive)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var marker archiveMarker
				if err := json.Unmarshal(val, &marker); err != nil {
					return fmt.Errorf("decode archive marker: %w", err)
				}
				stats.ArchivedEvents += marker.Events
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	lsm, vlog := s.hot.Size()
	stats.SizeBytes = uint64(lsm + vlog)
	return stats, nil
}

// Close shuts down both databases cleanly.
func (s *Storage) Close() error {
	hotErr := s.hot.Close()
	coldErr := s.cold.Close()
	if hotErr != nil {
		return hotErr
	}
	return coldErr
}

// RunGC runs value log garbage collection on the hot database. Reclaims disk
// space accumulated by archived partitions and pruned index entries.
func (s *Storage) RunGC(discardRatio float64) error {
	return s.hot.RunValueLogGC(discardRatio)
}

// eventPrefix is the key prefix holding one partition's events.
func eventPrefix(label string) []byte {
	return []byte(prefixEvent + label + ":")
}

// eventKey builds the storage key: partition prefix, vehicle hash, timestamp,
// then event id so identical fixes from one vehicle never collide. The id
// makes the key deterministic per event, which keeps retries idempotent.
func eventKey(label string, e event.PositionEvent) []byte {
	prefix := eventPrefix(label)
	key := make([]byte, 0, len(prefix)+8+8+16)
	key = append(key, prefix...)
	key = binary.BigEndian.AppendUint64(key, xxhash.Sum64String(e.VehicleID))
	key = binary.BigEndian.AppendUint64(key, uint64(e.Timestamp.UnixNano()))
	key = append(key, e.ID[:]...)
	return key
}

// legacyKey orders the legacy keyspace by timestamp for resumable migration.
func legacyKey(e event.PositionEvent) []byte {
	key := make([]byte, 0, len(prefixLegacy)+8+16)
	key = append(key, prefixLegacy...)
	key = binary.BigEndian.AppendUint64(key, uint64(e.Timestamp.UnixNano()))
	key = append(key, e.ID[:]...)
	return key
}

// countPrefix counts keys under a prefix without touching values.
func countPrefix(txn *badger.Txn, prefix []byte) (uint64, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	defer it.Close()

	var n uint64
	for it.Rewind(); it.Valid(); it.Next() {
		n++
	}
	return n, nil
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
