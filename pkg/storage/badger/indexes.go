package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"

	"fleettrack/pkg/config"
	"fleettrack/pkg/event"
	"fleettrack/pkg/geo"
	"fleettrack/pkg/index"
)

// Secondary index keyspaces. Index keys embed the timestamp big-endian so
// each keyspace iterates in time order and windowed trims are range scans.
//
//	ix:t:<ts><vhash><id>          temporal, value = event key
//	ix:s:<ts><cell6><id>          spatio-temporal, 24h window
//	ix:g:<p>:<cell><ts><id>       geohash density, one keyspace per precision
//	ix:v:<vehicle_id>             latest event per vehicle, 2h window
const (
	prefixTemporal = "ix:t:"
	prefixSpatial  = "ix:s:"
	prefixGeohash  = "ix:g:"
	prefixActive   = "ix:v:"
)

// Geohash index precisions kept materialized. Coarser cells are served by
// truncation, so only a sparse ladder is stored.
var storedPrecisions = []uint{4, 6, 8}

// tupleCounter tracks one keyspace's scan workload: how often it is scanned,
// how many tuples those scans read, and how many survived the filters.
type tupleCounter struct {
	scans   atomic.Uint64
	read    atomic.Uint64
	fetched atomic.Uint64
}

func (c *tupleCounter) record(fetched bool) {
	c.read.Add(1)
	if fetched {
		c.fetched.Add(1)
	}
}

// scanCounters tracks usage per index keyspace for the stats report.
type scanCounters struct {
	temporal tupleCounter
	spatial  tupleCounter
	geohash  tupleCounter
	active   tupleCounter
}

func temporalKey(e event.PositionEvent) []byte {
	key := make([]byte, 0, len(prefixTemporal)+8+8+16)
	key = append(key, prefixTemporal...)
	key = binary.BigEndian.AppendUint64(key, uint64(e.Timestamp.UnixNano()))
	key = binary.BigEndian.AppendUint64(key, xxhash.Sum64String(e.VehicleID))
	key = append(key, e.ID[:]...)
	return key
}

func spatialKey(e event.PositionEvent) []byte {
	key := make([]byte, 0, len(prefixSpatial)+8+6+16)
	key = append(key, prefixSpatial...)
	key = binary.BigEndian.AppendUint64(key, uint64(e.Timestamp.UnixNano()))
	key = append(key, geo.Cell(e.Location, 6)...)
	key = append(key, e.ID[:]...)
	return key
}

func geohashPrefix(precision uint) []byte {
	return []byte(fmt.Sprintf("%s%d:", prefixGeohash, precision))
}

func geohashKey(e event.PositionEvent, precision uint) []byte {
	prefix := geohashPrefix(precision)
	key := make([]byte, 0, len(prefix)+int(precision)+8+16)
	key = append(key, prefix...)
	key = append(key, geo.Cell(e.Location, precision)...)
	key = binary.BigEndian.AppendUint64(key, uint64(e.Timestamp.UnixNano()))
	key = append(key, e.ID[:]...)
	return key
}

// parseGeohashKey extracts the cell and timestamp from a geohash index key.
func parseGeohashKey(key []byte, precision uint) (string, time.Time, bool) {
	prefix := geohashPrefix(precision)
	rest := key[len(prefix):]
	if len(rest) < int(precision)+8 {
		return "", time.Time{}, false
	}
	cell := string(rest[:precision])
	ts := int64(binary.BigEndian.Uint64(rest[precision : precision+8]))
	return cell, time.Unix(0, ts).UTC(), true
}

func activeKey(vehicleID string) []byte {
	return []byte(prefixActive + vehicleID)
}

// storedPrecisionFor picks the finest stored precision that can answer a
// density query at the requested precision by prefix truncation.
func storedPrecisionFor(precision uint) uint {
	for _, p := range storedPrecisions {
		if p >= precision {
			return p
		}
	}
	return storedPrecisions[len(storedPrecisions)-1]
}

// writeIndexEntries adds all index entries for one stored event. The active
// index only keeps the newest event per vehicle, so it reads before writing.
func writeIndexEntries(txn *badger.Txn, eventKey, value []byte, e event.PositionEvent) error {
	if err := txn.Set(temporalKey(e), eventKey); err != nil {
		return fmt.Errorf("temporal index: %w", err)
	}
	if err := txn.Set(spatialKey(e), nil); err != nil {
		return fmt.Errorf("spatio-temporal index: %w", err)
	}
	for _, p := range storedPrecisions {
		if err := txn.Set(geohashKey(e, p), nil); err != nil {
			return fmt.Errorf("geohash index: %w", err)
		}
	}

	key := activeKey(e.VehicleID)
	item, err := txn.Get(key)
	switch {
	case err == badger.ErrKeyNotFound:
		// First report from this vehicle.
	case err != nil:
		return fmt.Errorf("active index read: %w", err)
	default:
		var cur event.PositionEvent
		decodeErr := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cur)
		})
		if decodeErr != nil {
			return fmt.Errorf("active index decode: %w", decodeErr)
		}
		if !e.Timestamp.After(cur.Timestamp) {
			return nil
		}
	}
	if err := txn.Set(key, value); err != nil {
		return fmt.Errorf("active index write: %w", err)
	}
	return nil
}

// EnsureIndexes verifies the temporal index covers the hot event set and
// rebuilds all indexes from a full scan when it does not. Normally a cheap
// count comparison; the rebuild path only runs after index loss.
func (s *Storage) EnsureIndexes(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var hot, indexed uint64
	err := s.hot.View(func(txn *badger.Txn) error {
		s.mu.RLock()
		labels := make([]string, 0, len(s.months))
		for label := range s.months {
			labels = append(labels, label)
		}
		s.mu.RUnlock()

		for _, label := range labels {
			n, err := countPrefix(txn, eventPrefix(label))
			if err != nil {
				return err
			}
			hot += n
		}
		n, err := countPrefix(txn, []byte(prefixTemporal))
		if err != nil {
			return err
		}
		indexed = n
		return nil
	})
	if err != nil {
		return err
	}
	if indexed >= hot {
		return nil
	}
	return s.rebuildIndexes(ctx)
}

func (s *Storage) rebuildIndexes(ctx context.Context) error {
	s.mu.RLock()
	labels := make([]string, 0, len(s.months))
	for label := range s.months {
		labels = append(labels, label)
	}
	s.mu.RUnlock()

	for _, label := range labels {
		prefix := eventPrefix(label)

		// One transaction per partition keeps write sets bounded.
		err := s.hot.Update(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix

			it := txn.NewIterator(opts)
			defer it.Close()

			var iterCount int
			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				eventKey := it.Item().KeyCopy(nil)
				err := it.Item().Value(func(val []byte) error {
					var e event.PositionEvent
					if err := json.Unmarshal(val, &e); err != nil {
						return fmt.Errorf("decode event: %w", err)
					}
					return writeIndexEntries(txn, eventKey, val, e)
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("rebuild indexes for %s: %w", label, err)
		}
	}
	return nil
}

// PruneIndexes trims the windowed keyspaces: spatio-temporal entries older
// than 24h and active-vehicle entries older than 2h. Returns entries removed.
func (s *Storage) PruneIndexes(ctx context.Context, now time.Time) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	spatialCutoff := uint64(now.Add(-config.SpatioTemporalIndexWindow).UnixNano())
	activeCutoff := now.Add(-config.ActiveVehicleIndexWindow)

	var stale [][]byte
	err := s.hot.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixSpatial)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			ts := binary.BigEndian.Uint64(key[len(prefixSpatial):])
			if ts >= spatialCutoff {
				// Time-ordered keyspace, everything after this is fresh.
				break
			}
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		it.Close()

		opts = badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixActive)

		it = txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			err := it.Item().Value(func(val []byte) error {
				var e event.PositionEvent
				if err := json.Unmarshal(val, &e); err != nil {
					return fmt.Errorf("decode latest position: %w", err)
				}
				if e.Timestamp.Before(activeCutoff) {
					stale = append(stale, key)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	wb := s.hot.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range stale {
		if err := wb.Delete(key); err != nil {
			return 0, fmt.Errorf("prune index entry: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return uint64(len(stale)), nil
}

// IndexStats reports entry and usage counts per index.
func (s *Storage) IndexStats(ctx context.Context) ([]index.Stat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var temporal, spatial, geohashEntries, active uint64
	err := s.hot.View(func(txn *badger.Txn) error {
		var err error
		if temporal, err = countPrefix(txn, []byte(prefixTemporal)); err != nil {
			return err
		}
		if spatial, err = countPrefix(txn, []byte(prefixSpatial)); err != nil {
			return err
		}
		for _, p := range storedPrecisions {
			n, err := countPrefix(txn, geohashPrefix(p))
			if err != nil {
				return err
			}
			geohashEntries += n
		}
		if active, err = countPrefix(txn, []byte(prefixActive)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	stat := func(name string, entries uint64, c *tupleCounter) index.Stat {
		read := c.read.Load()
		fetched := c.fetched.Load()
		efficiency := 0.0
		if read > 0 {
			efficiency = float64(fetched) / float64(read) * 100
		}
		return index.Stat{
			Name: name, Entries: entries, Scans: c.scans.Load(),
			TuplesRead: read, TuplesFetched: fetched, Efficiency: efficiency,
		}
	}

	return []index.Stat{
		stat(index.Temporal, temporal, &s.scans.temporal),
		stat(index.SpatioTemporal, spatial, &s.scans.spatial),
		stat(index.Geohash, geohashEntries, &s.scans.geohash),
		stat(index.ActiveVehicle, active, &s.scans.active),
	}, nil
}

// temporalBounds reads the oldest and newest event timestamps from the ends
// of the temporal index, without scanning the event keyspace.
func temporalBounds(txn *badger.Txn) (time.Time, time.Time, error) {
	prefix := []byte(prefixTemporal)

	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	var oldest, newest time.Time
	it.Rewind()
	if !it.Valid() {
		it.Close()
		return oldest, newest, nil
	}
	oldest = timestampFromIndexKey(it.Item().Key())
	it.Close()

	opts.Reverse = true
	it = txn.NewIterator(opts)
	defer it.Close()

	// Reverse iteration seeks past the keyspace end.
	seek := append(append([]byte{}, prefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
	it.Seek(seek)
	if it.Valid() {
		newest = timestampFromIndexKey(it.Item().Key())
	}
	return oldest, newest, nil
}

func timestampFromIndexKey(key []byte) time.Time {
	ts := int64(binary.BigEndian.Uint64(key[len(prefixTemporal):]))
	return time.Unix(0, ts).UTC()
}
