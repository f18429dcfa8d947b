package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"fleettrack/pkg/event"
	"fleettrack/pkg/partition"
	"fleettrack/pkg/storage"
)

// partitionMeta is the value stored under a p:<label> marker.
type partitionMeta struct {
	Name      string    `json:"name"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	CreatedAt time.Time `json:"created_at"`
}

// archiveMarker records a completed archival in the cold database.
type archiveMarker struct {
	Name       string    `json:"name"`
	Events     uint64    `json:"events"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Partitions lists the hot partition inventory with per-partition counts.
func (s *Storage) Partitions(ctx context.Context) ([]partition.Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	months := make(map[string]partition.Month, len(s.months))
	for label, m := range s.months {
		months[label] = m
	}
	s.mu.RUnlock()

	infos := make([]partition.Info, 0, len(months))
	err := s.hot.View(func(txn *badger.Txn) error {
		for label, m := range months {
			n, err := countPrefix(txn, eventPrefix(label))
			if err != nil {
				return err
			}
			infos = append(infos, partition.Info{
				Name:   label,
				Start:  m.Start(),
				End:    m.End(),
				Events: n,
				// Encoded events run ~150 bytes plus index overhead.
				SizeBytes: n * 200,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return infos, nil
}

// CreatePartition idempotently creates the partition for the month.
func (s *Storage) CreatePartition(ctx context.Context, m partition.Month) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	label := m.Label()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.months[label]; ok {
		return false, nil
	}

	meta, err := json.Marshal(partitionMeta{
		Name:      label,
		Start:     m.Start(),
		End:       m.End(),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("encode partition marker: %w", err)
	}
	err = s.hot.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixPartition+label), meta)
	})
	if err != nil {
		return false, fmt.Errorf("create partition %s: %w", label, err)
	}

	s.months[label] = m
	return true, nil
}

// ArchivePartition copies a whole partition into the cold database, then
// drops it from the hot set. The copy is verified against the hot count
// before anything is removed, so a failed archive never loses events. A
// repeated archive after a partial failure overwrites the same cold keys.
func (s *Storage) ArchivePartition(ctx context.Context, name string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	m, ok := s.months[name]
	s.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("unknown partition %q", name)
	}

	prefix := eventPrefix(name)

	// Copy every event to the cold database.
	var copied uint64
	wb := s.cold.NewWriteBatch()
	defer wb.Cancel()

	err := s.hot.View(func(txn *badger.Txn) error {
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
			key := it.Item().KeyCopy(nil)
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := wb.Set(key, val); err != nil {
				return fmt.Errorf("copy to cold store: %w", err)
			}
			copied++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("archive %s: %w", name, err)
	}

	marker, err := json.Marshal(archiveMarker{Name: name, Events: copied, ArchivedAt: time.Now().UTC()})
	if err != nil {
		return 0, fmt.Errorf("encode archive marker: %w", err)
	}
	if err := wb.Set([]byte(prefixArchive+name), marker); err != nil {
		return 0, fmt.Errorf("write archive marker: %w", err)
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("flush cold store: %w", err)
	}

	// Verify the cold copy holds every event before dropping the hot side.
	var coldCount uint64
	err = s.cold.View(func(txn *badger.Txn) error {
		n, err := countPrefix(txn, prefix)
		coldCount = n
		return err
	})
	if err != nil {
		return 0, err
	}
	if coldCount < copied {
		return 0, fmt.Errorf("archive %s: cold copy holds %d of %d events", name, coldCount, copied)
	}

	if err := s.hot.DropPrefix(prefix); err != nil {
		return 0, fmt.Errorf("drop hot partition %s: %w", name, err)
	}
	err = s.hot.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixPartition + name))
	})
	if err != nil {
		return 0, fmt.Errorf("remove partition marker %s: %w", name, err)
	}

	s.mu.Lock()
	delete(s.months, name)
	s.mu.Unlock()

	// Index entries for the archived month are now dangling; trim them so
	// stats and density reads stay honest.
	if err := s.dropIndexRange(ctx, m.Start(), m.End()); err != nil {
		return copied, fmt.Errorf("trim indexes for %s: %w", name, err)
	}
	return copied, nil
}

// dropIndexRange removes temporal, spatio-temporal and geohash entries whose
// timestamps fall in [start, end).
func (s *Storage) dropIndexRange(ctx context.Context, start, end time.Time) error {
	startNano := uint64(start.UnixNano())
	endNano := uint64(end.UnixNano())

	var stale [][]byte
	err := s.hot.View(func(txn *badger.Txn) error {
		// Time-ordered keyspaces allow seeking straight to the range start.
		for _, prefix := range []string{prefixTemporal, prefixSpatial} {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte(prefix)
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			seek := binary.BigEndian.AppendUint64([]byte(prefix), startNano)
			for it.Seek(seek); it.Valid(); it.Next() {
				key := it.Item().Key()
				if binary.BigEndian.Uint64(key[len(prefix):]) >= endNano {
					break
				}
				stale = append(stale, it.Item().KeyCopy(nil))
			}
			it.Close()
		}

		// Geohash keys are cell-ordered, so this one is a filter scan.
		for _, p := range storedPrecisions {
			if err := ctx.Err(); err != nil {
				return err
			}
			opts := badger.DefaultIteratorOptions
			opts.Prefix = geohashPrefix(p)
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			for it.Rewind(); it.Valid(); it.Next() {
				_, ts, ok := parseGeohashKey(it.Item().Key(), p)
				if !ok {
					continue
				}
				if !ts.Before(start) && ts.Before(end) {
					stale = append(stale, it.Item().KeyCopy(nil))
				}
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}

	wb := s.hot.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range stale {
		if err := wb.Delete(key); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// legacyOffset reads the migration resume marker: the last legacy key already
// migrated, or nil when migration has not started.
func legacyOffset(txn *badger.Txn) ([]byte, error) {
	item, err := txn.Get([]byte(keyLegacyOffset))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// countLegacy counts legacy events not yet migrated.
func (s *Storage) countLegacy(txn *badger.Txn) (uint64, error) {
	offset, err := legacyOffset(txn)
	if err != nil {
		return 0, err
	}

	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixLegacy)
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	defer it.Close()

	var n uint64
	for it.Rewind(); it.Valid(); it.Next() {
		if offset != nil && bytes.Compare(it.Item().Key(), offset) <= 0 {
			continue
		}
		n++
	}
	return n, nil
}

// LegacyCount reports how many unmigrated legacy events remain.
func (s *Storage) LegacyCount(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var n uint64
	err := s.hot.View(func(txn *badger.Txn) error {
		var err error
		n, err = s.countLegacy(txn)
		return err
	})
	return n, err
}

// LegacyRange reports the min/max timestamps of the remaining legacy events.
// Legacy keys are time-ordered, so both ends are single seeks.
func (s *Storage) LegacyRange(ctx context.Context) (time.Time, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, time.Time{}, err
	}

	var oldest, newest time.Time
	err := s.hot.View(func(txn *badger.Txn) error {
		offset, err := legacyOffset(txn)
		if err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixLegacy)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		if offset == nil {
			it.Rewind()
		} else {
			it.Seek(offset)
			if it.Valid() && bytes.Equal(it.Item().Key(), offset) {
				it.Next()
			}
		}
		if !it.Valid() {
			it.Close()
			return fmt.Errorf("legacy keyspace is empty")
		}
		oldest = legacyTimestamp(it.Item().Key())
		it.Close()

		opts.Reverse = true
		it = txn.NewIterator(opts)
		defer it.Close()

		seek := append([]byte(prefixLegacy), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		it.Seek(seek)
		if it.Valid() {
			newest = legacyTimestamp(it.Item().Key())
		}
		return nil
	})
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return oldest, newest, nil
}

func legacyTimestamp(key []byte) time.Time {
	ts := int64(binary.BigEndian.Uint64(key[len(prefixLegacy):]))
	return time.Unix(0, ts).UTC()
}

// MigrateLegacyBatch moves up to batchSize legacy events into their
// partitions, resuming from the stored offset marker. Event keys are
// deterministic, so replaying a batch after a crash between the data write
// and the marker update just overwrites the same keys.
func (s *Storage) MigrateLegacyBatch(ctx context.Context, batchSize int) (int, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	type staged struct {
		e     event.PositionEvent
		label string
	}
	var batch []staged
	var lastKey []byte

	err := s.hot.View(func(txn *badger.Txn) error {
		offset, err := legacyOffset(txn)
		if err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixLegacy)

		it := txn.NewIterator(opts)
		defer it.Close()

		if offset == nil {
			it.Rewind()
		} else {
			it.Seek(offset)
			if it.Valid() && bytes.Equal(it.Item().Key(), offset) {
				it.Next()
			}
		}
		for ; it.Valid(); it.Next() {
			if len(batch) == batchSize {
				return nil
			}
			var e event.PositionEvent
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				return fmt.Errorf("decode legacy event: %w", err)
			}
			batch = append(batch, staged{e: e, label: partition.MonthOf(e.Timestamp).Label()})
			lastKey = it.Item().KeyCopy(nil)
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}

	if len(batch) == 0 {
		// Drained. Clear the staged keyspace and the resume marker.
		if err := s.hot.DropPrefix([]byte(prefixLegacy)); err != nil {
			return 0, false, fmt.Errorf("clear legacy keyspace: %w", err)
		}
		err := s.hot.Update(func(txn *badger.Txn) error {
			err := txn.Delete([]byte(keyLegacyOffset))
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		})
		if err != nil {
			return 0, false, err
		}
		return 0, true, nil
	}

	// Verify routing for the whole batch before applying any of it.
	s.mu.RLock()
	for _, st := range batch {
		if _, ok := s.months[st.label]; !ok {
			s.mu.RUnlock()
			return 0, false, fmt.Errorf("%w: %s", storage.ErrNoPartition, st.e.Timestamp.UTC().Format(time.RFC3339))
		}
	}
	s.mu.RUnlock()

	wb := s.hot.NewWriteBatch()
	defer wb.Cancel()

	for _, st := range batch {
		value, err := json.Marshal(st.e)
		if err != nil {
			return 0, false, fmt.Errorf("encode event: %w", err)
		}
		key := eventKey(st.label, st.e)
		if err := wb.Set(key, value); err != nil {
			return 0, false, err
		}
		// Historical data: windowed indexes (spatio-temporal, active) are
		// left to upkeep, which would trim old entries immediately anyway.
		if err := wb.Set(temporalKey(st.e), key); err != nil {
			return 0, false, err
		}
		for _, p := range storedPrecisions {
			if err := wb.Set(geohashKey(st.e, p), nil); err != nil {
				return 0, false, err
			}
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, false, fmt.Errorf("apply migration batch: %w", err)
	}

	err = s.hot.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyLegacyOffset), lastKey)
	})
	if err != nil {
		return 0, false, fmt.Errorf("advance migration offset: %w", err)
	}
	// Done is only reported by the drain call above, after the staged
	// keyspace and resume marker are cleared.
	return len(batch), false, nil
}
