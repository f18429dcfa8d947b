package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleettrack/pkg/event"
	"fleettrack/pkg/geo"
	"fleettrack/pkg/index"
	"fleettrack/pkg/partition"
	"fleettrack/pkg/storage"
)

func newTestStore(t *testing.T) *Storage {
	t.Helper()
	s, err := New(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreate(t *testing.T, s *Storage, months ...partition.Month) {
	t.Helper()
	for _, m := range months {
		_, err := s.CreatePartition(context.Background(), m)
		require.NoError(t, err)
	}
}

func fix(vehicleID string, ts time.Time, lat, lng float64) event.PositionEvent {
	return event.PositionEvent{
		VehicleID: vehicleID,
		Timestamp: ts,
		Location:  geo.Point{Lat: lat, Lng: lng},
	}
}

func TestAppendAndQuery(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s,
		partition.Month{Year: 2024, Month: time.January},
		partition.Month{Year: 2024, Month: time.February})

	require.NoError(t, s.Append(context.Background(), []event.PositionEvent{
		fix("v1", time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), -33.86, 151.20),
		fix("v1", time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC), -33.87, 151.21),
		fix("v2", time.Date(2024, 2, 5, 0, 0, 0, 0, time.UTC), -37.81, 144.96),
	}))

	results, err := s.Query(context.Background(), storage.QueryRequest{
		Start: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	results, err = s.Query(context.Background(), storage.QueryRequest{
		Start:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:        time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		VehicleIDs: []string{"v2"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "v2", results[0].VehicleID)
}

func TestAppendWithoutPartitionFails(t *testing.T) {
	s := newTestStore(t)
	err := s.Append(context.Background(), []event.PositionEvent{
		fix("v1", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 0, 0),
	})
	require.ErrorIs(t, err, storage.ErrNoPartition)
}

func TestCreatePartitionIdempotent(t *testing.T) {
	s := newTestStore(t)
	m := partition.Month{Year: 2024, Month: time.May}
	mustCreate(t, s, m)

	created, err := s.CreatePartition(context.Background(), m)
	require.NoError(t, err)
	require.False(t, created, "creation is idempotent")

	infos, err := s.Partitions(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "2024_05", infos[0].Name)
	require.Equal(t, m.Start(), infos[0].Start)
}

func TestLatestPositionsFromActiveIndex(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, partition.Month{Year: 2024, Month: time.January})

	require.NoError(t, s.Append(context.Background(), []event.PositionEvent{
		fix("v1", time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC), 1, 1),
		fix("v1", time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC), 2, 2),
		fix("v2", time.Date(2024, 1, 10, 8, 30, 0, 0, time.UTC), 3, 3),
	}))

	// An out-of-order older fix must not move the vehicle backwards.
	require.NoError(t, s.Append(context.Background(), []event.PositionEvent{
		fix("v1", time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC), 9, 9),
	}))

	latest, err := s.LatestPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, latest, 2)

	byVehicle := make(map[string]event.PositionEvent)
	for _, e := range latest {
		byVehicle[e.VehicleID] = e
	}
	require.Equal(t, 2.0, byVehicle["v1"].Location.Lat)
	require.Equal(t, 3.0, byVehicle["v2"].Location.Lat)
}

func TestLatestPositionsCarryCompany(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, partition.Month{Year: 2024, Month: time.January})

	e := fix("v1", time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC), 1, 1)
	e.CompanyID = "acme"
	require.NoError(t, s.Append(context.Background(), []event.PositionEvent{e}))

	// The active index is the restart seed for the projection, so company
	// attribution has to survive the round trip through it.
	latest, err := s.LatestPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, latest, 1)
	require.Equal(t, "acme", latest[0].CompanyID)
}

func TestDensityByCellTruncatesToCoarserPrecision(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, partition.Month{Year: 2024, Month: time.January})

	base := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Append(context.Background(), []event.PositionEvent{
		fix("v1", base, -33.86, 151.20),
		fix("v2", base, -33.87, 151.21),
		fix("v3", base, -37.81, 144.96),
	}))

	// Precision 3 is not materialized; it is served by truncating cells.
	density, err := s.DensityByCell(context.Background(), 3, base.Add(-time.Hour))
	require.NoError(t, err)

	sydney := geo.Cell(geo.Point{Lat: -33.86, Lng: 151.20}, 3)
	require.Equal(t, uint64(2), density[sydney])
	for cell := range density {
		require.Len(t, cell, 3)
	}

	// Materialized precision works directly.
	density, err = s.DensityByCell(context.Background(), 6, base.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, uint64(1), density[geo.Cell(geo.Point{Lat: -37.81, Lng: 144.96}, 6)])
}

func TestArchivePartitionMovesEverythingCold(t *testing.T) {
	s := newTestStore(t)
	jan := partition.Month{Year: 2024, Month: time.January}
	feb := partition.Month{Year: 2024, Month: time.February}
	mustCreate(t, s, jan, feb)

	events := make([]event.PositionEvent, 0, 30)
	for i := 0; i < 30; i++ {
		events = append(events, fix("v1", jan.Start().Add(time.Duration(i)*time.Hour), 1, 1))
	}
	events = append(events, fix("v2", feb.Start().Add(time.Hour), 2, 2))
	require.NoError(t, s.Append(context.Background(), events))

	moved, err := s.ArchivePartition(context.Background(), "2024_01")
	require.NoError(t, err)
	require.Equal(t, uint64(30), moved)

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.HotEvents, "february stays hot")
	require.Equal(t, uint64(30), stats.ArchivedEvents)
	require.Equal(t, 1, stats.Partitions)

	// Appends into the archived month now fail.
	err = s.Append(context.Background(), []event.PositionEvent{
		fix("v1", jan.Start().Add(time.Hour), 1, 1),
	})
	require.ErrorIs(t, err, storage.ErrNoPartition)

	// Archived events no longer appear in queries.
	results, err := s.Query(context.Background(), storage.QueryRequest{
		Start: jan.Start(),
		End:   feb.End(),
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestArchiveUnknownPartition(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ArchivePartition(context.Background(), "2024_01")
	require.Error(t, err)
}

func TestLegacyMigrationResumable(t *testing.T) {
	s := newTestStore(t)

	var legacy []event.PositionEvent
	for month := 1; month <= 3; month++ {
		for day := 1; day <= 3; day++ {
			legacy = append(legacy, fix("v1",
				time.Date(2024, time.Month(month), day, 12, 0, 0, 0, time.UTC), 1, 1))
		}
	}
	require.NoError(t, s.ImportLegacy(context.Background(), legacy))

	count, err := s.LegacyCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(9), count)

	oldest, newest, err := s.LegacyRange(context.Background())
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), oldest)
	require.Equal(t, time.Date(2024, 3, 3, 12, 0, 0, 0, time.UTC), newest)

	mustCreate(t, s,
		partition.Month{Year: 2024, Month: time.January},
		partition.Month{Year: 2024, Month: time.February},
		partition.Month{Year: 2024, Month: time.March})

	// First batch advances the offset.
	migrated, done, err := s.MigrateLegacyBatch(context.Background(), 4)
	require.NoError(t, err)
	require.Equal(t, 4, migrated)
	require.False(t, done)

	count, err = s.LegacyCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(5), count)

	// Drain the rest.
	migrated, done, err = s.MigrateLegacyBatch(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, 5, migrated)
	require.False(t, done)

	migrated, done, err = s.MigrateLegacyBatch(context.Background(), 100)
	require.NoError(t, err)
	require.Zero(t, migrated)
	require.True(t, done)

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(9), stats.HotEvents, "row count preserved across migration")
	require.Zero(t, stats.LegacyEvents)
}

func TestMigrationThroughManagerEndToEnd(t *testing.T) {
	s := newTestStore(t)
	mgr := partition.NewManager(s)

	var legacy []event.PositionEvent
	for month := 1; month <= 6; month++ {
		legacy = append(legacy, fix("v1",
			time.Date(2024, time.Month(month), 15, 0, 0, 0, 0, time.UTC), 1, 1))
	}
	require.NoError(t, s.ImportLegacy(context.Background(), legacy))

	report, err := mgr.MigrateLegacy(context.Background(), 2, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(6), report.Migrated)
	require.Len(t, report.PartitionsCreated, 6)

	infos, err := s.Partitions(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 6)
	for _, info := range infos {
		require.Equal(t, uint64(1), info.Events, "partition %s", info.Name)
	}
}

func TestPruneIndexesTrimsWindows(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	mustCreate(t, s, partition.MonthOf(now), partition.MonthOf(now.Add(-26*time.Hour)))

	require.NoError(t, s.Append(context.Background(), []event.PositionEvent{
		fix("old", now.Add(-26*time.Hour), 1, 1),
		fix("fresh", now.Add(-time.Minute), 2, 2),
	}))

	pruned, err := s.PruneIndexes(context.Background(), now)
	require.NoError(t, err)
	// The old event loses its spatio-temporal and active entries.
	require.Equal(t, uint64(2), pruned)

	latest, err := s.LatestPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, latest, 1)
	require.Equal(t, "fresh", latest[0].VehicleID)
}

func TestIndexStatsCountEntries(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	mustCreate(t, s, partition.MonthOf(now))

	require.NoError(t, s.Append(context.Background(), []event.PositionEvent{
		fix("v1", now.Add(-time.Minute), -33.86, 151.20),
		fix("v2", now.Add(-2*time.Minute), -33.87, 151.21),
	}))

	_, err := s.Query(context.Background(), storage.QueryRequest{Start: now.Add(-time.Hour), End: now})
	require.NoError(t, err)

	stats, err := s.IndexStats(context.Background())
	require.NoError(t, err)

	byName := make(map[string]index.Stat)
	for _, st := range stats {
		byName[st.Name] = st
	}
	require.Equal(t, uint64(2), byName[index.Temporal].Entries)
	require.Equal(t, uint64(1), byName[index.Temporal].Scans)
	require.Equal(t, uint64(2), byName[index.SpatioTemporal].Entries)
	require.Equal(t, uint64(6), byName[index.Geohash].Entries, "three precisions per event")
	require.Equal(t, uint64(2), byName[index.ActiveVehicle].Entries)

	// Tuple workload is tracked per keyspace: the viewport-free query above
	// counts against the temporal index only.
	require.Equal(t, uint64(2), byName[index.Temporal].TuplesRead)
	require.Equal(t, uint64(2), byName[index.Temporal].TuplesFetched)
	require.Zero(t, byName[index.SpatioTemporal].Scans)
	require.Zero(t, byName[index.SpatioTemporal].TuplesRead)
}

func TestEnsureIndexesIsCheapWhenComplete(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, partition.Month{Year: 2024, Month: time.January})
	require.NoError(t, s.Append(context.Background(), []event.PositionEvent{
		fix("v1", time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), 1, 1),
	}))

	require.NoError(t, s.EnsureIndexes(context.Background()))
}
