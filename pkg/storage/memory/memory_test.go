package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleettrack/pkg/event"
	"fleettrack/pkg/geo"
	"fleettrack/pkg/partition"
	"fleettrack/pkg/storage"
)

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

func TestAppendRoutesToPartition(t *testing.T) {
	s := New()
	jan := partition.Month{Year: 2024, Month: time.January}
	feb := partition.Month{Year: 2024, Month: time.February}
	mustCreate(t, s, jan, feb)

	err := s.Append(context.Background(), []event.PositionEvent{
		fix("v1", time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), -33.86, 151.20),
		fix("v2", time.Date(2024, 2, 2, 10, 0, 0, 0, time.UTC), -37.81, 144.96),
	})
	require.NoError(t, err)

	infos, err := s.Partitions(context.Background())
	require.NoError(t, err)
	counts := make(map[string]uint64)
	for _, info := range infos {
		counts[info.Name] = info.Events
	}
	require.Equal(t, uint64(1), counts["2024_01"])
	require.Equal(t, uint64(1), counts["2024_02"])
}

func TestAppendWithoutPartitionFails(t *testing.T) {
	s := New()
	mustCreate(t, s, partition.Month{Year: 2024, Month: time.January})

	err := s.Append(context.Background(), []event.PositionEvent{
		fix("v1", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 0, 0),
	})
	require.ErrorIs(t, err, storage.ErrNoPartition)
}

func TestQueryScopedToWindow(t *testing.T) {
	s := New()
	jan := partition.Month{Year: 2024, Month: time.January}
	feb := partition.Month{Year: 2024, Month: time.February}
	mustCreate(t, s, jan, feb)

	require.NoError(t, s.Append(context.Background(), []event.PositionEvent{
		fix("v1", time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), 1, 1),
		fix("v1", time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC), 2, 2),
		fix("v2", time.Date(2024, 2, 5, 0, 0, 0, 0, time.UTC), 3, 3),
	}))

	results, err := s.Query(context.Background(), storage.QueryRequest{
		Start: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Vehicle filter narrows further.
	results, err = s.Query(context.Background(), storage.QueryRequest{
		Start:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:        time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		VehicleIDs: []string{"v2"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "v2", results[0].VehicleID)
}

func TestQuerySpatialFilter(t *testing.T) {
	s := New()
	mustCreate(t, s, partition.Month{Year: 2024, Month: time.January})

	require.NoError(t, s.Append(context.Background(), []event.PositionEvent{
		fix("sydney", time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), -33.86, 151.20),
		fix("melbourne", time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), -37.81, 144.96),
	}))

	sydneyBox := geo.BoundingBox{MinLat: -34.2, MinLng: 150.5, MaxLat: -33.4, MaxLng: 151.6}
	results, err := s.Query(context.Background(), storage.QueryRequest{
		Start:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:    time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		Bounds: &sydneyBox,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "sydney", results[0].VehicleID)
}

func TestLatestPositions(t *testing.T) {
	s := New()
	mustCreate(t, s, partition.Month{Year: 2024, Month: time.January})

	require.NoError(t, s.Append(context.Background(), []event.PositionEvent{
		fix("v1", time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC), 1, 1),
		fix("v1", time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC), 2, 2),
		fix("v2", time.Date(2024, 1, 10, 8, 30, 0, 0, time.UTC), 3, 3),
	}))

	latest, err := s.LatestPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, latest, 2)
	require.Equal(t, "v1", latest[0].VehicleID)
	require.Equal(t, 2.0, latest[0].Location.Lat, "latest fix wins")
}

func TestDensityByCell(t *testing.T) {
	s := New()
	mustCreate(t, s, partition.Month{Year: 2024, Month: time.January})

	base := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Append(context.Background(), []event.PositionEvent{
		fix("v1", base, -33.86, 151.20),
		fix("v2", base, -33.87, 151.21),
		fix("v3", base, -37.81, 144.96),
	}))

	density, err := s.DensityByCell(context.Background(), 4, base.Add(-time.Hour))
	require.NoError(t, err)

	sydney := geo.Cell(geo.Point{Lat: -33.86, Lng: 151.20}, 4)
	melbourne := geo.Cell(geo.Point{Lat: -37.81, Lng: 144.96}, 4)
	require.Equal(t, uint64(2), density[sydney])
	require.Equal(t, uint64(1), density[melbourne])

	// Events before the window are excluded.
	density, err = s.DensityByCell(context.Background(), 4, base.Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, density)
}
