package summary

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleettrack/pkg/geo"
	"fleettrack/pkg/registry"
)

func testAggregator(reg registry.Registry, now time.Time) *Aggregator {
	a := NewAggregator(reg)
	a.now = func() time.Time { return now }
	return a
}

func vehicle(id, company, status string, at time.Time, lat, lng float64) registry.Vehicle {
	return registry.Vehicle{
		ID:                id,
		CompanyID:         company,
		Status:            status,
		LastKnownLocation: &geo.Point{Lat: lat, Lng: lng},
		LastReportedAt:    at,
	}
}

func TestRefreshComputesPerCompanyAggregates(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	proj := registry.NewProjection()

	proj.Upsert(vehicle("a1", "acme", registry.StatusInUse, now.Add(-5*time.Minute), -33.86, 151.20))
	proj.Upsert(vehicle("a2", "acme", registry.StatusAvailable, now.Add(-30*time.Minute), -33.90, 151.10))
	proj.Upsert(vehicle("a3", "acme", registry.StatusMaintenance, now.Add(-2*time.Hour), -37.81, 144.96))
	proj.Upsert(vehicle("g1", "globex", registry.StatusInUse, now.Add(-time.Minute), 51.51, -0.13))

	agg := testAggregator(proj, now)
	require.NoError(t, agg.Refresh(context.Background()))

	s, err := agg.Summary("acme")
	require.NoError(t, err)
	require.Equal(t, 3, s.TotalVehicles)
	require.Equal(t, 1, s.ActiveVehicles, "only the 5-minute-old report is inside the active window")
	require.Equal(t, 2, s.RecentVehicles)
	require.Equal(t, 1, s.DeployedVehicles)
	require.Equal(t, 1, s.AvailableVehicles)
	require.Equal(t, now.Add(-5*time.Minute), s.LastUpdate)
	require.Equal(t, now, s.ComputedAt)

	// Bounds cover Sydney and Melbourne, center sits between them.
	require.InDelta(t, -37.81, s.FleetBounds.MinLat, 0.001)
	require.InDelta(t, -33.86, s.FleetBounds.MaxLat, 0.001)
	require.InDelta(t, (-33.86-33.90-37.81)/3, s.FleetCenter.Lat, 0.001)

	all := agg.All()
	require.Len(t, all, 2)
	require.Equal(t, "acme", all[0].CompanyID)
	require.Equal(t, "globex", all[1].CompanyID)
}

func TestSummaryUnknownCompany(t *testing.T) {
	agg := testAggregator(registry.NewProjection(), time.Now())
	require.NoError(t, agg.Refresh(context.Background()))

	_, err := agg.Summary("nobody")
	require.ErrorIs(t, err, ErrNoSummary)
}

func TestVehiclesWithoutLocationAreExcluded(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	proj := registry.NewProjection()
	proj.Upsert(registry.Vehicle{ID: "ghost", CompanyID: "acme", Status: registry.StatusInUse, LastReportedAt: now})

	agg := testAggregator(proj, now)
	require.NoError(t, agg.Refresh(context.Background()))

	_, err := agg.Summary("acme")
	require.ErrorIs(t, err, ErrNoSummary, "a fleet with no located vehicles has no summary")
}

type failingRegistry struct{ err error }

func (f failingRegistry) Snapshot(ctx context.Context) ([]registry.Vehicle, error) {
	return nil, f.err
}

func TestFailedRefreshKeepsPreviousSnapshot(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	proj := registry.NewProjection()
	proj.Upsert(vehicle("a1", "acme", registry.StatusInUse, now, -33.86, 151.20))

	agg := testAggregator(proj, now)
	require.NoError(t, agg.Refresh(context.Background()))

	// Swap in a broken source: the refresh fails, the old snapshot survives.
	agg.registry = failingRegistry{err: errors.New("registry down")}
	require.Error(t, agg.Refresh(context.Background()))

	s, err := agg.Summary("acme")
	require.NoError(t, err)
	require.Equal(t, 1, s.TotalVehicles)
}
