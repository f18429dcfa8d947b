package summary

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"fleettrack/pkg/config"
	"fleettrack/pkg/geo"
	"fleettrack/pkg/registry"
)

// ErrNoSummary means no summary exists for the company: either it owns no
// vehicles with a known location, or no refresh has completed yet.
var ErrNoSummary = errors.New("no summary for company")

// FleetSummary is the materialized per-company aggregate served to
// dashboards. Consumers accept staleness up to one refresh interval.
type FleetSummary struct {
	CompanyID         string          `json:"company_id"`
	TotalVehicles     int             `json:"total_vehicles"`
	ActiveVehicles    int             `json:"active_vehicles"`
	RecentVehicles    int             `json:"recent_vehicles"`
	DeployedVehicles  int             `json:"deployed_vehicles"`
	AvailableVehicles int             `json:"available_vehicles"`
	FleetBounds       geo.BoundingBox `json:"fleet_bounds"`
	FleetCenter       geo.Point       `json:"fleet_center"`
	LastUpdate        time.Time       `json:"last_update"`
	ComputedAt        time.Time       `json:"computed_at"`
}

// Aggregator recomputes fleet summaries wholesale on each refresh and swaps
// the snapshot atomically. It is never incrementally patched, so the
// published aggregate cannot drift from the source.
type Aggregator struct {
	registry     registry.Registry
	activeWindow time.Duration
	recentWindow time.Duration
	now          func() time.Time

	mu   sync.RWMutex
	snap map[string]FleetSummary
}

// NewAggregator creates a fleet summary aggregator over the vehicle registry.
func NewAggregator(reg registry.Registry) *Aggregator {
	return &Aggregator{
		registry:     reg,
		activeWindow: config.SummaryActiveWindow,
		recentWindow: config.SummaryRecentWindow,
		now:          time.Now,
		snap:         make(map[string]FleetSummary),
	}
}

// Refresh recomputes summaries for every company with at least one vehicle
// reporting a location, then atomically replaces the prior snapshot. It reads
// a consistent registry snapshot rather than locking the source; a failed
// refresh leaves the previous snapshot in place.
func (a *Aggregator) Refresh(ctx context.Context) error {
	vehicles, err := a.registry.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot registry: %w", err)
	}

	now := a.now()
	next := make(map[string]FleetSummary)

	for _, v := range vehicles {
		if v.LastKnownLocation == nil {
			continue
		}

		s := next[v.CompanyID]
		s.CompanyID = v.CompanyID
		s.TotalVehicles++
		if now.Sub(v.LastReportedAt) <= a.activeWindow {
			s.ActiveVehicles++
		}
		if now.Sub(v.LastReportedAt) <= a.recentWindow {
			s.RecentVehicles++
		}
		switch v.Status {
		case registry.StatusInUse:
			s.DeployedVehicles++
		case registry.StatusAvailable:
			s.AvailableVehicles++
		}
		s.FleetBounds = s.FleetBounds.Extend(*v.LastKnownLocation)
		if v.LastReportedAt.After(s.LastUpdate) {
			s.LastUpdate = v.LastReportedAt
		}
		next[v.CompanyID] = s
	}

	// Centroids need the member points; second pass keeps the first simple.
	points := make(map[string][]geo.Point)
	for _, v := range vehicles {
		if v.LastKnownLocation == nil {
			continue
		}
		points[v.CompanyID] = append(points[v.CompanyID], *v.LastKnownLocation)
	}
	for companyID, s := range next {
		s.FleetCenter = geo.Centroid(points[companyID])
		s.ComputedAt = now
		next[companyID] = s
	}

	a.mu.Lock()
	a.snap = next
	a.mu.Unlock()
	return nil
}

// Summary returns the last completed snapshot for one company.
func (a *Aggregator) Summary(companyID string) (FleetSummary, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s, ok := a.snap[companyID]
	if !ok {
		return FleetSummary{}, fmt.Errorf("%w: %s", ErrNoSummary, companyID)
	}
	return s, nil
}

// All returns every company summary, sorted by company id.
func (a *Aggregator) All() []FleetSummary {
	a.mu.RLock()
	defer a.mu.RUnlock()

	summaries := make([]FleetSummary, 0, len(a.snap))
	for _, s := range a.snap {
		summaries = append(summaries, s)
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].CompanyID < summaries[j].CompanyID })
	return summaries
}
