package registry

import (
	"context"
	"sync"
	"time"

	"fleettrack/pkg/geo"
)

// Vehicle statuses, as reported by the external vehicle registry.
const (
	StatusAvailable    = "AVAILABLE"
	StatusInUse        = "IN_USE"
	StatusMaintenance  = "MAINTENANCE"
	StatusOutOfService = "OUT_OF_SERVICE"
)

// Vehicle is the read-only projection of the external vehicle registry that
// the clustering engine and summary aggregator consume. This core never
// writes vehicle lifecycle state back.
type Vehicle struct {
	ID                string            `json:"id"`
	CompanyID         string            `json:"owning_company_id"`
	Status            string            `json:"status"`
	LastKnownLocation *geo.Point        `json:"last_known_location,omitempty"`
	LastReportedAt    time.Time         `json:"last_reported_at"`
	Attributes        map[string]string `json:"attributes,omitempty"`
}

// Registry provides a point-in-time view of the vehicle fleet.
type Registry interface {
	// Snapshot returns a copy of every known vehicle. Callers may mutate the
	// returned slice freely.
	Snapshot(ctx context.Context) ([]Vehicle, error)
}

// Projection is an in-memory vehicle registry fed by position ingestion.
// It is the "last known position" view: safe for concurrent readers and
// writers, reads never block appends.
type Projection struct {
	mu       sync.RWMutex
	vehicles map[string]Vehicle
}

// NewProjection creates an empty projection.
func NewProjection() *Projection {
	return &Projection{vehicles: make(map[string]Vehicle)}
}

// Upsert replaces the projection's view of one vehicle.
func (p *Projection) Upsert(v Vehicle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vehicles[v.ID] = v
}

// RecordPosition updates a vehicle's last known position from an ingested
// event, creating the vehicle entry on first sight. Stale reports (older than
// the current last report) are ignored so out-of-order ingestion cannot move
// a vehicle backwards.
func (p *Projection) RecordPosition(vehicleID, companyID string, at time.Time, loc geo.Point) {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, ok := p.vehicles[vehicleID]
	if !ok {
		v = Vehicle{ID: vehicleID, CompanyID: companyID, Status: StatusAvailable}
	}
	if at.Before(v.LastReportedAt) {
		return
	}
	if companyID != "" {
		v.CompanyID = companyID
	}
	v.LastKnownLocation = &geo.Point{Lat: loc.Lat, Lng: loc.Lng}
	v.LastReportedAt = at
	p.vehicles[vehicleID] = v
}

// SetStatus updates a vehicle's status if the vehicle is known.
func (p *Projection) SetStatus(vehicleID, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.vehicles[vehicleID]; ok {
		v.Status = status
		p.vehicles[vehicleID] = v
	}
}

// Snapshot returns a copy of every vehicle in the projection.
func (p *Projection) Snapshot(ctx context.Context) ([]Vehicle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	vehicles := make([]Vehicle, 0, len(p.vehicles))
	for _, v := range p.vehicles {
		if v.LastKnownLocation != nil {
			loc := *v.LastKnownLocation
			v.LastKnownLocation = &loc
		}
		vehicles = append(vehicles, v)
	}
	return vehicles, nil
}

// Len returns the number of vehicles in the projection.
func (p *Projection) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.vehicles)
}
