package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"fleettrack/pkg/config"
	"fleettrack/pkg/geo"
	"fleettrack/pkg/registry"
)

var (
	// ErrMalformedViewport means the request bounds are not a valid viewport.
	// Rejected before any data is touched.
	ErrMalformedViewport = errors.New("malformed viewport")

	// ErrTimeout means the clustering query exceeded its deadline. Distinct
	// from an empty result; there are no side effects to roll back.
	ErrTimeout = errors.New("clustering query timed out")
)

// Cluster is one query-scoped grouping of vehicles sharing a geohash cell.
// Cluster ids are assigned per query and carry no identity across calls.
type Cluster struct {
	ClusterID        int       `json:"cluster_id"`
	Cell             string    `json:"cell"`
	Center           geo.Point `json:"center"`
	VehicleCount     int       `json:"vehicle_count"`
	VehicleIDs       []string  `json:"vehicle_ids"`
	MostRecentUpdate time.Time `json:"most_recent_update"`
}

// ToFeature renders the cluster as a GeoJSON feature for map consumers.
func (c Cluster) ToFeature() map[string]any {
	return map[string]any{
		"type": "Feature",
		"geometry": map[string]any{
			"type":        "Point",
			"coordinates": []float64{c.Center.Lng, c.Center.Lat},
		},
		"properties": map[string]any{
			"cluster_id":         c.ClusterID,
			"cell":               c.Cell,
			"vehicle_count":      c.VehicleCount,
			"vehicle_ids":        c.VehicleIDs,
			"most_recent_update": c.MostRecentUpdate,
		},
	}
}

// Request is one clustering query.
type Request struct {
	Bounds geo.BoundingBox
	Zoom   int

	// CompanyID restricts results to one company's fleet ("" = all).
	// A company that owns no vehicles yields an empty set, not an error.
	CompanyID string
}

// Config tunes the engine. Zero values fall back to the shared defaults.
type Config struct {
	// Freshness excludes vehicles whose last report is older than the window.
	Freshness time.Duration

	// Timeout bounds one query; interactive map use targets sub-second.
	Timeout time.Duration
}

// Engine groups currently-active vehicles into spatial clusters at a
// precision derived from the map zoom level. Queries are read-only and run
// concurrently with ingestion without blocking it.
type Engine struct {
	registry  registry.Registry
	freshness time.Duration
	timeout   time.Duration
	now       func() time.Time
}

// NewEngine creates a clustering engine over the vehicle registry.
func NewEngine(reg registry.Registry, cfg Config) *Engine {
	if cfg.Freshness <= 0 {
		cfg.Freshness = config.ClusterFreshnessWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.ClusterQueryTimeout
	}
	return &Engine{
		registry:  reg,
		freshness: cfg.Freshness,
		timeout:   cfg.Timeout,
		now:       time.Now,
	}
}

// Cluster runs one clustering query. Identical inputs against an unchanged
// fleet snapshot always return the same clusters: the precision function is
// pure and groups are emitted in cell order with sorted member lists.
func (e *Engine) Cluster(ctx context.Context, req Request) ([]Cluster, error) {
	if err := req.Bounds.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedViewport, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	vehicles, err := e.registry.Snapshot(ctx)
	if err != nil {
		return nil, e.mapErr(err)
	}

	precision := geo.PrecisionForZoom(req.Zoom)
	horizon := e.now().Add(-e.freshness)

	groups := make(map[string][]registry.Vehicle)
	for i, v := range vehicles {
		// Bound long scans by the query deadline.
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, e.mapErr(err)
			}
		}

		// A vehicle with no location is excluded, never defaulted to origin.
		if v.LastKnownLocation == nil {
			continue
		}
		if v.LastReportedAt.Before(horizon) {
			continue
		}
		if req.CompanyID != "" && v.CompanyID != req.CompanyID {
			continue
		}
		if !req.Bounds.Contains(*v.LastKnownLocation) {
			continue
		}

		cell := geo.Cell(*v.LastKnownLocation, precision)
		groups[cell] = append(groups[cell], v)
	}

	cells := make([]string, 0, len(groups))
	for cell := range groups {
		cells = append(cells, cell)
	}
	sort.Strings(cells)

	clusters := make([]Cluster, 0, len(cells))
	for i, cell := range cells {
		members := groups[cell]

		points := make([]geo.Point, 0, len(members))
		ids := make([]string, 0, len(members))
		var latest time.Time
		for _, v := range members {
			points = append(points, *v.LastKnownLocation)
			ids = append(ids, v.ID)
			if v.LastReportedAt.After(latest) {
				latest = v.LastReportedAt
			}
		}
		sort.Strings(ids)

		clusters = append(clusters, Cluster{
			ClusterID:        i + 1,
			Cell:             cell,
			Center:           geo.Centroid(points),
			VehicleCount:     len(members),
			VehicleIDs:       ids,
			MostRecentUpdate: latest,
		})
	}
	return clusters, nil
}

// mapErr converts a context deadline into the engine's timeout sentinel.
func (e *Engine) mapErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
