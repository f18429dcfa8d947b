package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"fleettrack/pkg/cluster"
	"fleettrack/pkg/config"
	"fleettrack/pkg/event"
	"fleettrack/pkg/geo"
	"fleettrack/pkg/httpx"
	"fleettrack/pkg/index"
	"fleettrack/pkg/partition"
	"fleettrack/pkg/registry"
	"fleettrack/pkg/storage"
	"fleettrack/pkg/summary"
)

var startTime = time.Now()

// Handler serves the fleet tracking API.
type Handler struct {
	store      storage.EventStore
	projection *registry.Projection
	engine     *cluster.Engine
	aggregator *summary.Aggregator
	manager    *partition.Manager
	maintainer *index.Maintainer
}

// NewHandler creates the API handler.
func NewHandler(
	store storage.EventStore,
	projection *registry.Projection,
	engine *cluster.Engine,
	aggregator *summary.Aggregator,
	manager *partition.Manager,
	maintainer *index.Maintainer,
) *Handler {
	return &Handler{
		store:      store,
		projection: projection,
		engine:     engine,
		aggregator: aggregator,
		manager:    manager,
		maintainer: maintainer,
	}
}

// positionReport is one ingested GPS fix.
type positionReport struct {
	VehicleID string    `json:"vehicle_id"`
	CompanyID string    `json:"company_id"`
	Timestamp time.Time `json:"timestamp"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Source    string    `json:"source,omitempty"`
}

// ingestRequest is the position ingestion payload.
type ingestRequest struct {
	Positions []positionReport `json:"positions"`
}

// HandleIngest accepts a batch of position events, appends them to storage
// and updates the live vehicle projection.
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	if len(req.Positions) == 0 {
		httpx.RespondErrorString(w, http.StatusBadRequest, "no positions in payload")
		return
	}
	if len(req.Positions) > config.IngestMaxBatchSize {
		httpx.RespondErrorString(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("batch of %d exceeds limit of %d", len(req.Positions), config.IngestMaxBatchSize))
		return
	}

	events := make([]event.PositionEvent, 0, len(req.Positions))
	for i, p := range req.Positions {
		e := event.PositionEvent{
			VehicleID: p.VehicleID,
			CompanyID: p.CompanyID,
			Timestamp: p.Timestamp,
			Location:  geo.Point{Lat: p.Lat, Lng: p.Lng},
			Speed:     p.Speed,
			Heading:   p.Heading,
			Accuracy:  p.Accuracy,
			Source:    p.Source,
		}
		if err := e.Validate(); err != nil {
			httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("position %d: %w", i, err))
			return
		}
		events = append(events, e)
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.IngestTimeout)
	defer cancel()

	if err := h.store.Append(ctx, events); err != nil {
		if errors.Is(err, storage.ErrNoPartition) {
			// Partition lookahead has fallen behind; this needs an operator.
			log.Printf("INGEST REJECTED: %v (run partition maintenance)", err)
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	for i, p := range req.Positions {
		h.projection.RecordPosition(p.VehicleID, p.CompanyID, events[i].Timestamp, events[i].Location)
	}

	httpx.RespondJSON(w, http.StatusAccepted, map[string]any{"accepted": len(events)})
}

// HandleClusters serves zoom-adaptive vehicle clusters for a map viewport as
// a GeoJSON FeatureCollection.
func (h *Handler) HandleClusters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	bounds, err := parseBounds(q.Get("min_lat"), q.Get("min_lng"), q.Get("max_lat"), q.Get("max_lng"))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	zoom, err := strconv.Atoi(q.Get("zoom"))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid zoom: %w", err))
		return
	}

	clusters, err := h.engine.Cluster(r.Context(), cluster.Request{
		Bounds:    bounds,
		Zoom:      zoom,
		CompanyID: q.Get("company_id"),
	})
	switch {
	case errors.Is(err, cluster.ErrMalformedViewport):
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, cluster.ErrTimeout):
		httpx.RespondError(w, http.StatusRequestTimeout, err)
		return
	case err != nil:
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	features := make([]map[string]any, 0, len(clusters))
	var vehicles int
	for _, c := range clusters {
		features = append(features, c.ToFeature())
		vehicles += c.VehicleCount
	}

	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"type":     "FeatureCollection",
		"features": features,
		"metadata": map[string]any{
			"cluster_count":     len(clusters),
			"vehicle_count":     vehicles,
			"zoom":              zoom,
			"geohash_precision": geo.PrecisionForZoom(zoom),
			"generated_at":      time.Now().UTC(),
		},
	})
}

// HandleDensity serves event counts per geohash cell, the raw heat-map feed.
func (h *Handler) HandleDensity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	zoom, err := strconv.Atoi(q.Get("zoom"))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid zoom: %w", err))
		return
	}
	hours := 24
	if raw := q.Get("hours"); raw != "" {
		hours, err = strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			httpx.RespondErrorString(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
	}

	precision := geo.PrecisionForZoom(zoom)
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	density, err := h.store.DensityByCell(r.Context(), precision, since)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"precision": precision,
		"since":     since.UTC(),
		"cells":     density,
	})
}

// HandleSummary serves the materialized fleet summaries. With company_id it
// returns one summary, without it every company's.
func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	companyID := r.URL.Query().Get("company_id")
	if companyID == "" {
		httpx.RespondJSON(w, http.StatusOK, map[string]any{"summaries": h.aggregator.All()})
		return
	}

	s, err := h.aggregator.Summary(companyID)
	if errors.Is(err, summary.ErrNoSummary) {
		httpx.RespondError(w, http.StatusNotFound, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, s)
}

// vehicleStatusRequest updates one vehicle's lifecycle status in the
// projection. Status is owned by the external registry; this mirrors it.
type vehicleStatusRequest struct {
	VehicleID string `json:"vehicle_id"`
	Status    string `json:"status"`
}

// HandleVehicleStatus mirrors a registry status change into the projection.
func (h *Handler) HandleVehicleStatus(w http.ResponseWriter, r *http.Request) {
	var req vehicleStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	switch req.Status {
	case registry.StatusAvailable, registry.StatusInUse, registry.StatusMaintenance, registry.StatusOutOfService:
	default:
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", req.Status))
		return
	}

	h.projection.SetStatus(req.VehicleID, req.Status)
	httpx.RespondJSON(w, http.StatusOK, map[string]any{"vehicle_id": req.VehicleID, "status": req.Status})
}

// HandlePartitionStatus serves the operational view: partition inventory,
// storage statistics and index health.
func (h *Handler) HandlePartitionStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.StatusTimeout)
	defer cancel()

	status, err := h.manager.Status(ctx)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	stats, err := h.store.Stats(ctx)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	indexes, err := h.maintainer.Verify(ctx)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"partitions": status,
		"storage":    stats,
		"indexes":    indexes,
	})
}

// HandleHealth returns service health status.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"version":  "1.0.0",
		"uptime":   time.Since(startTime).String(),
		"vehicles": h.projection.Len(),
	})
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(router *mux.Router, h *Handler, hub *PositionHub, port string) {
	router.Use(corsMiddleware(port))

	api := router.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/ingest", h.HandleIngest).Methods("POST")
	api.HandleFunc("/map/clusters", h.HandleClusters).Methods("GET")
	api.HandleFunc("/map/density", h.HandleDensity).Methods("GET")
	api.HandleFunc("/fleet/summary", h.HandleSummary).Methods("GET")
	api.HandleFunc("/vehicles/status", h.HandleVehicleStatus).Methods("POST")
	api.HandleFunc("/partitions/status", h.HandlePartitionStatus).Methods("GET")
	api.HandleFunc("/health", h.HandleHealth).Methods("GET")

	// WebSocket for live position updates
	api.HandleFunc("/ws", hub.HandleLiveFeed).Methods("GET")
}

// parseBounds builds a viewport from query parameters.
func parseBounds(minLat, minLng, maxLat, maxLng string) (geo.BoundingBox, error) {
	parse := func(name, raw string) (float64, error) {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %q", name, raw)
		}
		return v, nil
	}

	var bounds geo.BoundingBox
	var err error
	if bounds.MinLat, err = parse("min_lat", minLat); err != nil {
		return bounds, err
	}
	if bounds.MinLng, err = parse("min_lng", minLng); err != nil {
		return bounds, err
	}
	if bounds.MaxLat, err = parse("max_lat", maxLat); err != nil {
		return bounds, err
	}
	if bounds.MaxLng, err = parse("max_lng", maxLng); err != nil {
		return bounds, err
	}
	return bounds, nil
}

// corsMiddleware restricts browser access to localhost origins.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowedOrigins := []string{
				"http://localhost:" + port,
				"http://127.0.0.1:" + port,
				"http://localhost:3000",
				"http://127.0.0.1:3000",
			}

			allowed := false
			for _, allowedOrigin := range allowedOrigins {
				if origin == allowedOrigin {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
