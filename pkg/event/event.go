package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"fleettrack/pkg/geo"
)

// Position sources, matching the device fleet that reports into the store.
const (
	SourceGPSDevice = "GPS_DEVICE"
	SourceMobileApp = "MOBILE_APP"
	SourceOBDDevice = "OBD_DEVICE"
)

// PositionEvent is a single GPS fix for a vehicle. Events are immutable once
// written: they are never updated, only archived or deleted by retention.
type PositionEvent struct {
	ID        uuid.UUID `json:"id"`
	VehicleID string    `json:"vehicle_id"`
	CompanyID string    `json:"company_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Location  geo.Point `json:"location"`
	Speed     *float64  `json:"speed,omitempty"`    // km/h
	Heading   *float64  `json:"heading,omitempty"`  // degrees
	Accuracy  *float64  `json:"accuracy,omitempty"` // metres
	Source    string    `json:"source,omitempty"`
}

// Validate checks the event is well-formed before it is routed to a partition.
func (e *PositionEvent) Validate() error {
	if e.VehicleID == "" {
		return fmt.Errorf("missing vehicle_id")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("missing timestamp")
	}
	if !e.Location.Valid() {
		return fmt.Errorf("location out of range: (%f, %f)", e.Location.Lat, e.Location.Lng)
	}
	if e.Speed != nil && *e.Speed < 0 {
		return fmt.Errorf("negative speed: %f", *e.Speed)
	}
	if e.Heading != nil && (*e.Heading < 0 || *e.Heading >= 360) {
		return fmt.Errorf("heading out of range: %f", *e.Heading)
	}
	return nil
}
