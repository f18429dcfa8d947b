package event

import (
	"testing"
	"time"

	"fleettrack/pkg/geo"
)

func ptr(v float64) *float64 { return &v }

func TestValidate(t *testing.T) {
	base := func() PositionEvent {
		return PositionEvent{
			VehicleID: "v1",
			Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Location:  geo.Point{Lat: -33.86, Lng: 151.20},
		}
	}

	if e := base(); e.Validate() != nil {
		t.Fatalf("valid event rejected: %v", e.Validate())
	}

	tests := []struct {
		name   string
		mutate func(*PositionEvent)
	}{
		{"missing vehicle", func(e *PositionEvent) { e.VehicleID = "" }},
		{"missing timestamp", func(e *PositionEvent) { e.Timestamp = time.Time{} }},
		{"latitude out of range", func(e *PositionEvent) { e.Location.Lat = 91 }},
		{"longitude out of range", func(e *PositionEvent) { e.Location.Lng = -181 }},
		{"negative speed", func(e *PositionEvent) { e.Speed = ptr(-1) }},
		{"heading wraps", func(e *PositionEvent) { e.Heading = ptr(360) }},
	}
	for _, tt := range tests {
		e := base()
		tt.mutate(&e)
		if err := e.Validate(); err == nil {
			t.Errorf("%s: accepted, want error", tt.name)
		}
	}
}
