package registry

import (
	"context"
	"testing"
	"time"

	"fleettrack/pkg/geo"
)

func TestRecordPositionIgnoresStaleReports(t *testing.T) {
	p := NewProjection()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	p.RecordPosition("v1", "acme", now, geo.Point{Lat: 1, Lng: 1})
	p.RecordPosition("v1", "acme", now.Add(-time.Hour), geo.Point{Lat: 9, Lng: 9})

	vehicles, err := p.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := vehicles[0].LastKnownLocation.Lat; got != 1 {
		t.Errorf("stale report moved the vehicle: lat %f", got)
	}
	if !vehicles[0].LastReportedAt.Equal(now) {
		t.Errorf("LastReportedAt = %v, want %v", vehicles[0].LastReportedAt, now)
	}
}

func TestSnapshotCopiesLocations(t *testing.T) {
	p := NewProjection()
	p.RecordPosition("v1", "acme", time.Now(), geo.Point{Lat: 1, Lng: 1})

	vehicles, err := p.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	vehicles[0].LastKnownLocation.Lat = 99

	again, err := p.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if again[0].LastKnownLocation.Lat != 1 {
		t.Error("snapshot mutation leaked into the projection")
	}
}

func TestSetStatusUnknownVehicleIsNoop(t *testing.T) {
	p := NewProjection()
	p.SetStatus("ghost", StatusMaintenance)
	if p.Len() != 0 {
		t.Error("SetStatus created a vehicle")
	}
}
