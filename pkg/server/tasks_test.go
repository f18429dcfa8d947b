package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"fleettrack/pkg/config"
	"fleettrack/pkg/index"
	"fleettrack/pkg/partition"
	"fleettrack/pkg/registry"
	"fleettrack/pkg/storage/memory"
	"fleettrack/pkg/summary"
)

func TestSchedulerMaintenanceIsSingleFlight(t *testing.T) {
	store := memory.New()
	manager := partition.NewManager(store)
	maintainer := index.NewMaintainer(store)
	aggregator := summary.NewAggregator(registry.NewProjection())
	hub := NewPositionHub()

	s := NewScheduler(store, manager, maintainer, aggregator, hub,
		config.DefaultHorizonMonths, config.DefaultRetainMonths)
	s.Start(context.Background())
	s.Stop()

	// The initial maintenance pass runs inside the loop goroutine, so Stop
	// returning means the pass finished and no tick could have overlapped it.
	infos, err := store.Partitions(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, config.DefaultHorizonMonths+1)
}
