package config

import "time"

// Server defaults
const (
	DefaultPort        = "8080"
	DefaultDataDir     = "./data/fleettrack"
	DefaultColdDir     = "./data/fleettrack-archive"
	DefaultMaxMemoryMB = 48
)

// Partition lifecycle defaults
const (
	DefaultHorizonMonths = 3  // months of partitions created ahead of the write horizon
	DefaultRetainMonths  = 12 // months kept hot before archival to cold storage
	MigrationBatchSize   = 10000
)

// Clustering
const (
	ClusterFreshnessWindow = 2 * time.Hour
	ClusterQueryTimeout    = 800 * time.Millisecond
)

// Fleet summary refresh
const (
	SummaryRefreshInterval = 5 * time.Minute
	SummaryActiveWindow    = 15 * time.Minute
	SummaryRecentWindow    = 1 * time.Hour
)

// Index rolling windows
const (
	SpatioTemporalIndexWindow = 24 * time.Hour
	ActiveVehicleIndexWindow  = 2 * time.Hour
)

// Background job intervals
const (
	MaintenanceInterval = 1 * time.Hour
	IndexUpkeepInterval = 10 * time.Minute
	BroadcastInterval   = 5 * time.Second
)

// Ingest limits and timeouts
const (
	IngestTimeout      = 5 * time.Second
	IngestMaxBatchSize = 1000
	StatusTimeout      = 10 * time.Second
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
