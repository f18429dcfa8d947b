package server

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"fleettrack/pkg/config"
	"fleettrack/pkg/storage"
	"fleettrack/pkg/storage/badger"
)

// Config holds server configuration.
type Config struct {
	Port          string
	DataDir       string
	ColdDir       string
	MaxMemoryMB   int64
	HorizonMonths int
	RetainMonths  int
}

// LoadConfig loads configuration from the environment, with a .env file as
// an optional local override.
func LoadConfig() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Skipping .env file: %v", err)
	}

	cfg := Config{
		Port:          getEnv("PORT", config.DefaultPort),
		DataDir:       getEnv("FLEETTRACK_DATA_DIR", config.DefaultDataDir),
		ColdDir:       getEnv("FLEETTRACK_COLD_DIR", config.DefaultColdDir),
		MaxMemoryMB:   getEnvInt64("FLEETTRACK_MAX_MEMORY_MB", config.DefaultMaxMemoryMB),
		HorizonMonths: int(getEnvInt64("FLEETTRACK_HORIZON_MONTHS", config.DefaultHorizonMonths)),
		RetainMonths:  int(getEnvInt64("FLEETTRACK_RETAIN_MONTHS", config.DefaultRetainMonths)),
	}

	for _, dir := range []string{cfg.DataDir, cfg.ColdDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("Failed to create data directory %s: %v", dir, err)
		}
	}
	return cfg
}

// InitializeStorage opens the BadgerDB-backed event store.
func InitializeStorage(cfg Config) (storage.EventStore, error) {
	log.Println("Initializing BadgerDB storage with Snappy compression...")
	store, err := badger.New(badger.Config{
		Path:        cfg.DataDir,
		ColdPath:    cfg.ColdDir,
		MaxMemoryMB: cfg.MaxMemoryMB,
	})
	if err != nil {
		return nil, err
	}
	log.Println("BadgerDB storage initialized successfully")
	return store, nil
}

// getEnv gets a string from the environment or returns the default.
func getEnv(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

// getEnvInt64 gets an int64 from the environment or returns the default.
func getEnvInt64(key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
		log.Printf("Invalid value for %s: %q, using default %d", key, val, defaultValue)
	}
	return defaultValue
}
