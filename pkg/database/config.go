package database

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds database configuration.
type Config struct {
	// Path is the SQLite database file path, or ":memory:" for tests.
	Path string

	// BusyTimeoutMS is how long a connection waits on a locked database
	// before surfacing SQLITE_BUSY.
	BusyTimeoutMS int

	MaxOpenConns int
	MaxIdleConns int
}

// LoadConfigFromEnv loads database configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	busy, err := strconv.Atoi(getEnvOrDefault("RECAPD_DB_BUSY_TIMEOUT_MS", "5000"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid RECAPD_DB_BUSY_TIMEOUT_MS: %w", err)
	}
	maxOpen, _ := strconv.Atoi(getEnvOrDefault("RECAPD_DB_MAX_OPEN_CONNS", "1"))
	maxIdle, _ := strconv.Atoi(getEnvOrDefault("RECAPD_DB_MAX_IDLE_CONNS", "1"))

	return Config{
		Path:          getEnvOrDefault("RECAPD_DB_PATH", "./recapd.db"),
		BusyTimeoutMS: busy,
		MaxOpenConns:  maxOpen,
		MaxIdleConns:  maxIdle,
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
