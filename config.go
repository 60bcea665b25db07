package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all runtime configuration for the application.
type Config struct {
	DBFile         string
	WebPort        string
	CommandTimeout time.Duration
	ReconnectMax   time.Duration
	DeviceTimeout  time.Duration
	NozzleDiameter string
}

// LoadConfig loads configuration from the database, falling back to
// defaults for missing or unparseable values.
func LoadConfig(store *Store) (*Config, error) {
	configValues, err := store.GetAllConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config from database: %w", err)
	}

	commandTimeout := DefaultCommandTimeout
	if timeoutStr, exists := configValues[ConfigKeyCommandTimeout]; exists {
		if parsed, err := strconv.Atoi(timeoutStr); err == nil && parsed > 0 {
			commandTimeout = parsed
		}
	}

	reconnectMax := ReconnectMaxSeconds
	if maxStr, exists := configValues[ConfigKeyReconnectMax]; exists {
		if parsed, err := strconv.Atoi(maxStr); err == nil && parsed > 0 {
			reconnectMax = parsed
		}
	}

	deviceTimeout := DefaultDeviceTimeout
	if timeoutStr, exists := configValues[ConfigKeyDeviceTimeout]; exists {
		if parsed, err := strconv.Atoi(timeoutStr); err == nil && parsed > 0 {
			deviceTimeout = parsed
		}
	}

	webPort := configValues[ConfigKeyWebPort]
	if webPort == "" {
		webPort = DefaultWebPort
	}

	nozzle := configValues[ConfigKeyDefaultNozzle]
	if nozzle == "" {
		nozzle = DefaultNozzleDiameter
	}

	return &Config{
		DBFile:         getDBFilePath(),
		WebPort:        webPort,
		CommandTimeout: time.Duration(commandTimeout) * time.Second,
		ReconnectMax:   time.Duration(reconnectMax) * time.Second,
		DeviceTimeout:  time.Duration(deviceTimeout) * time.Second,
		NozzleDiameter: nozzle,
	}, nil
}

// getDBFilePath returns the database file path, checking environment variable first
func getDBFilePath() string {
	if dbPath := os.Getenv("SPOOLSYNC_DB_PATH"); dbPath != "" {
		return filepath.Join(dbPath, DefaultDBFileName)
	}
	return DefaultDBFileName
}
