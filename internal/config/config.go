// Package config loads the pipeline's JSON configuration. Fields omitted
// from the file keep their defaults, so partial configs are safe.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration. All fields are optional; the Get*
// accessors provide fallback defaults for anything unset.
type Config struct {
	// Pipeline switches
	Enabled *bool `json:"enabled,omitempty"`

	// Storage
	DatabasePath *string `json:"database_path,omitempty"`
	FallbackDir  *string `json:"fallback_dir,omitempty"`

	// Network
	ListenAddr *string `json:"listen_addr,omitempty"` // UDP telemetry source
	AdminAddr  *string `json:"admin_addr,omitempty"`  // HTTP debug/status server

	// Indexer params
	RingCapacity     *int     `json:"ring_capacity,omitempty"`
	TimingSettleSecs *float64 `json:"timing_settle_secs,omitempty"`

	// Saver params
	QueueCapacity      *int    `json:"queue_capacity,omitempty"`
	BatchSize          *int    `json:"batch_size,omitempty"`
	MaxLapRetries      *int    `json:"max_lap_retries,omitempty"`
	OpTimeout          *string `json:"op_timeout,omitempty"` // duration string like "30s"
	DirectSave         *bool   `json:"direct_save,omitempty"`
	PersistInvalidLaps *bool   `json:"persist_invalid_laps,omitempty"`
}

// Load reads a Config from a JSON file. The file must have a .json
// extension and be under the max file size.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	if c.TimingSettleSecs != nil && *c.TimingSettleSecs < 0 {
		return fmt.Errorf("timing_settle_secs must be non-negative, got %f", *c.TimingSettleSecs)
	}
	if c.RingCapacity != nil && *c.RingCapacity < 1 {
		return fmt.Errorf("ring_capacity must be positive, got %d", *c.RingCapacity)
	}
	if c.QueueCapacity != nil && *c.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be positive, got %d", *c.QueueCapacity)
	}
	if c.BatchSize != nil && *c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be positive, got %d", *c.BatchSize)
	}
	if c.OpTimeout != nil && *c.OpTimeout != "" {
		if _, err := time.ParseDuration(*c.OpTimeout); err != nil {
			return fmt.Errorf("invalid op_timeout '%s': %w", *c.OpTimeout, err)
		}
	}
	return nil
}

// GetEnabled returns the enabled flag or the default.
func (c *Config) GetEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// GetDatabasePath returns the database path or the default.
func (c *Config) GetDatabasePath() string {
	if c.DatabasePath == nil || *c.DatabasePath == "" {
		return "laps.db"
	}
	return *c.DatabasePath
}

// GetFallbackDir returns the disk fallback directory or the default.
func (c *Config) GetFallbackDir() string {
	if c.FallbackDir == nil || *c.FallbackDir == "" {
		return "fallback_laps"
	}
	return *c.FallbackDir
}

// GetListenAddr returns the UDP telemetry listen address or the default.
func (c *Config) GetListenAddr() string {
	if c.ListenAddr == nil || *c.ListenAddr == "" {
		return ":9507"
	}
	return *c.ListenAddr
}

// GetAdminAddr returns the HTTP admin address or the default.
func (c *Config) GetAdminAddr() string {
	if c.AdminAddr == nil || *c.AdminAddr == "" {
		return "127.0.0.1:8077"
	}
	return *c.AdminAddr
}

// GetRingCapacity returns the frame ring capacity or the default.
func (c *Config) GetRingCapacity() int {
	if c.RingCapacity == nil {
		return 120 // 2 seconds at 60 Hz
	}
	return *c.RingCapacity
}

// GetTimingSettleSecs returns the timing settle delay or the default.
func (c *Config) GetTimingSettleSecs() float64 {
	if c.TimingSettleSecs == nil {
		return 3.0
	}
	return *c.TimingSettleSecs
}

// GetQueueCapacity returns the save queue capacity or the default.
func (c *Config) GetQueueCapacity() int {
	if c.QueueCapacity == nil {
		return 100
	}
	return *c.QueueCapacity
}

// GetBatchSize returns the telemetry batch size or the default.
func (c *Config) GetBatchSize() int {
	if c.BatchSize == nil {
		return 100
	}
	return *c.BatchSize
}

// GetMaxLapRetries returns the per-lap retry ceiling or the default.
func (c *Config) GetMaxLapRetries() int {
	if c.MaxLapRetries == nil {
		return 3
	}
	return *c.MaxLapRetries
}

// GetOpTimeout parses and returns the per-call database timeout.
func (c *Config) GetOpTimeout() time.Duration {
	if c.OpTimeout == nil || *c.OpTimeout == "" {
		return 30 * time.Second // default
	}
	d, err := time.ParseDuration(*c.OpTimeout)
	if err != nil {
		return 30 * time.Second // default on parse error
	}
	return d
}

// GetDirectSave returns the direct-save flag or the default.
func (c *Config) GetDirectSave() bool {
	if c.DirectSave == nil {
		return false // default: worker path, direct-save is the fallback
	}
	return *c.DirectSave
}

// GetPersistInvalidLaps returns the persist-invalid-laps flag or the default.
func (c *Config) GetPersistInvalidLaps() bool {
	if c.PersistInvalidLaps == nil {
		return false
	}
	return *c.PersistInvalidLaps
}
