package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TuningConfig represents the behavior tunables of the detection
// pipeline. The schema matches the /api/config endpoint so the same JSON
// can be used for both startup configuration and runtime inspection.
// Fields omitted from a config file retain their defaults via the Get*
// accessors, so partial configs are safe.
type TuningConfig struct {
	PredictionHorizonMinutes  *int     `json:"prediction_horizon_minutes,omitempty"`
	SafetyBufferMinutes       *float64 `json:"safety_buffer_minutes,omitempty"`
	DetectionIntervalSeconds  *int     `json:"detection_interval_seconds,omitempty"`
	AlertSeverityThreshold    *int     `json:"alert_severity_threshold,omitempty"`
	AlertTimeThresholdMinutes *float64 `json:"alert_time_threshold_minutes,omitempty"`
	CacheTTLMinutes           *int     `json:"cache_ttl_minutes,omitempty"`
	MaxParallelOperations     *int     `json:"max_parallel_operations,omitempty"`
	MaxConsecutiveFailures    *int     `json:"max_consecutive_failures,omitempty"`
}

// Scheduler interval guardrails.
const (
	MinDetectionIntervalSeconds = 10
	MaxDetectionIntervalSeconds = 300
)

// EmptyTuningConfig returns a TuningConfig with all fields unset; every
// accessor then reports the default.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.PredictionHorizonMinutes != nil && *c.PredictionHorizonMinutes <= 0 {
		return fmt.Errorf("prediction_horizon_minutes must be positive, got %d", *c.PredictionHorizonMinutes)
	}
	if c.SafetyBufferMinutes != nil && *c.SafetyBufferMinutes <= 0 {
		return fmt.Errorf("safety_buffer_minutes must be positive, got %f", *c.SafetyBufferMinutes)
	}
	if c.DetectionIntervalSeconds != nil {
		if *c.DetectionIntervalSeconds < MinDetectionIntervalSeconds || *c.DetectionIntervalSeconds > MaxDetectionIntervalSeconds {
			return fmt.Errorf("detection_interval_seconds must be between %d and %d, got %d",
				MinDetectionIntervalSeconds, MaxDetectionIntervalSeconds, *c.DetectionIntervalSeconds)
		}
	}
	if c.AlertSeverityThreshold != nil {
		if *c.AlertSeverityThreshold < 1 || *c.AlertSeverityThreshold > 10 {
			return fmt.Errorf("alert_severity_threshold must be between 1 and 10, got %d", *c.AlertSeverityThreshold)
		}
	}
	if c.CacheTTLMinutes != nil && *c.CacheTTLMinutes <= 0 {
		return fmt.Errorf("cache_ttl_minutes must be positive, got %d", *c.CacheTTLMinutes)
	}
	if c.MaxParallelOperations != nil && *c.MaxParallelOperations < 1 {
		return fmt.Errorf("max_parallel_operations must be at least 1, got %d", *c.MaxParallelOperations)
	}
	if c.MaxConsecutiveFailures != nil && *c.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("max_consecutive_failures must be at least 1, got %d", *c.MaxConsecutiveFailures)
	}
	return nil
}

// GetPredictionHorizon returns the prediction horizon or the default.
func (c *TuningConfig) GetPredictionHorizon() time.Duration {
	if c.PredictionHorizonMinutes == nil {
		return 60 * time.Minute
	}
	return time.Duration(*c.PredictionHorizonMinutes) * time.Minute
}

// GetSafetyBuffer returns the minimum inter-train gap or the default.
func (c *TuningConfig) GetSafetyBuffer() time.Duration {
	if c.SafetyBufferMinutes == nil {
		return 2 * time.Minute
	}
	return time.Duration(*c.SafetyBufferMinutes * float64(time.Minute))
}

// GetDetectionInterval returns the scheduler cadence or the default.
func (c *TuningConfig) GetDetectionInterval() time.Duration {
	if c.DetectionIntervalSeconds == nil {
		return 30 * time.Second
	}
	return time.Duration(*c.DetectionIntervalSeconds) * time.Second
}

// GetAlertSeverityThreshold returns the minimum severity to push an alert.
func (c *TuningConfig) GetAlertSeverityThreshold() int {
	if c.AlertSeverityThreshold == nil {
		return 6
	}
	return *c.AlertSeverityThreshold
}

// GetAlertTimeThreshold returns the maximum time-to-impact for alerting.
func (c *TuningConfig) GetAlertTimeThreshold() time.Duration {
	if c.AlertTimeThresholdMinutes == nil {
		return 5 * time.Minute
	}
	return time.Duration(*c.AlertTimeThresholdMinutes * float64(time.Minute))
}

// GetCacheTTL returns the topology cache refresh cadence or the default.
func (c *TuningConfig) GetCacheTTL() time.Duration {
	if c.CacheTTLMinutes == nil {
		return 5 * time.Minute
	}
	return time.Duration(*c.CacheTTLMinutes) * time.Minute
}

// GetMaxParallelOperations returns the per-train prediction concurrency bound.
func (c *TuningConfig) GetMaxParallelOperations() int {
	if c.MaxParallelOperations == nil {
		return 50
	}
	return *c.MaxParallelOperations
}

// GetMaxConsecutiveFailures returns the scheduler auto-stop threshold.
func (c *TuningConfig) GetMaxConsecutiveFailures() int {
	if c.MaxConsecutiveFailures == nil {
		return 5
	}
	return *c.MaxConsecutiveFailures
}
