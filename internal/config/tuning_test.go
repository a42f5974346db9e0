package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := EmptyTuningConfig()

	assert.Equal(t, 60*time.Minute, cfg.GetPredictionHorizon())
	assert.Equal(t, 2*time.Minute, cfg.GetSafetyBuffer())
	assert.Equal(t, 30*time.Second, cfg.GetDetectionInterval())
	assert.Equal(t, 6, cfg.GetAlertSeverityThreshold())
	assert.Equal(t, 5*time.Minute, cfg.GetAlertTimeThreshold())
	assert.Equal(t, 5*time.Minute, cfg.GetCacheTTL())
	assert.Equal(t, 50, cfg.GetMaxParallelOperations())
	assert.Equal(t, 5, cfg.GetMaxConsecutiveFailures())
}

func TestLoadTuningConfigPartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"detection_interval_seconds": 60, "safety_buffer_minutes": 3}`), 0o644))

	cfg, err := LoadTuningConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, cfg.GetDetectionInterval())
	assert.Equal(t, 3*time.Minute, cfg.GetSafetyBuffer())
	// untouched fields keep defaults
	assert.Equal(t, 60*time.Minute, cfg.GetPredictionHorizon())
}

func TestLoadTuningConfigRejectsNonJSON(t *testing.T) {
	_, err := LoadTuningConfig("tuning.yaml")
	assert.Error(t, err)
}

func TestValidateIntervalBounds(t *testing.T) {
	low := 9
	cfg := &TuningConfig{DetectionIntervalSeconds: &low}
	assert.Error(t, cfg.Validate())

	high := 301
	cfg = &TuningConfig{DetectionIntervalSeconds: &high}
	assert.Error(t, cfg.Validate())

	ok := 30
	cfg = &TuningConfig{DetectionIntervalSeconds: &ok}
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	neg := -1.0
	assert.Error(t, (&TuningConfig{SafetyBufferMinutes: &neg}).Validate())

	zero := 0
	assert.Error(t, (&TuningConfig{MaxParallelOperations: &zero}).Validate())
	assert.Error(t, (&TuningConfig{CacheTTLMinutes: &zero}).Validate())

	eleven := 11
	assert.Error(t, (&TuningConfig{AlertSeverityThreshold: &eleven}).Validate())
}
