package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "memory", cfg.Messaging.Driver)
	assert.Equal(t, 30*time.Second, cfg.Estimation.Timeout)
	assert.Equal(t, 72*time.Hour, cfg.Saga.SelectionTimeout)
	assert.Equal(t, 4*time.Hour, cfg.Scheduler.WorkBlock)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.BreakLength)
	assert.True(t, cfg.Saga.CompensateOnFailure)

	weights, err := cfg.PriorityWeights()
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultWeights(), weights)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
estimation:
  timeout: 5s
  send_retries: 1
saga:
  selection_timeout: 10m
weights:
  fastestdelivery:
    cost: 0
    time: 1
    quality: 0
    emissions: 0
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("MFGOPT_SAGA_SELECTION_TIMEOUT", "20m")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Estimation.Timeout)
	assert.Equal(t, 1, cfg.Estimation.SendRetries)
	assert.Equal(t, 20*time.Minute, cfg.Saga.SelectionTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)

	weights, err := cfg.PriorityWeights()
	require.NoError(t, err)
	assert.Equal(t, domain.OptimizationWeights{Time: 1}, weights[domain.PriorityFastestDelivery])
	assert.Equal(t, domain.OptimizationWeights{Cost: 1}, weights[domain.PriorityLowestCost])
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Storage.Driver = "mysql"
	cfg.Estimation.Timeout = 0
	cfg.Weights = map[string]domain.OptimizationWeights{"lowestcost": {Cost: 0.5}}

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.driver")
	assert.Contains(t, err.Error(), "estimation.timeout")
	assert.Contains(t, err.Error(), "weights.lowestcost")
}

func TestWatchRequiresPath(t *testing.T) {
	assert.Error(t, Watch("", func(*Config) {}, nil))
}
