package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRequiresSystemCap(t *testing.T) {
	c := Config{}
	require.Error(t, c.Validate())
}

func TestValidateRejectsTenantCapAboveSystemCap(t *testing.T) {
	c := Config{Throttle: ThrottleConfig{SystemCap: 5, DefaultTenantCap: 6}}
	require.Error(t, c.Validate())
}

func TestValidateRejectsReserveConsumingSystemCap(t *testing.T) {
	c := Config{Throttle: ThrottleConfig{SystemCap: 5, DirectReserve: 5}}
	require.Error(t, c.Validate())
}

func TestValidateAppliesDefaults(t *testing.T) {
	c := Config{Throttle: ThrottleConfig{SystemCap: 10}}
	require.NoError(t, c.Validate())

	assert.Equal(t, 10, c.Throttle.DefaultTenantCap)
	assert.Equal(t, 3, c.Retry.MaxAttempts)
	assert.Equal(t, time.Minute, c.Scheduler.RescanCeiling)
	assert.Equal(t, "orchestrator:scheduler:leader", c.Scheduler.LockKey)
	assert.Equal(t, "@every 1m", c.Sweep.Schedule)
	assert.Equal(t, 16, c.Lifecycle.Shards)
}

func TestLoadReadsYAMLAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte(`
throttle:
  system_cap: 10
  default_tenant_cap: 2
queue:
  poll_interval: 3s
  batch_size: 1
voicemail:
  hangup_keywords: ["voicemail"]
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	t.Setenv("ORCHESTRATOR_QUEUE_BATCH_SIZE", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Throttle.SystemCap)
	assert.Equal(t, 2, cfg.Throttle.DefaultTenantCap)
	assert.Equal(t, 3*time.Second, cfg.Queue.PollInterval)
	assert.Equal(t, 7, cfg.Queue.BatchSize)
	assert.Equal(t, []string{"voicemail"}, cfg.Voicemail.HangupKeywords)
}
