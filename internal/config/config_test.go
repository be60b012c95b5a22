package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/role-splitter/internal/config"
)

const validYAML = `
server:
  port: ${GATEWAY_TEST_PORT:-18100}
  read_timeout: 30s
  write_timeout: 5m
upstream:
  url: http://127.0.0.1:8000
intercept:
  origins: [summarize, memory]
endpoint:
  custom_url: http://127.0.0.1:5001/v1
  custom_model_id: local
  include_body: |
    top_p: 0.9
  api_key: ${GATEWAY_TEST_KEY}
defaults:
  user_name: User
delivery:
  in_process: true
  attempt_ceiling: 3
  backoff: [100ms, 200ms]
capture:
  capacity: 5
monitoring:
  log_level: debug
  telemetry_enabled: false
  high_latency_threshold: 10s
`

func TestLoadFromBytes(t *testing.T) {
	t.Setenv("GATEWAY_TEST_KEY", "sk-env")

	cfg, err := config.LoadFromBytes([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, 18100, cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Server.WriteTimeout)
	assert.Equal(t, "http://127.0.0.1:8000", cfg.Upstream.URL)
	assert.Equal(t, []string{"summarize", "memory"}, cfg.Intercept.Origins)
	assert.Equal(t, "local", cfg.Endpoint.CustomModelID)
	assert.Equal(t, "top_p: 0.9\n", cfg.Endpoint.IncludeBody)
	assert.Equal(t, "sk-env", cfg.Endpoint.APIKey)
	assert.True(t, cfg.Delivery.InProcess)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, cfg.Delivery.Backoff)
	assert.Equal(t, 5, cfg.Capture.Capacity)
	assert.Equal(t, 10*time.Second, cfg.Monitoring.Alerts().HighLatencyThreshold)
	assert.Equal(t, "debug", cfg.Monitoring.Logger().Level)
}

func TestLoadFromBytes_EnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_UPSTREAM_URL", "http://backend.internal:9000")
	t.Setenv("GATEWAY_CUSTOM_API_KEY", "sk-override")
	t.Setenv("GATEWAY_TEST_PORT", "19000")

	cfg, err := config.LoadFromBytes([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, 19000, cfg.Server.Port)
	assert.Equal(t, "http://backend.internal:9000", cfg.Upstream.URL)
	assert.Equal(t, "sk-override", cfg.Endpoint.APIKey)
}

func TestValidate(t *testing.T) {
	base := func() *config.Config {
		cfg, err := config.LoadFromBytes([]byte(validYAML))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*config.Config)
		errMsg string
	}{
		{"missing port", func(c *config.Config) { c.Server.Port = 0 }, "server.port is required"},
		{"port range", func(c *config.Config) { c.Server.Port = 70000 }, "invalid server.port"},
		{"missing upstream", func(c *config.Config) { c.Upstream.URL = "" }, "upstream.url is required"},
		{"relative upstream", func(c *config.Config) { c.Upstream.URL = "backend:8000" }, "invalid upstream.url"},
		{"bad custom url", func(c *config.Config) { c.Endpoint.CustomURL = "/v1" }, "invalid endpoint.custom_url"},
		{"variants", func(c *config.Config) { c.Delivery.MaxVariants = 9 }, "delivery.max_variants"},
		{"token step", func(c *config.Config) { c.Delivery.TokenSteps = []int{1024, 0} }, "delivery.token_steps[1]"},
		{"empty marker", func(c *config.Config) { c.Intercept.StartMarkers = []string{""} }, "intercept.start_markers[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoad(t *testing.T) {
	_, err := config.Load("")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Delivery.AttemptCeiling)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
