package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"frontdoor/internal/health"
	"frontdoor/internal/orchestrator"
	fderrors "frontdoor/pkg/errors"
)

const minimalYAML = `
frontdoor:
  probe:
    path: /api/topics
  autoscaler:
    policy:
      maxReplicas: 5
  orchestrator:
    static:
      replicas:
        - id: quiz-1
          endpoint: 10.0.0.1:8000
        - id: quiz-2
          endpoint: 10.0.0.2:8000
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "frontdoor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := NewLoader(writeConfig(t, minimalYAML)).WithEnvVars(false).Load()
	require.NoError(t, err)
	return cfg
}

func TestLoad_MergesOverDefaults(t *testing.T) {
	cfg := validConfig(t)
	fd := cfg.Frontdoor

	assert.Equal(t, ":8080", fd.Listen.Address)
	assert.Equal(t, 15*time.Second, fd.Listen.ShutdownTimeout)
	assert.Equal(t, 3, fd.Registry.FailureThreshold)
	assert.Equal(t, "/api/topics", fd.Probe.Path)
	assert.Equal(t, health.CheckHTTP, fd.Probe.Type)
	assert.Equal(t, 10*time.Second, fd.Probe.Interval)
	assert.Equal(t, 2*time.Second, fd.Probe.Timeout)
	assert.Equal(t, 10, fd.Router.CapacityPerReplica)
	assert.Equal(t, 5*time.Second, fd.Router.RequestTimeout)

	assert.True(t, fd.Autoscaler.Enabled)
	assert.Equal(t, MetricSourceInFlight, fd.Autoscaler.MetricSource)
	assert.Equal(t, 2, fd.Autoscaler.Policy.MinReplicas)
	assert.Equal(t, 5, fd.Autoscaler.Policy.MaxReplicas)
	assert.Equal(t, 3, fd.Autoscaler.Policy.Cooldown)
	assert.InDelta(t, 0.7, fd.Autoscaler.Policy.ScaleUpThreshold, 1e-9)
	assert.Equal(t, 3, fd.Autoscaler.Delivery.MaxAttempts)

	assert.Equal(t, orchestrator.TypeStatic, fd.Orchestrator.Source)
	assert.Equal(t, orchestrator.TypeLog, fd.Orchestrator.Scaler)
	require.Len(t, fd.Orchestrator.Static.Replicas, 2)
	assert.Equal(t, "quiz-2", fd.Orchestrator.Static.Replicas[1].ID)
	assert.Equal(t, "frontdoor:desired", fd.Orchestrator.Redis.Key)
	assert.Equal(t, "frontdoor", fd.Telemetry.Service)
}

func TestLoadDefault_RequiresProbePath(t *testing.T) {
	cfg, err := LoadDefault()
	require.NoError(t, err)

	err = Validate(cfg)
	require.Error(t, err)
	assert.True(t, fderrors.Is(err, fderrors.ErrInvalidConfiguration))
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
		assert.True(t, fderrors.Is(err, fderrors.ErrInvalidConfiguration))
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := NewLoader(writeConfig(t, minimalYAML+"  bogus: true\n")).WithEnvVars(false).Load()
		require.Error(t, err)
		assert.True(t, fderrors.Is(err, fderrors.ErrInvalidConfiguration))
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := NewLoader(writeConfig(t, "frontdoor: [")).WithEnvVars(false).Load()
		require.Error(t, err)
	})

	t.Run("empty file falls back to defaults and fails validation", func(t *testing.T) {
		_, err := NewLoader(writeConfig(t, "")).WithEnvVars(false).Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "explicit path")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(fd *Frontdoor)
	}{
		{"empty listen address", func(fd *Frontdoor) { fd.Listen.Address = "" }},
		{"admin without address", func(fd *Frontdoor) { fd.Admin.Address = "" }},
		{"zero failure threshold", func(fd *Frontdoor) { fd.Registry.FailureThreshold = 0 }},
		{"evict before unhealthy", func(fd *Frontdoor) { fd.Registry.EvictAfter = 1 }},
		{"empty probe path", func(fd *Frontdoor) { fd.Probe.Path = "" }},
		{"unknown probe type", func(fd *Frontdoor) { fd.Probe.Type = "icmp" }},
		{"zero probe interval", func(fd *Frontdoor) { fd.Probe.Interval = 0 }},
		{"zero request timeout", func(fd *Frontdoor) { fd.Router.RequestTimeout = 0 }},
		{"zero capacity", func(fd *Frontdoor) { fd.Router.CapacityPerReplica = 0 }},
		{"max below min", func(fd *Frontdoor) { fd.Autoscaler.Policy.MaxReplicas = 1 }},
		{"inverted thresholds", func(fd *Frontdoor) { fd.Autoscaler.Policy.ScaleDownThreshold = 0.9 }},
		{"unknown metric source", func(fd *Frontdoor) { fd.Autoscaler.MetricSource = "statsd" }},
		{"prometheus without query", func(fd *Frontdoor) {
			fd.Autoscaler.MetricSource = MetricSourcePrometheus
			fd.Autoscaler.Prometheus.Address = "http://prometheus:9090"
		}},
		{"unknown orchestrator source", func(fd *Frontdoor) { fd.Orchestrator.Source = "nomad" }},
		{"kubernetes scaler without deployment", func(fd *Frontdoor) { fd.Orchestrator.Scaler = orchestrator.TypeKubernetes }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(&cfg.Frontdoor)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Equal(t, fderrors.ErrorTypeInvalidConfiguration, fderrors.TypeOf(err))
		})
	}

	t.Run("disabled autoscaler skips policy", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.Frontdoor.Autoscaler.Enabled = false
		cfg.Frontdoor.Autoscaler.Policy.MaxReplicas = 0
		assert.NoError(t, Validate(cfg))
	})

	t.Run("tcp probe needs no path", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.Frontdoor.Probe.Type = health.CheckTCP
		cfg.Frontdoor.Probe.Path = ""
		assert.NoError(t, Validate(cfg))
	})
}

func TestWarnings(t *testing.T) {
	cfg := validConfig(t)
	assert.Empty(t, Warnings(cfg))

	cfg.Frontdoor.Probe.Path = "/"
	cfg.Frontdoor.Probe.Timeout = cfg.Frontdoor.Probe.Interval
	cfg.Frontdoor.Autoscaler.Enabled = false

	warnings := Warnings(cfg)
	require.Len(t, warnings, 3)
	assert.Contains(t, warnings[0], "probe.path")
	assert.Contains(t, warnings[1], "probe.timeout")
	assert.Contains(t, warnings[2], "autoscaler")
}
