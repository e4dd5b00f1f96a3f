package config

import (
	"time"

	"frontdoor/internal/autoscaler"
	"frontdoor/internal/health"
	"frontdoor/internal/orchestrator"
	"frontdoor/internal/registry"
	"frontdoor/internal/retry"
	"frontdoor/internal/router"
	"frontdoor/internal/telemetry"
)

// Config holds frontdoor configuration
type Config struct {
	Frontdoor Frontdoor `yaml:"frontdoor"`
}

// Frontdoor configuration
type Frontdoor struct {
	Listen       Listen              `yaml:"listen"`
	Admin        Admin               `yaml:"admin"`
	Registry     registry.Config     `yaml:"registry"`
	Probe        health.Config       `yaml:"probe"`
	Router       router.Config       `yaml:"router"`
	Autoscaler   Autoscaler          `yaml:"autoscaler"`
	Orchestrator orchestrator.Config `yaml:"orchestrator"`
	Telemetry    telemetry.Config    `yaml:"telemetry"`
}

// Listen configures the traffic entry point
type Listen struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// Admin configures the management API
type Admin struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Metric sources for the autoscaler
const (
	MetricSourceInFlight   = "inflight"
	MetricSourcePrometheus = "prometheus"
)

// Autoscaler configuration
type Autoscaler struct {
	Enabled bool `yaml:"enabled"`
	// MetricSource is inflight or prometheus
	MetricSource string                      `yaml:"metricSource"`
	Policy       autoscaler.Policy           `yaml:"policy"`
	Prometheus   autoscaler.PrometheusConfig `yaml:"prometheus"`
	Delivery     retry.Config                `yaml:"delivery"`
}
