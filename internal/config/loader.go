package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"frontdoor/internal/health"
	"frontdoor/pkg/errors"
)

// Loader loads configuration from file
type Loader struct {
	path       string
	envEnabled bool
}

// NewLoader creates a config loader
func NewLoader(path string) *Loader {
	return &Loader{
		path:       path,
		envEnabled: true,
	}
}

// WithEnvVars enables or disables environment variable overrides
func (l *Loader) WithEnvVars(enabled bool) *Loader {
	l.envEnabled = enabled
	return l
}

// Load reads the file over the built-in defaults, applies environment
// overrides and validates the result
func (l *Loader) Load() (*Config, error) {
	cfg, err := LoadDefault()
	if err != nil {
		return nil, errors.NewError(errors.ErrorTypeInternal, "failed to parse built-in defaults").WithCause(err)
	}

	if l.path != "" {
		data, err := os.ReadFile(l.path)
		if err != nil {
			return nil, errors.NewError(errors.ErrorTypeInvalidConfiguration, "failed to read config file").WithCause(err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && err != io.EOF {
			return nil, errors.NewError(errors.ErrorTypeInvalidConfiguration, "failed to parse config").WithCause(err)
		}
	}

	if l.envEnabled {
		if err := LoadEnv(cfg); err != nil {
			return nil, errors.NewError(errors.ErrorTypeInvalidConfiguration, "failed to load env vars").WithCause(err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load is shorthand for NewLoader(path).Load()
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Validate checks every section. Errors are InvalidConfiguration.
func Validate(cfg *Config) error {
	fd := &cfg.Frontdoor

	if fd.Listen.Address == "" {
		return invalid("listen.address is required")
	}
	if fd.Admin.Enabled && fd.Admin.Address == "" {
		return invalid("admin.address is required when admin is enabled")
	}

	if fd.Registry.FailureThreshold < 1 {
		return invalid("registry.failureThreshold must be at least 1")
	}
	if fd.Registry.EvictAfter != 0 && fd.Registry.EvictAfter < fd.Registry.FailureThreshold {
		return invalid("registry.evictAfter must be 0 or not below failureThreshold")
	}

	if fd.Probe.Interval <= 0 || fd.Probe.Timeout <= 0 {
		return invalid("probe.interval and probe.timeout must be positive")
	}
	if _, err := health.NewChecker(fd.Probe); err != nil {
		return err
	}

	if fd.Router.RequestTimeout <= 0 {
		return invalid("router.requestTimeout must be positive")
	}
	if fd.Router.CapacityPerReplica < 1 {
		return invalid("router.capacityPerReplica must be at least 1")
	}

	if fd.Autoscaler.Enabled {
		if err := fd.Autoscaler.Policy.Validate(); err != nil {
			return err
		}
		switch fd.Autoscaler.MetricSource {
		case MetricSourceInFlight:
		case MetricSourcePrometheus:
			if fd.Autoscaler.Prometheus.Address == "" || fd.Autoscaler.Prometheus.Query == "" {
				return invalid("autoscaler.prometheus.address and query are required for the prometheus metric source")
			}
		default:
			return invalid(fmt.Sprintf("unknown autoscaler.metricSource %q", fd.Autoscaler.MetricSource))
		}
	}

	return fd.Orchestrator.Validate()
}

// Warnings lists settings that are valid but likely mistakes
func Warnings(cfg *Config) []string {
	var out []string
	fd := &cfg.Frontdoor
	if fd.Probe.Type == health.CheckHTTP && fd.Probe.Path == "/" {
		out = append(out, "probe.path is \"/\": the root path often answers even when the application is broken")
	}
	if fd.Probe.Timeout >= fd.Probe.Interval {
		out = append(out, "probe.timeout is not shorter than probe.interval")
	}
	if !fd.Autoscaler.Enabled {
		out = append(out, "autoscaler is disabled")
	}
	return out
}

func invalid(msg string) error {
	return errors.NewError(errors.ErrorTypeInvalidConfiguration, msg)
}
