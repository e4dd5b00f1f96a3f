package autoscaler

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"frontdoor/internal/core"
	"frontdoor/pkg/errors"
)

// PrometheusConfig configures the external utilization query
type PrometheusConfig struct {
	Address string        `yaml:"address"`
	Query   string        `yaml:"query"`
	Timeout time.Duration `yaml:"timeout"`
}

// PrometheusSource samples utilization from a PromQL query. The query must
// yield a scalar or a single-element vector holding the utilization ratio.
// Replica counts come from the registry.
type PrometheusSource struct {
	api      promv1.API
	query    string
	timeout  time.Duration
	replicas core.ReplicaReader
	logger   *slog.Logger
	now      func() time.Time
}

// NewPrometheusSource creates a load source backed by the Prometheus HTTP API
func NewPrometheusSource(config PrometheusConfig, replicas core.ReplicaReader, logger *slog.Logger) (*PrometheusSource, error) {
	if config.Address == "" || config.Query == "" {
		return nil, errors.NewError(errors.ErrorTypeInvalidConfiguration, "prometheus load source needs address and query")
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := api.NewClient(api.Config{Address: config.Address})
	if err != nil {
		return nil, errors.NewError(errors.ErrorTypeInvalidConfiguration, "invalid prometheus address").WithCause(err)
	}

	return &PrometheusSource{
		api:      promv1.NewAPI(client),
		query:    config.Query,
		timeout:  config.Timeout,
		replicas: replicas,
		logger:   logger.With("component", "prometheus-source"),
		now:      time.Now,
	}, nil
}

// Sample runs the query and combines it with the healthy replica count
func (s *PrometheusSource) Sample(ctx context.Context) (core.LoadSample, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := s.now()
	value, warnings, err := s.api.Query(ctx, s.query, now)
	if err != nil {
		return core.LoadSample{}, errors.NewError(errors.ErrorTypeInternal, "prometheus query failed").WithCause(err)
	}
	for _, w := range warnings {
		s.logger.Warn("Prometheus query warning", "warning", w)
	}

	util, err := scalarOf(value)
	if err != nil {
		return core.LoadSample{}, err
	}

	healthy := s.replicas.HealthyReplicas()
	sample := core.LoadSample{
		Timestamp:   now,
		Utilization: util,
		Replicas:    len(healthy),
		Current:     core.PoolSize(s.replicas.List()),
	}
	for _, rep := range healthy {
		sample.InFlight += rep.InFlight
	}
	return sample, nil
}

func scalarOf(value model.Value) (float64, error) {
	switch v := value.(type) {
	case nil:
		return 0, errors.NewError(errors.ErrorTypeInternal, "utilization query returned no result")
	case *model.Scalar:
		return float64(v.Value), nil
	case model.Vector:
		if len(v) != 1 {
			return 0, errors.Errorf(errors.ErrorTypeInternal, "utilization query returned %d series, want 1", len(v))
		}
		return float64(v[0].Value), nil
	default:
		return 0, errors.Errorf(errors.ErrorTypeInternal, "unsupported utilization result type %s", value.Type())
	}
}
