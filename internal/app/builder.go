package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	k8s "k8s.io/client-go/kubernetes"

	"frontdoor/internal/autoscaler"
	"frontdoor/internal/config"
	"frontdoor/internal/core"
	"frontdoor/internal/health"
	"frontdoor/internal/management"
	"frontdoor/internal/middleware"
	"frontdoor/internal/orchestrator"
	"frontdoor/internal/registry"
	"frontdoor/internal/router"
	"frontdoor/internal/telemetry"
	"frontdoor/pkg/metrics"
)

// Builder builds the frontdoor application
type Builder struct {
	config     *config.Config
	configPath string
	logger     *slog.Logger
	registry   *prometheus.Registry
	kube       k8s.Interface
}

// NewBuilder creates a new application builder
func NewBuilder(cfg *config.Config, logger *slog.Logger) *Builder {
	return &Builder{
		config: cfg,
		logger: logger,
	}
}

// WithConfigPath enables hot reload of the given file
func (b *Builder) WithConfigPath(path string) *Builder {
	b.configPath = path
	return b
}

// WithPrometheusRegistry registers metrics on reg instead of the global
// registry and serves them from it.
func (b *Builder) WithPrometheusRegistry(reg *prometheus.Registry) *Builder {
	b.registry = reg
	return b
}

// WithKubernetesClient injects the cluster client used by the kubernetes
// source and scaler.
func (b *Builder) WithKubernetesClient(client k8s.Interface) *Builder {
	b.kube = client
	return b
}

// Build constructs the server. The configuration is validated again here
// so a Builder can be fed a hand-made Config. On failure everything opened
// so far is released.
func (b *Builder) Build(ctx context.Context) (_ *Server, err error) {
	if err := config.Validate(b.config); err != nil {
		return nil, err
	}
	fd := b.config.Frontdoor
	for _, warning := range config.Warnings(b.config) {
		b.logger.Warn("Configuration warning", "warning", warning)
	}

	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if b.registry != nil {
		registerer, gatherer = b.registry, b.registry
	}
	m := metrics.NewWithRegistry(registerer)

	tel, err := telemetry.New(ctx, fd.Telemetry, b.logger)
	if err != nil {
		return nil, fmt.Errorf("creating telemetry: %w", err)
	}
	var orch *orchestrator.Orchestrator
	defer func() {
		if err == nil {
			return
		}
		if orch != nil {
			if cerr := orch.Close(); cerr != nil {
				b.logger.Warn("Failed to close orchestrator clients", "error", cerr)
			}
		}
		if serr := tel.Shutdown(context.Background()); serr != nil {
			b.logger.Warn("Failed to shut down telemetry", "error", serr)
		}
	}()

	reg := registry.New(fd.Registry, m, b.logger)

	checker, err := health.NewChecker(fd.Probe)
	if err != nil {
		return nil, fmt.Errorf("creating health checker: %w", err)
	}
	prober := health.NewProber(reg, checker, fd.Probe, m, b.logger)

	rt := router.NewRouter(reg, fd.Router, m, b.logger)
	proxy := router.NewProxy(rt, m, b.logger, tel.TracerProvider())

	orch, err = orchestrator.New(fd.Orchestrator, reg, b.kube, b.logger)
	if err != nil {
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}

	var scaler *autoscaler.Autoscaler
	if fd.Autoscaler.Enabled {
		var source core.LoadSource = rt
		if fd.Autoscaler.MetricSource == config.MetricSourcePrometheus {
			source, err = autoscaler.NewPrometheusSource(fd.Autoscaler.Prometheus, reg, b.logger)
			if err != nil {
				return nil, fmt.Errorf("creating prometheus load source: %w", err)
			}
		}
		scaler, err = autoscaler.New(source, orch.Scaler, fd.Autoscaler.Policy, fd.Autoscaler.Delivery, m, b.logger)
		if err != nil {
			return nil, fmt.Errorf("creating autoscaler: %w", err)
		}
	}

	var admin *management.API
	if fd.Admin.Enabled {
		opts := []management.Option{management.WithGatherer(gatherer), management.WithProber(prober)}
		if scaler != nil {
			opts = append(opts, management.WithAutoscaler(scaler))
		}
		admin = management.NewAPI(fd.Admin.Address, reg, b.logger, opts...)
	}

	s := &Server{
		config:       b.config,
		logger:       b.logger,
		telemetry:    tel,
		registry:     reg,
		prober:       prober,
		orchestrator: orch,
		autoscaler:   scaler,
		admin:        admin,
	}

	if b.configPath != "" {
		s.watcher, err = config.NewWatcher(b.configPath, &config.WatcherConfig{
			DebounceDuration: config.DefaultWatcherConfig().DebounceDuration,
			OnChange:         s.applyConfig,
		}, b.logger)
		if err != nil {
			return nil, fmt.Errorf("creating config watcher: %w", err)
		}
	}

	s.http = &http.Server{
		Addr:         fd.Listen.Address,
		Handler:      middleware.Chain(middleware.Recovery(b.logger), middleware.Logging(b.logger))(proxy),
		ReadTimeout:  fd.Listen.ReadTimeout,
		WriteTimeout: fd.Listen.WriteTimeout,
		IdleTimeout:  fd.Listen.IdleTimeout,
	}

	return s, nil
}
