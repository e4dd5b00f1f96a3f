// Package static serves a fixed replica list and logs scale decisions
// without acting on them. It suits local runs and environments where
// replicas are managed by hand.
package static

import (
	"context"
	"log/slog"
	"sync"

	"frontdoor/internal/core"
	"frontdoor/pkg/errors"
)

// Replica is one configured backend
type Replica struct {
	ID       string            `yaml:"id"`
	Endpoint string            `yaml:"endpoint"`
	Labels   map[string]string `yaml:"labels"`
}

// Config represents static orchestrator configuration
type Config struct {
	Replicas []Replica `yaml:"replicas"`
}

// Validate checks every replica has an ID and endpoint and IDs are unique
func (c Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Replicas))
	for i, r := range c.Replicas {
		if r.ID == "" || r.Endpoint == "" {
			return errors.Errorf(errors.ErrorTypeInvalidConfiguration, "static replica %d needs id and endpoint", i)
		}
		if _, dup := seen[r.ID]; dup {
			return errors.Errorf(errors.ErrorTypeInvalidConfiguration, "duplicate static replica id %q", r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	return nil
}

// Source upserts the configured replicas once and holds until ctx ends
type Source struct {
	registry core.ReplicaWriter
	config   Config
	logger   *slog.Logger
}

// NewSource creates a static source
func NewSource(registry core.ReplicaWriter, config Config, logger *slog.Logger) (*Source, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		registry: registry,
		config:   config,
		logger:   logger.With("component", "static-source"),
	}, nil
}

// Run registers the replicas and waits for ctx
func (s *Source) Run(ctx context.Context) error {
	for _, r := range s.config.Replicas {
		if err := s.registry.Upsert(core.Replica{ID: r.ID, Endpoint: r.Endpoint, Labels: r.Labels}); err != nil {
			return err
		}
	}
	s.logger.Info("Static replicas registered", "count", len(s.config.Replicas))

	<-ctx.Done()
	return nil
}

// LogScaler records decisions without delivering them anywhere
type LogScaler struct {
	logger *slog.Logger

	mu   sync.Mutex
	last *core.ScaleDecision
}

// NewLogScaler creates a scaler that only logs
func NewLogScaler(logger *slog.Logger) *LogScaler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogScaler{logger: logger.With("component", "log-scaler")}
}

func (s *LogScaler) Scale(ctx context.Context, d core.ScaleDecision) error {
	s.mu.Lock()
	s.last = &d
	s.mu.Unlock()

	s.logger.Info("Scale decision (not applied)",
		"desired", d.Desired,
		"previous", d.Previous,
		"reason", d.Reason,
	)
	return nil
}

func (s *LogScaler) lastDecision() (core.ScaleDecision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return core.ScaleDecision{}, false
	}
	return *s.last, true
}
