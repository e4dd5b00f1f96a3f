// Package orchestrator selects the collaborators that discover replicas and
// receive scale decisions.
package orchestrator

import (
	"log/slog"

	k8s "k8s.io/client-go/kubernetes"

	"frontdoor/internal/core"
	"frontdoor/internal/orchestrator/kubernetes"
	"frontdoor/internal/orchestrator/redis"
	"frontdoor/internal/orchestrator/static"
	"frontdoor/pkg/errors"
)

// Source and scaler types
const (
	TypeStatic     = "static"
	TypeKubernetes = "kubernetes"
	TypeRedis      = "redis"
	TypeLog        = "log"
)

// Config selects and configures the orchestrator collaborators
type Config struct {
	// Source is static or kubernetes
	Source string `yaml:"source"`
	// Scaler is log, kubernetes or redis
	Scaler     string            `yaml:"scaler"`
	Static     static.Config     `yaml:"static"`
	Kubernetes kubernetes.Config `yaml:"kubernetes"`
	Redis      redis.Config      `yaml:"redis"`
}

// DefaultConfig returns the default orchestrator configuration
func DefaultConfig() Config {
	return Config{
		Source: TypeStatic,
		Scaler: TypeLog,
	}
}

// Validate checks the selected types
func (c Config) Validate() error {
	switch c.Source {
	case TypeStatic:
		if err := c.Static.Validate(); err != nil {
			return err
		}
	case TypeKubernetes:
		if c.Kubernetes.Service == "" {
			return errors.NewError(errors.ErrorTypeInvalidConfiguration, "orchestrator.kubernetes.service is required")
		}
	default:
		return errors.Errorf(errors.ErrorTypeInvalidConfiguration, "unknown orchestrator source %q", c.Source)
	}

	switch c.Scaler {
	case TypeLog, TypeRedis:
	case TypeKubernetes:
		if c.Kubernetes.Deployment == "" {
			return errors.NewError(errors.ErrorTypeInvalidConfiguration, "orchestrator.kubernetes.deployment is required")
		}
	default:
		return errors.Errorf(errors.ErrorTypeInvalidConfiguration, "unknown orchestrator scaler %q", c.Scaler)
	}
	return nil
}

// Orchestrator bundles the selected source and scaler
type Orchestrator struct {
	Source core.ReplicaSource
	Scaler core.Scaler
	closer func() error
}

// Close releases client resources
func (o *Orchestrator) Close() error {
	if o.closer == nil {
		return nil
	}
	return o.closer()
}

// New builds the configured collaborators. client may be nil, in which
// case one is created from the kubernetes config when needed.
func New(config Config, writer core.ReplicaWriter, client k8s.Interface, logger *slog.Logger) (*Orchestrator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	needsCluster := config.Source == TypeKubernetes || config.Scaler == TypeKubernetes
	if needsCluster && client == nil {
		var err error
		if client, err = kubernetes.NewClient(config.Kubernetes.Kubeconfig); err != nil {
			return nil, err
		}
	}

	o := &Orchestrator{}

	switch config.Source {
	case TypeKubernetes:
		src, err := kubernetes.NewSource(client, writer, config.Kubernetes, logger)
		if err != nil {
			return nil, err
		}
		o.Source = src
	default:
		src, err := static.NewSource(writer, config.Static, logger)
		if err != nil {
			return nil, err
		}
		o.Source = src
	}

	switch config.Scaler {
	case TypeKubernetes:
		sc, err := kubernetes.NewScaler(client, config.Kubernetes, logger)
		if err != nil {
			return nil, err
		}
		o.Scaler = sc
	case TypeRedis:
		sc := redis.NewScaler(config.Redis, logger)
		o.Scaler = sc
		o.closer = sc.Close
	default:
		o.Scaler = static.NewLogScaler(logger)
	}

	logger.Info("Orchestrator configured", "source", config.Source, "scaler", config.Scaler)
	return o, nil
}
