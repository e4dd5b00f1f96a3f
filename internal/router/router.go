package router

import (
	"context"
	"log/slog"
	"time"

	"frontdoor/internal/core"
	"frontdoor/pkg/errors"
	"frontdoor/pkg/metrics"
)

// Config holds routing configuration
type Config struct {
	// RequestTimeout bounds the backend call for one request
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	// CapacityPerReplica is the in-flight count treated as full utilization
	// of one replica when computing load samples
	CapacityPerReplica int `yaml:"capacityPerReplica"`
	// BackendScheme is the scheme used to reach replicas
	BackendScheme string `yaml:"backendScheme"`
}

// DefaultConfig returns the default routing configuration
func DefaultConfig() Config {
	return Config{
		RequestTimeout:     5 * time.Second,
		CapacityPerReplica: 10,
		BackendScheme:      "http",
	}
}

// Pool is the registry surface the router reads from. Acquire is the only
// way the router touches replica state.
type Pool interface {
	HealthyReplicas() []core.Replica
	List() []core.Replica
	Acquire(id string) (func(), error)
}

// Router selects the least loaded healthy replica for each request
type Router struct {
	pool    Pool
	config  Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewRouter creates a router over pool
func NewRouter(pool Pool, config Config, m *metrics.Metrics, logger *slog.Logger) *Router {
	defaults := DefaultConfig()
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.CapacityPerReplica <= 0 {
		config.CapacityPerReplica = defaults.CapacityPerReplica
	}
	if config.BackendScheme == "" {
		config.BackendScheme = defaults.BackendScheme
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Router{
		pool:    pool,
		config:  config,
		metrics: m,
		logger:  logger.With("component", "router"),
		now:     time.Now,
	}
}

// Lease is an admitted request on a replica. Release must be called when
// the request completes, whatever its outcome.
type Lease struct {
	Replica core.Replica
	release func()
}

// Release returns the in-flight slot. Safe to call more than once.
func (l *Lease) Release() {
	if l != nil && l.release != nil {
		l.release()
	}
}

// Route picks a replica and reserves an in-flight slot on it. It never
// waits: with no routable replica it fails immediately with
// NoHealthyBackend.
func (r *Router) Route(ctx context.Context) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewError(errors.ErrorTypeRequestTimeout, "request canceled before routing").WithCause(err)
	}

	candidates := r.pool.HealthyReplicas()
	for len(candidates) > 0 {
		idx := SelectLeastInFlight(candidates)
		if idx < 0 {
			break
		}
		chosen := candidates[idx]

		release, err := r.pool.Acquire(chosen.ID)
		if err == nil {
			chosen.InFlight++
			return &Lease{Replica: chosen, release: release}, nil
		}

		// The replica left rotation after the snapshot was taken.
		r.logger.Debug("Replica no longer routable", "replica", chosen.ID, "error", err)
		candidates = append(candidates[:idx:idx], candidates[idx+1:]...)
	}

	if r.metrics != nil {
		r.metrics.RouteErrors.WithLabelValues(string(errors.ErrorTypeNoHealthyBackend)).Inc()
	}
	return nil, errors.NewError(errors.ErrorTypeNoHealthyBackend, "no healthy backend available")
}

// Sample reports mean utilization across the healthy replicas. Current
// counts every pool member, so unhealthy replicas still count as running.
func (r *Router) Sample(ctx context.Context) (core.LoadSample, error) {
	healthy := r.pool.HealthyReplicas()
	sample := core.LoadSample{
		Timestamp: r.now(),
		Replicas:  len(healthy),
		Current:   core.PoolSize(r.pool.List()),
	}
	for _, rep := range healthy {
		sample.InFlight += rep.InFlight
	}
	if len(healthy) > 0 {
		sample.Utilization = float64(sample.InFlight) / float64(len(healthy)*r.config.CapacityPerReplica)
	}
	return sample, nil
}

// SelectLeastInFlight returns the index of the healthy replica with the
// fewest in-flight requests, ties broken by lowest ID, or -1.
func SelectLeastInFlight(replicas []core.Replica) int {
	best := -1
	for i := range replicas {
		rep := &replicas[i]
		if !rep.Routable() {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		cur := &replicas[best]
		if rep.InFlight < cur.InFlight || (rep.InFlight == cur.InFlight && rep.ID < cur.ID) {
			best = i
		}
	}
	return best
}
