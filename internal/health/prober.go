package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"frontdoor/internal/core"
	"frontdoor/pkg/errors"
	"frontdoor/pkg/metrics"
)

// Config holds health probe configuration
type Config struct {
	// Type is one of http, tcp or grpc
	Type string `yaml:"type"`
	// Path is the HTTP health path. It must name a real endpoint of the
	// backend; it is never inferred.
	Path        string        `yaml:"path"`
	Scheme      string        `yaml:"scheme"`
	GRPCService string        `yaml:"grpcService"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DefaultConfig returns probe defaults. Path is deliberately left empty.
func DefaultConfig() Config {
	return Config{
		Type:     CheckHTTP,
		Scheme:   "http",
		Interval: 10 * time.Second,
		Timeout:  2 * time.Second,
	}
}

// Target is the registry surface the prober needs
type Target interface {
	List() []core.Replica
	Get(id string) (core.Replica, error)
	Record(result core.ProbeResult) error
	Subscribe(buffer int) (<-chan core.Event, func())
}

// Prober runs one independent probing task per replica
type Prober struct {
	target  Target
	checker Checker
	config  Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu    sync.Mutex
	tasks map[string]*task
	wg    sync.WaitGroup
}

type task struct {
	cancel context.CancelFunc
}

// NewProber creates a prober for the replicas known to target
func NewProber(target Target, checker Checker, config Config, m *metrics.Metrics, logger *slog.Logger) *Prober {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Type == "" {
		config.Type = defaults.Type
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Prober{
		target:  target,
		checker: checker,
		config:  config,
		metrics: m,
		logger:  logger.With("component", "prober"),
		tasks:   make(map[string]*task),
	}
}

// Run probes until ctx is done. Tasks are started and stopped as replicas
// come and go; a periodic reconcile covers events dropped under load.
func (p *Prober) Run(ctx context.Context) error {
	events, unsubscribe := p.target.Subscribe(256)
	defer unsubscribe()

	p.reconcile(ctx)
	p.logger.Info("Prober started",
		"type", p.config.Type,
		"path", p.config.Path,
		"interval", p.config.Interval,
		"timeout", p.config.Timeout,
	)

	resync := time.NewTicker(p.config.Interval)
	defer resync.Stop()

	for {
		select {
		case <-ctx.Done():
			p.stopAll()
			p.logger.Info("Prober stopped")
			return nil
		case ev, ok := <-events:
			if !ok {
				p.stopAll()
				return nil
			}
			switch ev.Type {
			case core.EventAdded:
				p.start(ctx, ev.ReplicaID)
			case core.EventRemoved, core.EventEvicted:
				p.stop(ev.ReplicaID)
			}
		case <-resync.C:
			p.reconcile(ctx)
		}
	}
}

// Active returns the number of running probe tasks
func (p *Prober) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

func (p *Prober) reconcile(ctx context.Context) {
	known := make(map[string]struct{})
	for _, rep := range p.target.List() {
		known[rep.ID] = struct{}{}
		p.start(ctx, rep.ID)
	}

	p.mu.Lock()
	var stale []string
	for id := range p.tasks {
		if _, ok := known[id]; !ok {
			stale = append(stale, id)
		}
	}
	p.mu.Unlock()

	for _, id := range stale {
		p.stop(id)
	}
}

func (p *Prober) start(ctx context.Context, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, running := p.tasks[id]; running {
		return
	}
	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel}
	p.tasks[id] = t

	p.wg.Add(1)
	go p.probeLoop(taskCtx, id, t)
}

func (p *Prober) stop(id string) {
	p.mu.Lock()
	t, ok := p.tasks[id]
	delete(p.tasks, id)
	p.mu.Unlock()

	if ok {
		t.cancel()
	}
}

func (p *Prober) stopAll() {
	p.mu.Lock()
	for id, t := range p.tasks {
		t.cancel()
		delete(p.tasks, id)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// probeLoop probes a single replica on its own ticker
func (p *Prober) probeLoop(ctx context.Context, id string, t *task) {
	defer p.wg.Done()
	defer p.forget(id, t)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	if !p.probeOnce(ctx, id) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.probeOnce(ctx, id) {
				return
			}
		}
	}
}

// probeOnce reports false when the replica is gone and the task should end
func (p *Prober) probeOnce(ctx context.Context, id string) bool {
	replica, err := p.target.Get(id)
	if err != nil {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	start := time.Now()
	checkErr := p.checker.Check(probeCtx, replica)
	latency := time.Since(start)
	cancel()

	if ctx.Err() != nil {
		// Shutdown or removal; do not record a failure caused by cancellation.
		return false
	}

	p.observe(latency, checkErr)
	if checkErr != nil {
		p.logger.Debug("Health check failed",
			"replica", id,
			"endpoint", replica.Endpoint,
			"error", checkErr,
		)
	}

	err = p.target.Record(core.ProbeResult{
		ReplicaID: id,
		Success:   checkErr == nil,
		Latency:   latency,
		Timestamp: start,
		Err:       checkErr,
	})
	if errors.Is(err, errors.ErrNotFound) {
		return false
	}
	return true
}

// forget clears the task entry of a loop that ended on its own, unless a
// newer task for the same replica has replaced it
func (p *Prober) forget(id string, t *task) {
	t.cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tasks[id] == t {
		delete(p.tasks, id)
	}
}

func (p *Prober) observe(latency time.Duration, err error) {
	if p.metrics == nil {
		return
	}
	p.metrics.ProbeDuration.WithLabelValues(p.config.Type).Observe(latency.Seconds())
	result := "success"
	if err != nil {
		result = string(errors.TypeOf(err))
	}
	p.metrics.ProbeResults.WithLabelValues(result).Inc()
}
