// Package autoscaler computes desired replica counts from load samples and
// delivers them to the orchestrator as declarative scale decisions.
package autoscaler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"frontdoor/internal/core"
	"frontdoor/internal/retry"
	"frontdoor/pkg/errors"
	"frontdoor/pkg/metrics"
)

// Status is a point-in-time view of the autoscaler
type Status struct {
	Policy       Policy              `json:"policy"`
	LastSample   *core.LoadSample    `json:"lastSample,omitempty"`
	LastDecision *core.ScaleDecision `json:"lastDecision,omitempty"`
	Pending      *core.ScaleDecision `json:"pending,omitempty"`
	LowStreak    int                 `json:"lowStreak"`
}

// Autoscaler runs the evaluation loop
type Autoscaler struct {
	source  core.LoadSource
	scaler  core.Scaler
	retrier *retry.Retrier
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu        sync.Mutex
	policy    Policy
	evaluator *Evaluator
	sample    *core.LoadSample
	last      *core.ScaleDecision
	pending   *core.ScaleDecision

	reload chan struct{}
}

// New creates an autoscaler. The policy must validate.
func New(source core.LoadSource, scaler core.Scaler, policy Policy, delivery retry.Config, m *metrics.Metrics, logger *slog.Logger) (*Autoscaler, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "autoscaler")

	a := &Autoscaler{
		source:    source,
		scaler:    scaler,
		metrics:   m,
		logger:    logger,
		policy:    policy,
		evaluator: NewEvaluator(policy),
		reload:    make(chan struct{}, 1),
	}
	a.retrier = retry.New(delivery, retry.WithNotify(func(attempt int, err error, delay time.Duration) {
		logger.Warn("Scale decision delivery failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}))
	return a, nil
}

// Run evaluates on every policy interval until ctx is canceled
func (a *Autoscaler) Run(ctx context.Context) error {
	interval := a.Policy().Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.Info("Autoscaler started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Autoscaler stopped")
			return nil
		case <-a.reload:
			if next := a.Policy().Interval; next != interval {
				interval = next
				ticker.Reset(interval)
				a.logger.Info("Evaluation interval changed", "interval", interval)
			}
		case <-ticker.C:
			// Failures are logged and counted inside Evaluate; the loop keeps going.
			_ = a.Evaluate(ctx)
		}
	}
}

// Evaluate runs one cycle: sample, decide, deliver. A decision that could
// not be delivered stays pending and is resent on the next cycle unless a
// newer decision replaces it.
func (a *Autoscaler) Evaluate(ctx context.Context) error {
	sample, err := a.source.Sample(ctx)
	if err != nil {
		a.logger.Warn("Failed to sample load", "error", err)
		return err
	}
	a.readCurrent(ctx, &sample)

	a.mu.Lock()
	a.sample = &sample
	decision, ok := a.evaluator.Evaluate(sample)
	if ok {
		a.pending = &decision
	}
	pending := a.pending
	streak := a.evaluator.LowStreak()
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.Utilization.Set(sample.Utilization)
	}
	a.logger.Debug("Evaluated load",
		"utilization", sample.Utilization,
		"current", sample.Current,
		"healthy", sample.Replicas,
		"inFlight", sample.InFlight,
		"lowStreak", streak,
	)

	if pending == nil {
		return nil
	}
	return a.deliver(ctx, *pending)
}

// readCurrent replaces the sampled pool size with the orchestrator's own
// count when the scaler can report one. On failure the sampled count stays.
func (a *Autoscaler) readCurrent(ctx context.Context, sample *core.LoadSample) {
	counter, ok := a.scaler.(core.ReplicaCounter)
	if !ok {
		return
	}
	n, err := counter.Current(ctx)
	if err != nil {
		a.logger.Warn("Failed to read replica count from orchestrator, using registry membership",
			"current", sample.Current,
			"error", err,
		)
		return
	}
	sample.Current = n
}

func (a *Autoscaler) deliver(ctx context.Context, d core.ScaleDecision) error {
	err := a.retrier.Do(ctx, func(ctx context.Context) error {
		return a.scaler.Scale(ctx, d)
	})
	if err != nil {
		if a.metrics != nil {
			a.metrics.DeliveryFailures.Inc()
		}
		a.logger.Error("Scale decision not delivered, will resend",
			"desired", d.Desired,
			"previous", d.Previous,
			"error", err,
		)
		return errors.NewError(errors.ErrorTypeOrchestratorUnavailable, "scale decision not delivered").
			WithCause(err).
			WithDetail("desired", d.Desired)
	}

	a.mu.Lock()
	a.last = &d
	if a.pending != nil && *a.pending == d {
		a.pending = nil
	}
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.DesiredReplicas.Set(float64(d.Desired))
		a.metrics.ScaleDecisions.WithLabelValues(direction(d)).Inc()
	}
	a.logger.Info("Scale decision delivered",
		"desired", d.Desired,
		"previous", d.Previous,
		"reason", d.Reason,
	)
	return nil
}

// UpdatePolicy swaps the policy at runtime. The evaluation interval takes
// effect on the next tick.
func (a *Autoscaler) UpdatePolicy(policy Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	a.policy = policy
	a.evaluator.SetPolicy(policy)
	a.mu.Unlock()

	select {
	case a.reload <- struct{}{}:
	default:
	}
	a.logger.Info("Autoscaler policy updated",
		"min", policy.MinReplicas,
		"max", policy.MaxReplicas,
		"up", policy.ScaleUpThreshold,
		"down", policy.ScaleDownThreshold,
		"cooldown", policy.Cooldown,
	)
	return nil
}

// Policy returns the active policy
func (a *Autoscaler) Policy() Policy {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.policy
}

// Status returns the current policy, last sample and decisions
func (a *Autoscaler) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{
		Policy:       a.policy,
		LastSample:   clonePtr(a.sample),
		LastDecision: clonePtr(a.last),
		Pending:      clonePtr(a.pending),
		LowStreak:    a.evaluator.LowStreak(),
	}
}

func direction(d core.ScaleDecision) string {
	if d.Desired > d.Previous {
		return "up"
	}
	return "down"
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
