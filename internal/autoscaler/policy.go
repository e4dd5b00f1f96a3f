package autoscaler

import (
	"math"
	"time"

	"frontdoor/internal/core"
	"frontdoor/pkg/errors"
)

// Policy is the scaling policy. All thresholds are utilization ratios.
type Policy struct {
	Interval           time.Duration `yaml:"interval" json:"interval"`
	ScaleUpThreshold   float64       `yaml:"scaleUpThreshold" json:"scaleUpThreshold"`
	ScaleDownThreshold float64       `yaml:"scaleDownThreshold" json:"scaleDownThreshold"`
	TargetUtilization  float64       `yaml:"targetUtilization" json:"targetUtilization"`
	MinReplicas        int           `yaml:"minReplicas" json:"minReplicas"`
	MaxReplicas        int           `yaml:"maxReplicas" json:"maxReplicas"`
	// Cooldown is the number of consecutive low evaluations required
	// before a scale-down is emitted
	Cooldown int `yaml:"cooldown" json:"cooldown"`
}

// DefaultPolicy returns the default policy. MaxReplicas has no default and
// must be configured.
func DefaultPolicy() Policy {
	return Policy{
		Interval:           30 * time.Second,
		ScaleUpThreshold:   0.7,
		ScaleDownThreshold: 0.3,
		TargetUtilization:  0.5,
		MinReplicas:        2,
		Cooldown:           3,
	}
}

// Validate checks the policy bounds
func (p Policy) Validate() error {
	switch {
	case p.Interval <= 0:
		return invalid("interval must be positive")
	case p.MinReplicas < 1:
		return invalid("minReplicas must be at least 1")
	case p.MaxReplicas < p.MinReplicas:
		return errors.Errorf(errors.ErrorTypeInvalidConfiguration,
			"maxReplicas (%d) must be set and not below minReplicas (%d)", p.MaxReplicas, p.MinReplicas)
	case p.ScaleDownThreshold < 0 || p.ScaleUpThreshold <= p.ScaleDownThreshold:
		return errors.Errorf(errors.ErrorTypeInvalidConfiguration,
			"thresholds must satisfy 0 <= scaleDown (%g) < scaleUp (%g)", p.ScaleDownThreshold, p.ScaleUpThreshold)
	case p.TargetUtilization <= p.ScaleDownThreshold || p.TargetUtilization >= p.ScaleUpThreshold:
		return errors.Errorf(errors.ErrorTypeInvalidConfiguration,
			"targetUtilization (%g) must lie between the thresholds", p.TargetUtilization)
	case p.Cooldown < 1:
		return invalid("cooldown must be at least 1 evaluation")
	}
	return nil
}

func invalid(msg string) error {
	return errors.NewError(errors.ErrorTypeInvalidConfiguration, "autoscaler: "+msg)
}

// Evaluator turns load samples into scale decisions. It holds the shrink
// streak between evaluations and is not safe for concurrent use.
type Evaluator struct {
	policy    Policy
	lowStreak int
}

// NewEvaluator creates an evaluator for policy
func NewEvaluator(policy Policy) *Evaluator {
	return &Evaluator{policy: policy}
}

// SetPolicy swaps the policy, keeping the current streak
func (e *Evaluator) SetPolicy(policy Policy) {
	e.policy = policy
}

// LowStreak returns the number of consecutive evaluations that called for
// fewer replicas
func (e *Evaluator) LowStreak() int {
	return e.lowStreak
}

// Evaluate returns a decision and true when the desired replica count
// differs from the current count. The current count is the number of
// running replicas; healthy replicas only weigh utilization. Scale-ups are
// immediate. A decision below the current count is emitted only after
// Cooldown consecutive evaluations asked for one.
func (e *Evaluator) Evaluate(sample core.LoadSample) (core.ScaleDecision, bool) {
	p := e.policy
	current := max(sample.Current, sample.Replicas)

	decide := func(desired int, reason string) (core.ScaleDecision, bool) {
		return core.ScaleDecision{
			Desired:   desired,
			Previous:  current,
			Timestamp: sample.Timestamp,
			Reason:    reason,
		}, true
	}

	if current < p.MinReplicas {
		e.lowStreak = 0
		return decide(p.MinReplicas, "below minimum replicas")
	}
	if sample.Replicas == 0 {
		// Nothing healthy to measure. Running capacity is held until the
		// prober brings replicas back.
		e.lowStreak = 0
		return core.ScaleDecision{}, false
	}
	if current > p.MaxReplicas {
		return e.shrink(current, p.MaxReplicas, decide, "above maximum replicas")
	}

	util := sample.Utilization
	proportional := int(math.Ceil(float64(current) * util / p.TargetUtilization))

	switch {
	case util > p.ScaleUpThreshold:
		e.lowStreak = 0
		desired := clamp(max(proportional, current+1), p.MinReplicas, p.MaxReplicas)
		if desired == current {
			return core.ScaleDecision{}, false
		}
		return decide(desired, "utilization above scale-up threshold")

	case util < p.ScaleDownThreshold:
		desired := clamp(min(proportional, current-1), p.MinReplicas, p.MaxReplicas)
		return e.shrink(current, desired, decide, "utilization below scale-down threshold")

	default:
		e.lowStreak = 0
		return core.ScaleDecision{}, false
	}
}

// shrink counts one more evaluation toward the cooldown and decides once
// the streak is long enough. At the floor the streak keeps growing; it
// resets when a decision is made or load recovers.
func (e *Evaluator) shrink(current, desired int, decide func(int, string) (core.ScaleDecision, bool), reason string) (core.ScaleDecision, bool) {
	e.lowStreak++
	if e.lowStreak < e.policy.Cooldown || desired >= current {
		return core.ScaleDecision{}, false
	}
	e.lowStreak = 0
	return decide(desired, reason)
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
