package core

import (
	"context"
)

// ReplicaReader is the read-only view of the registry used by the router,
// the autoscaler and the management API
type ReplicaReader interface {
	HealthyReplicas() []Replica
	List() []Replica
	Get(id string) (Replica, error)
}

// ReplicaWriter is the mutation surface used by orchestrator sources
type ReplicaWriter interface {
	Upsert(replica Replica) error
	Remove(id string) error
	Drain(id string) error
}

// HealthRecorder receives probe outcomes
type HealthRecorder interface {
	MarkHealthy(id string) error
	MarkUnhealthy(id string) error
}

// LoadSource produces load samples for the autoscaler
type LoadSource interface {
	Sample(ctx context.Context) (LoadSample, error)
}

// Scaler delivers scale decisions to the external orchestrator
type Scaler interface {
	Scale(ctx context.Context, decision ScaleDecision) error
}

// ReplicaCounter reports how many replicas the orchestrator currently
// runs. Scalers that can read their target implement it.
type ReplicaCounter interface {
	Current(ctx context.Context) (int, error)
}

// ReplicaSource keeps the registry converged with the orchestrator's view
// of running replicas until ctx is done
type ReplicaSource interface {
	Run(ctx context.Context) error
}
