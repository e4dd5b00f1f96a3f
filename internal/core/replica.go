package core

import (
	"time"
)

// Status is the health state of a replica
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDraining  Status = "draining"
)

// Replica is a single backend instance as seen by the registry.
// Values handed out by the registry are copies; mutating them has no effect.
type Replica struct {
	ID                  string            `json:"id"`
	Endpoint            string            `json:"endpoint"`
	Status              Status            `json:"status"`
	ConsecutiveFailures int               `json:"consecutiveFailures"`
	LastProbe           time.Time         `json:"lastProbe,omitempty"`
	LastLatency         time.Duration     `json:"lastLatency,omitempty"`
	InFlight            int64             `json:"inFlight"`
	DiscoveredAt        time.Time         `json:"discoveredAt"`
	Labels              map[string]string `json:"labels,omitempty"`
}

// Routable reports whether the replica may receive new requests
func (r Replica) Routable() bool {
	return r.Status == StatusHealthy
}

// ProbeResult is the outcome of a single health check
type ProbeResult struct {
	ReplicaID string
	Success   bool
	Latency   time.Duration
	Timestamp time.Time
	Err       error
}

// LoadSample is an aggregate load observation across healthy replicas
type LoadSample struct {
	Timestamp time.Time `json:"timestamp"`
	// Utilization is a ratio where 1.0 means every replica is at capacity
	Utilization float64 `json:"utilization"`
	// Replicas is the healthy count, the denominator of Utilization
	Replicas int   `json:"replicas"`
	InFlight int64 `json:"inFlight"`
	// Current is the number of replicas the orchestrator runs, healthy or not
	Current int `json:"current"`
}

// PoolSize counts the replicas that still belong to the pool. Draining
// replicas are on their way out and are not counted.
func PoolSize(replicas []Replica) int {
	n := 0
	for _, r := range replicas {
		if r.Status != StatusDraining {
			n++
		}
	}
	return n
}

// ScaleDecision is a declarative desired replica count
type ScaleDecision struct {
	Desired   int       `json:"desired"`
	Previous  int       `json:"previous"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// EventType identifies a registry state change
type EventType string

const (
	EventAdded      EventType = "added"
	EventUpdated    EventType = "updated"
	EventTransition EventType = "transition"
	EventRemoved    EventType = "removed"
	EventEvicted    EventType = "evicted"
)

// Event describes one registry state change
type Event struct {
	Type      EventType `json:"type"`
	ReplicaID string    `json:"replicaId"`
	Endpoint  string    `json:"endpoint,omitempty"`
	From      Status    `json:"from,omitempty"`
	To        Status    `json:"to,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Time      time.Time `json:"time"`
}
