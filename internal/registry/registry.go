// Package registry is the authoritative in-memory set of backend replicas
// and their health. It is the only shared mutable structure in the control
// loop: writers are serialized, readers get immutable snapshots.
package registry

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"frontdoor/internal/core"
	"frontdoor/pkg/errors"
	"frontdoor/pkg/metrics"
)

// Config holds registry thresholds
type Config struct {
	// FailureThreshold is the number of consecutive probe failures after
	// which a replica becomes Unhealthy
	FailureThreshold int `yaml:"failureThreshold"`
	// EvictAfter removes an Unhealthy replica once its consecutive failures
	// reach this count. Zero disables eviction.
	EvictAfter int `yaml:"evictAfter"`
}

// DefaultConfig returns the default registry configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
	}
}

type entry struct {
	replica  core.Replica
	inflight *atomic.Int64
}

// snapshot is never modified after it has been published
type snapshot struct {
	ordered []*entry
	byID    map[string]*entry
}

var emptySnapshot = &snapshot{byID: map[string]*entry{}}

func (s *snapshot) with(e *entry) *snapshot {
	next := &snapshot{
		ordered: make([]*entry, 0, len(s.ordered)+1),
		byID:    make(map[string]*entry, len(s.byID)+1),
	}
	inserted := false
	for _, cur := range s.ordered {
		switch {
		case cur.replica.ID == e.replica.ID:
			continue
		case !inserted && cur.replica.ID > e.replica.ID:
			next.ordered = append(next.ordered, e)
			next.byID[e.replica.ID] = e
			inserted = true
		}
		next.ordered = append(next.ordered, cur)
		next.byID[cur.replica.ID] = cur
	}
	if !inserted {
		next.ordered = append(next.ordered, e)
		next.byID[e.replica.ID] = e
	}
	return next
}

func (s *snapshot) without(id string) *snapshot {
	next := &snapshot{
		ordered: make([]*entry, 0, len(s.ordered)),
		byID:    make(map[string]*entry, len(s.byID)),
	}
	for _, cur := range s.ordered {
		if cur.replica.ID == id {
			continue
		}
		next.ordered = append(next.ordered, cur)
		next.byID[cur.replica.ID] = cur
	}
	return next
}

// Registry tracks replicas keyed by ID
type Registry struct {
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu   sync.Mutex
	snap atomic.Pointer[snapshot]

	subMu sync.RWMutex
	subs  map[chan core.Event]struct{}
}

// New creates an empty registry
func New(config Config, m *metrics.Metrics, logger *slog.Logger) *Registry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		config:  config,
		logger:  logger.With("component", "registry"),
		metrics: m,
		now:     time.Now,
		subs:    make(map[chan core.Event]struct{}),
	}
	r.snap.Store(emptySnapshot)
	return r
}

// Upsert adds a replica or refreshes the endpoint of a known one. Health
// state of a known replica is preserved.
func (r *Registry) Upsert(replica core.Replica) error {
	if replica.ID == "" || replica.Endpoint == "" {
		return errors.NewError(errors.ErrorTypeInvalidConfiguration, "replica requires id and endpoint").
			WithDetail("id", replica.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if existing, ok := cur.byID[replica.ID]; ok {
		if existing.replica.Endpoint == replica.Endpoint && sameLabels(existing.replica.Labels, replica.Labels) {
			return nil
		}
		updated := existing.replica
		updated.Endpoint = replica.Endpoint
		updated.Labels = copyLabels(replica.Labels)
		r.commit(cur.with(&entry{replica: updated, inflight: existing.inflight}), core.Event{
			Type:      core.EventUpdated,
			ReplicaID: replica.ID,
			Endpoint:  replica.Endpoint,
		})
		return nil
	}

	added := core.Replica{
		ID:           replica.ID,
		Endpoint:     replica.Endpoint,
		Status:       core.StatusUnknown,
		DiscoveredAt: r.now(),
		Labels:       copyLabels(replica.Labels),
	}
	r.commit(cur.with(&entry{replica: added, inflight: &atomic.Int64{}}), core.Event{
		Type:      core.EventAdded,
		ReplicaID: added.ID,
		Endpoint:  added.Endpoint,
		To:        core.StatusUnknown,
	})
	r.logger.Info("Replica added", "replica", added.ID, "endpoint", added.Endpoint)
	return nil
}

// Remove deletes a replica immediately, including one that is draining
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	existing, ok := cur.byID[id]
	if !ok {
		return notFound(id)
	}

	r.commit(cur.without(id), core.Event{
		Type:      core.EventRemoved,
		ReplicaID: id,
		Endpoint:  existing.replica.Endpoint,
		From:      existing.replica.Status,
	})
	if r.metrics != nil {
		r.metrics.InFlight.DeleteLabelValues(id)
	}
	r.logger.Info("Replica removed", "replica", id)
	return nil
}

// MarkHealthy records a successful probe
func (r *Registry) MarkHealthy(id string) error {
	return r.Record(core.ProbeResult{ReplicaID: id, Success: true, Timestamp: r.now()})
}

// MarkUnhealthy records a failed probe
func (r *Registry) MarkUnhealthy(id string) error {
	return r.Record(core.ProbeResult{ReplicaID: id, Success: false, Timestamp: r.now()})
}

// Record applies a probe result to the replica's health state
func (r *Registry) Record(result core.ProbeResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	existing, ok := cur.byID[result.ReplicaID]
	if !ok {
		return notFound(result.ReplicaID)
	}

	next := existing.replica
	next.LastProbe = result.Timestamp
	next.LastLatency = result.Latency
	if next.LastProbe.IsZero() {
		next.LastProbe = r.now()
	}

	if result.Success {
		next.ConsecutiveFailures = 0
		if next.Status == core.StatusUnknown || next.Status == core.StatusUnhealthy {
			next.Status = core.StatusHealthy
		}
	} else {
		next.ConsecutiveFailures++
		if next.ConsecutiveFailures >= r.config.FailureThreshold &&
			(next.Status == core.StatusHealthy || next.Status == core.StatusUnknown) {
			next.Status = core.StatusUnhealthy
		}
	}

	if r.config.EvictAfter > 0 && next.Status == core.StatusUnhealthy &&
		next.ConsecutiveFailures >= r.config.EvictAfter {
		r.commit(cur.without(next.ID), core.Event{
			Type:      core.EventEvicted,
			ReplicaID: next.ID,
			Endpoint:  next.Endpoint,
			From:      existing.replica.Status,
			Reason:    "consecutive probe failures",
		})
		if r.metrics != nil {
			r.metrics.InFlight.DeleteLabelValues(next.ID)
		}
		r.logger.Warn("Replica evicted", "replica", next.ID, "consecutiveFails", next.ConsecutiveFailures)
		return nil
	}

	var events []core.Event
	if next.Status != existing.replica.Status {
		events = append(events, r.transition(existing.replica, next, ""))
	}
	r.commit(cur.with(&entry{replica: next, inflight: existing.inflight}), events...)
	return nil
}

// Drain stops new traffic to a replica. In-flight requests are unaffected.
func (r *Registry) Drain(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	existing, ok := cur.byID[id]
	if !ok {
		return notFound(id)
	}
	if existing.replica.Status == core.StatusDraining {
		return nil
	}

	next := existing.replica
	next.Status = core.StatusDraining
	r.commit(cur.with(&entry{replica: next, inflight: existing.inflight}),
		r.transition(existing.replica, next, "drain"))
	return nil
}

// HealthyReplicas returns the routable replicas ordered by ID. The returned
// slice is a private copy.
func (r *Registry) HealthyReplicas() []core.Replica {
	snap := r.snap.Load()
	out := make([]core.Replica, 0, len(snap.ordered))
	for _, e := range snap.ordered {
		if e.replica.Status != core.StatusHealthy {
			continue
		}
		out = append(out, e.view())
	}
	return out
}

// List returns every known replica ordered by ID
func (r *Registry) List() []core.Replica {
	snap := r.snap.Load()
	out := make([]core.Replica, 0, len(snap.ordered))
	for _, e := range snap.ordered {
		out = append(out, e.view())
	}
	return out
}

// Get returns a single replica
func (r *Registry) Get(id string) (core.Replica, error) {
	e, ok := r.snap.Load().byID[id]
	if !ok {
		return core.Replica{}, notFound(id)
	}
	return e.view(), nil
}

// Counts returns the number of replicas per status
func (r *Registry) Counts() map[core.Status]int {
	counts := make(map[core.Status]int, 4)
	for _, e := range r.snap.Load().ordered {
		counts[e.replica.Status]++
	}
	return counts
}

// Acquire reserves an in-flight slot on a replica that is currently
// routable. The returned release func must be called exactly once when the
// request completes.
func (r *Registry) Acquire(id string) (func(), error) {
	e, ok := r.snap.Load().byID[id]
	if !ok {
		return nil, notFound(id)
	}
	if e.replica.Status != core.StatusHealthy {
		return nil, errors.Errorf(errors.ErrorTypeNoHealthyBackend, "replica %s is %s", id, e.replica.Status)
	}

	e.inflight.Add(1)

	// A drain or failure published between the lookup and the increment
	// must win over this admission.
	if latest, ok := r.snap.Load().byID[id]; !ok || latest.replica.Status != core.StatusHealthy {
		e.inflight.Add(-1)
		return nil, errors.Errorf(errors.ErrorTypeNoHealthyBackend, "replica %s left rotation", id)
	}

	r.observeInFlight(id, e.inflight)
	var once sync.Once
	return func() {
		once.Do(func() {
			e.inflight.Add(-1)
			r.observeInFlight(id, e.inflight)
		})
	}, nil
}

// Subscribe returns a channel of registry events and a cancel func.
// Events are dropped, not queued, when the channel buffer is full.
func (r *Registry) Subscribe(buffer int) (<-chan core.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan core.Event, buffer)

	r.subMu.Lock()
	r.subs[ch] = struct{}{}
	r.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, ch)
			close(ch)
			r.subMu.Unlock()
		})
	}
}

// commit publishes the next snapshot and its events. Caller holds r.mu, so
// events for a replica reach subscribers in transition order.
func (r *Registry) commit(next *snapshot, events ...core.Event) {
	r.snap.Store(next)
	r.updateGauges(next)

	if len(events) == 0 {
		return
	}

	now := r.now()
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	for _, ev := range events {
		if ev.Time.IsZero() {
			ev.Time = now
		}
		for ch := range r.subs {
			select {
			case ch <- ev:
			default:
				if r.metrics != nil {
					r.metrics.EventsDropped.Inc()
				}
			}
		}
	}
}

// transition records the move from prev to next. The log carries the
// failure count of next, the one that triggered the change.
func (r *Registry) transition(prev, next core.Replica, reason string) core.Event {
	if r.metrics != nil {
		r.metrics.Transitions.WithLabelValues(string(prev.Status), string(next.Status)).Inc()
	}
	r.logger.Info("Replica state changed",
		"replica", next.ID,
		"from", prev.Status,
		"to", next.Status,
		"consecutiveFails", next.ConsecutiveFailures,
	)
	return core.Event{
		Type:      core.EventTransition,
		ReplicaID: next.ID,
		Endpoint:  next.Endpoint,
		From:      prev.Status,
		To:        next.Status,
		Reason:    reason,
	}
}

func (r *Registry) updateGauges(snap *snapshot) {
	if r.metrics == nil {
		return
	}
	counts := map[core.Status]int{
		core.StatusUnknown:   0,
		core.StatusHealthy:   0,
		core.StatusUnhealthy: 0,
		core.StatusDraining:  0,
	}
	for _, e := range snap.ordered {
		counts[e.replica.Status]++
	}
	for status, n := range counts {
		r.metrics.Replicas.WithLabelValues(string(status)).Set(float64(n))
	}
}

// observeInFlight publishes the counter only while it still belongs to a
// registered replica. A lease released after Remove or eviction must not
// recreate the deleted series.
func (r *Registry) observeInFlight(id string, counter *atomic.Int64) {
	if r.metrics == nil {
		return
	}
	if e, ok := r.snap.Load().byID[id]; !ok || e.inflight != counter {
		return
	}
	r.metrics.InFlight.WithLabelValues(id).Set(float64(counter.Load()))
	// Remove publishes its snapshot before deleting the series, so a removal
	// that raced the Set above is visible here.
	if _, ok := r.snap.Load().byID[id]; !ok {
		r.metrics.InFlight.DeleteLabelValues(id)
	}
}

func (e *entry) view() core.Replica {
	out := e.replica
	out.InFlight = e.inflight.Load()
	out.Labels = copyLabels(e.replica.Labels)
	return out
}

func notFound(id string) error {
	return errors.Errorf(errors.ErrorTypeNotFound, "replica %s not found", id).WithDetail("replica", id)
}

func copyLabels(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sameLabels(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
