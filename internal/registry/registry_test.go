package registry

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"frontdoor/internal/core"
	"frontdoor/pkg/errors"
	"frontdoor/pkg/metrics"
)

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	return New(cfg, m, slog.Default()), m
}

func addHealthy(t *testing.T, r *Registry, ids ...string) {
	t.Helper()
	for i, id := range ids {
		require.NoError(t, r.Upsert(core.Replica{ID: id, Endpoint: fmt.Sprintf("10.0.0.%d:8080", i+1)}))
		require.NoError(t, r.MarkHealthy(id))
	}
}

func TestRegistry_UpsertIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())
	events, cancel := r.Subscribe(8)
	defer cancel()

	rep := core.Replica{ID: "api-0", Endpoint: "10.0.0.1:5000"}
	require.NoError(t, r.Upsert(rep))
	require.NoError(t, r.Upsert(rep))

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, core.StatusUnknown, list[0].Status)

	ev := <-events
	assert.Equal(t, core.EventAdded, ev.Type)
	select {
	case extra := <-events:
		t.Fatalf("unexpected second event %+v", extra)
	default:
	}
}

func TestRegistry_UpsertKeepsHealthState(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())
	addHealthy(t, r, "api-0")

	require.NoError(t, r.Upsert(core.Replica{ID: "api-0", Endpoint: "10.0.0.9:5000"}))

	got, err := r.Get("api-0")
	require.NoError(t, err)
	assert.Equal(t, core.StatusHealthy, got.Status)
	assert.Equal(t, "10.0.0.9:5000", got.Endpoint)
}

func TestRegistry_UpsertRejectsIncompleteReplica(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())
	err := r.Upsert(core.Replica{ID: "api-0"})
	assert.True(t, errors.Is(err, errors.ErrInvalidConfiguration))
}

func TestRegistry_FailureThreshold(t *testing.T) {
	for _, threshold := range []int{1, 3, 5} {
		t.Run(fmt.Sprintf("threshold=%d", threshold), func(t *testing.T) {
			r, _ := newTestRegistry(t, Config{FailureThreshold: threshold})
			addHealthy(t, r, "api-0")

			for i := 1; i < threshold; i++ {
				require.NoError(t, r.MarkUnhealthy("api-0"))
				got, _ := r.Get("api-0")
				assert.Equal(t, core.StatusHealthy, got.Status, "after %d failures", i)
				assert.Equal(t, i, got.ConsecutiveFailures)
				assert.Len(t, r.HealthyReplicas(), 1)
			}

			require.NoError(t, r.MarkUnhealthy("api-0"))
			got, _ := r.Get("api-0")
			assert.Equal(t, core.StatusUnhealthy, got.Status)
			assert.Empty(t, r.HealthyReplicas())

			require.NoError(t, r.MarkHealthy("api-0"))
			got, _ = r.Get("api-0")
			assert.Equal(t, core.StatusHealthy, got.Status)
			assert.Zero(t, got.ConsecutiveFailures)
		})
	}
}

func TestRegistry_TransitionLogsTriggeringFailureCount(t *testing.T) {
	tests := []struct {
		name      string
		threshold int
		want      string
	}{
		{name: "single failure", threshold: 1, want: "consecutiveFails=1"},
		{name: "three failures", threshold: 3, want: "consecutiveFails=3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))
			r := New(Config{FailureThreshold: tt.threshold}, nil, logger)
			addHealthy(t, r, "api-0")
			buf.Reset()

			for i := 0; i < tt.threshold; i++ {
				require.NoError(t, r.MarkUnhealthy("api-0"))
			}

			out := buf.String()
			assert.Contains(t, out, "Replica state changed")
			assert.Contains(t, out, "to=unhealthy")
			assert.Contains(t, out, tt.want)
		})
	}
}

func TestRegistry_SuccessResetsFailureStreak(t *testing.T) {
	r, _ := newTestRegistry(t, Config{FailureThreshold: 3})
	addHealthy(t, r, "api-0")

	sequence := []bool{false, false, true, false, false, true, false, false}
	for _, ok := range sequence {
		if ok {
			require.NoError(t, r.MarkHealthy("api-0"))
		} else {
			require.NoError(t, r.MarkUnhealthy("api-0"))
		}
	}

	got, _ := r.Get("api-0")
	assert.Equal(t, core.StatusHealthy, got.Status)
	assert.Equal(t, 2, got.ConsecutiveFailures)
}

func TestRegistry_UnknownBecomesUnhealthyAfterThreshold(t *testing.T) {
	r, _ := newTestRegistry(t, Config{FailureThreshold: 2})
	require.NoError(t, r.Upsert(core.Replica{ID: "api-0", Endpoint: "10.0.0.1:5000"}))

	require.NoError(t, r.MarkUnhealthy("api-0"))
	got, _ := r.Get("api-0")
	assert.Equal(t, core.StatusUnknown, got.Status)

	require.NoError(t, r.MarkUnhealthy("api-0"))
	got, _ = r.Get("api-0")
	assert.Equal(t, core.StatusUnhealthy, got.Status)
}

func TestRegistry_UpsertThenRemoveRoundTrip(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())
	addHealthy(t, r, "api-0", "api-2")
	before := r.List()

	require.NoError(t, r.Upsert(core.Replica{ID: "api-1", Endpoint: "10.0.0.5:5000"}))
	require.NoError(t, r.Remove("api-1"))

	assert.Equal(t, before, r.List())
	assert.Equal(t, r.HealthyReplicas(), before)
}

func TestRegistry_RemoveUnknown(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())
	err := r.Remove("ghost")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	assert.True(t, errors.Is(r.MarkHealthy("ghost"), errors.ErrNotFound))
}

func TestRegistry_DrainExcludesFromRouting(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())
	addHealthy(t, r, "api-0", "api-1")

	require.NoError(t, r.Drain("api-0"))

	healthy := r.HealthyReplicas()
	require.Len(t, healthy, 1)
	assert.Equal(t, "api-1", healthy[0].ID)

	// Probes never pull a replica out of draining.
	require.NoError(t, r.MarkHealthy("api-0"))
	got, _ := r.Get("api-0")
	assert.Equal(t, core.StatusDraining, got.Status)

	_, err := r.Acquire("api-0")
	assert.True(t, errors.Is(err, errors.ErrNoHealthyBackend))

	// Orchestrator removal wins mid-drain.
	require.NoError(t, r.Remove("api-0"))
	_, err = r.Get("api-0")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestRegistry_Eviction(t *testing.T) {
	r, _ := newTestRegistry(t, Config{FailureThreshold: 2, EvictAfter: 4})
	events, cancel := r.Subscribe(16)
	defer cancel()
	addHealthy(t, r, "api-0")

	for i := 0; i < 4; i++ {
		require.NoError(t, r.MarkUnhealthy("api-0"))
	}

	assert.Empty(t, r.List())

	var types []core.EventType
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Equal(t, []core.EventType{core.EventAdded, core.EventTransition, core.EventTransition, core.EventEvicted}, types)
}

func TestRegistry_SnapshotIsolation(t *testing.T) {
	r, _ := newTestRegistry(t, Config{FailureThreshold: 1})
	addHealthy(t, r, "api-0", "api-1", "api-2")

	snap := r.HealthyReplicas()
	require.Len(t, snap, 3)

	require.NoError(t, r.MarkUnhealthy("api-1"))
	require.NoError(t, r.Remove("api-2"))

	assert.Len(t, snap, 3)
	for _, rep := range snap {
		assert.Equal(t, core.StatusHealthy, rep.Status)
	}
	assert.Len(t, r.HealthyReplicas(), 1)
}

func TestRegistry_ConcurrentProbesAndReads(t *testing.T) {
	r, _ := newTestRegistry(t, Config{FailureThreshold: 2})
	ids := []string{"api-0", "api-1", "api-2", "api-3"}
	addHealthy(t, r, ids...)

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if i%3 == 0 {
					_ = r.MarkHealthy(id)
				} else {
					_ = r.MarkUnhealthy(id)
				}
			}
		}(id)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				for _, rep := range r.HealthyReplicas() {
					if rep.Status != core.StatusHealthy {
						t.Errorf("snapshot contained %s replica %s", rep.Status, rep.ID)
					}
				}
			}
		}()
	}
	wg.Wait()
}

func TestRegistry_EventsOrderedPerReplica(t *testing.T) {
	r, _ := newTestRegistry(t, Config{FailureThreshold: 1})
	events, cancel := r.Subscribe(32)
	defer cancel()

	require.NoError(t, r.Upsert(core.Replica{ID: "api-0", Endpoint: "10.0.0.1:5000"}))
	require.NoError(t, r.MarkHealthy("api-0"))
	require.NoError(t, r.MarkUnhealthy("api-0"))
	require.NoError(t, r.MarkHealthy("api-0"))
	require.NoError(t, r.Drain("api-0"))
	require.NoError(t, r.Remove("api-0"))

	want := []struct {
		typ  core.EventType
		from core.Status
		to   core.Status
	}{
		{core.EventAdded, "", core.StatusUnknown},
		{core.EventTransition, core.StatusUnknown, core.StatusHealthy},
		{core.EventTransition, core.StatusHealthy, core.StatusUnhealthy},
		{core.EventTransition, core.StatusUnhealthy, core.StatusHealthy},
		{core.EventTransition, core.StatusHealthy, core.StatusDraining},
		{core.EventRemoved, core.StatusDraining, ""},
	}
	for i, w := range want {
		ev := <-events
		assert.Equal(t, w.typ, ev.Type, "event %d", i)
		assert.Equal(t, w.from, ev.From, "event %d", i)
		assert.Equal(t, w.to, ev.To, "event %d", i)
		assert.False(t, ev.Time.IsZero())
	}
}

func TestRegistry_SubscriberOverflowDrops(t *testing.T) {
	r, m := newTestRegistry(t, DefaultConfig())
	_, cancel := r.Subscribe(1)
	defer cancel()

	require.NoError(t, r.Upsert(core.Replica{ID: "a", Endpoint: "10.0.0.1:1"}))
	require.NoError(t, r.Upsert(core.Replica{ID: "b", Endpoint: "10.0.0.2:1"}))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsDropped))
}

func TestRegistry_AcquireRelease(t *testing.T) {
	r, m := newTestRegistry(t, DefaultConfig())
	addHealthy(t, r, "api-0")

	release1, err := r.Acquire("api-0")
	require.NoError(t, err)
	release2, err := r.Acquire("api-0")
	require.NoError(t, err)

	got, _ := r.Get("api-0")
	assert.Equal(t, int64(2), got.InFlight)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.InFlight.WithLabelValues("api-0")))

	release1()
	release1()
	got, _ = r.Get("api-0")
	assert.Equal(t, int64(1), got.InFlight)

	release2()
	got, _ = r.Get("api-0")
	assert.Zero(t, got.InFlight)
}

func TestRegistry_ReleaseAfterRemovalKeepsSeriesDeleted(t *testing.T) {
	tests := []struct {
		name   string
		remove func(r *Registry) error
	}{
		{name: "remove", remove: func(r *Registry) error { return r.Remove("api-0") }},
		{name: "evict", remove: func(r *Registry) error { return r.MarkUnhealthy("api-0") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, m := newTestRegistry(t, Config{FailureThreshold: 1, EvictAfter: 1})
			addHealthy(t, r, "api-0")

			release, err := r.Acquire("api-0")
			require.NoError(t, err)
			require.Equal(t, 1, testutil.CollectAndCount(m.InFlight))

			require.NoError(t, tt.remove(r))
			require.Zero(t, testutil.CollectAndCount(m.InFlight))

			release()
			assert.Zero(t, testutil.CollectAndCount(m.InFlight))
		})
	}
}

func TestRegistry_ReleaseFromPreviousIncarnation(t *testing.T) {
	r, m := newTestRegistry(t, DefaultConfig())
	addHealthy(t, r, "api-0")

	release, err := r.Acquire("api-0")
	require.NoError(t, err)
	require.NoError(t, r.Remove("api-0"))
	addHealthy(t, r, "api-0")

	current, err := r.Acquire("api-0")
	require.NoError(t, err)
	defer current()

	release()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.InFlight.WithLabelValues("api-0")))
}

func TestRegistry_StatusGauges(t *testing.T) {
	r, m := newTestRegistry(t, Config{FailureThreshold: 1})
	addHealthy(t, r, "a", "b")
	require.NoError(t, r.MarkUnhealthy("b"))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Replicas.WithLabelValues("healthy")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Replicas.WithLabelValues("unhealthy")))
	assert.Equal(t, map[core.Status]int{core.StatusHealthy: 1, core.StatusUnhealthy: 1}, r.Counts())
}
