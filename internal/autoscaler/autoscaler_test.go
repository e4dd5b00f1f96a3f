package autoscaler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"frontdoor/internal/core"
	"frontdoor/internal/registry"
	"frontdoor/internal/retry"
	"frontdoor/internal/router"
	"frontdoor/pkg/errors"
	"frontdoor/pkg/metrics"
)

type scriptedSource struct {
	mu      sync.Mutex
	samples []core.LoadSample
	err     error
}

func (s *scriptedSource) push(replicas int, util float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample(replicas, util))
}

func (s *scriptedSource) Sample(ctx context.Context) (core.LoadSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return core.LoadSample{}, s.err
	}
	if len(s.samples) == 0 {
		return sample(2, 0.5), nil
	}
	next := s.samples[0]
	if len(s.samples) > 1 {
		s.samples = s.samples[1:]
	}
	return next, nil
}

type recordingScaler struct {
	mu        sync.Mutex
	failing   bool
	calls     int
	delivered []core.ScaleDecision
}

func (s *recordingScaler) Scale(ctx context.Context, d core.ScaleDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failing {
		return errors.NewError(errors.ErrorTypeOrchestratorUnavailable, "apiserver unreachable")
	}
	s.delivered = append(s.delivered, d)
	return nil
}

func (s *recordingScaler) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

func (s *recordingScaler) decisions() []core.ScaleDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.ScaleDecision(nil), s.delivered...)
}

var noRetry = retry.Config{MaxAttempts: 0, InitialDelay: time.Millisecond}

func newTestAutoscaler(t *testing.T, src core.LoadSource, sc core.Scaler, delivery retry.Config) (*Autoscaler, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	a, err := New(src, sc, testPolicy(), delivery, m, slog.Default())
	require.NoError(t, err)
	return a, m
}

func TestAutoscaler_RejectsInvalidPolicy(t *testing.T) {
	_, err := New(&scriptedSource{}, &recordingScaler{}, DefaultPolicy(), noRetry, nil, nil)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfiguration))
}

func TestAutoscaler_CooldownThenScaleDown(t *testing.T) {
	src := &scriptedSource{}
	sc := &recordingScaler{}
	a, m := newTestAutoscaler(t, src, sc, noRetry)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		src.push(5, 0.1)
	}

	require.NoError(t, a.Evaluate(ctx))
	require.NoError(t, a.Evaluate(ctx))
	assert.Empty(t, sc.decisions(), "two low cycles must not scale down")

	require.NoError(t, a.Evaluate(ctx))
	got := sc.decisions()
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Desired)
	assert.Equal(t, 5, got[0].Previous)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.DesiredReplicas))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ScaleDecisions.WithLabelValues("down")))
	assert.InDelta(t, 0.1, testutil.ToFloat64(m.Utilization), 1e-9)
}

func TestAutoscaler_ScaleUpImmediately(t *testing.T) {
	src := &scriptedSource{}
	sc := &recordingScaler{}
	a, m := newTestAutoscaler(t, src, sc, noRetry)

	src.push(3, 0.9)
	require.NoError(t, a.Evaluate(context.Background()))

	got := sc.decisions()
	require.Len(t, got, 1)
	assert.Equal(t, 6, got[0].Desired)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ScaleDecisions.WithLabelValues("up")))

	status := a.Status()
	require.NotNil(t, status.LastDecision)
	assert.Equal(t, 6, status.LastDecision.Desired)
	assert.Nil(t, status.Pending)
	require.NotNil(t, status.LastSample)
	assert.Equal(t, 3, status.LastSample.Replicas)
}

// countingScaler also reports the orchestrator's replica count
type countingScaler struct {
	recordingScaler
	current int
	err     error
}

func (s *countingScaler) Current(ctx context.Context) (int, error) {
	return s.current, s.err
}

func TestAutoscaler_CurrentFromOrchestrator(t *testing.T) {
	tests := []struct {
		name     string
		current  int
		err      error
		previous int
		desired  int
	}{
		{name: "orchestrator count wins", current: 6, previous: 6, desired: 10},
		{name: "registry count on error", current: 6, err: errors.NewError(errors.ErrorTypeOrchestratorUnavailable, "apiserver unreachable"), previous: 5, desired: 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &scriptedSource{}
			sc := &countingScaler{current: tt.current, err: tt.err}
			a, _ := newTestAutoscaler(t, src, sc, noRetry)

			src.samples = append(src.samples, pooled(5, 2, 0.8))
			require.NoError(t, a.Evaluate(context.Background()))

			got := sc.decisions()
			require.Len(t, got, 1)
			assert.Equal(t, tt.previous, got[0].Previous)
			assert.Equal(t, tt.desired, got[0].Desired)
			assert.Equal(t, tt.previous, a.Status().LastSample.Current)
		})
	}
}

func TestAutoscaler_UnhealthyPoolIsNotShrunk(t *testing.T) {
	reg := registry.New(registry.Config{FailureThreshold: 1}, nil, slog.Default())
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("api-%d", i)
		require.NoError(t, reg.Upsert(core.Replica{ID: id, Endpoint: fmt.Sprintf("10.0.0.%d:8080", i+1)}))
		require.NoError(t, reg.MarkUnhealthy(id))
	}
	rt := router.NewRouter(reg, router.DefaultConfig(), nil, slog.Default())
	sc := &recordingScaler{}
	a, _ := newTestAutoscaler(t, rt, sc, noRetry)

	for i := 0; i < 2*testPolicy().Cooldown; i++ {
		require.NoError(t, a.Evaluate(context.Background()))
	}
	assert.Empty(t, sc.decisions())
	assert.Equal(t, 5, a.Status().LastSample.Current)
}

func TestAutoscaler_PartlyHealthyPoolScalesUp(t *testing.T) {
	reg := registry.New(registry.DefaultConfig(), nil, slog.Default())
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("api-%d", i)
		require.NoError(t, reg.Upsert(core.Replica{ID: id, Endpoint: fmt.Sprintf("10.0.0.%d:8080", i+1)}))
		if i < 2 {
			require.NoError(t, reg.MarkHealthy(id))
		}
	}
	rt := router.NewRouter(reg, router.DefaultConfig(), nil, slog.Default())
	for i := 0; i < 16; i++ {
		lease, err := rt.Route(context.Background())
		require.NoError(t, err)
		defer lease.Release()
	}

	sc := &recordingScaler{}
	a, _ := newTestAutoscaler(t, rt, sc, noRetry)
	require.NoError(t, a.Evaluate(context.Background()))

	got := sc.decisions()
	require.Len(t, got, 1)
	assert.Equal(t, 5, got[0].Previous)
	assert.Equal(t, 8, got[0].Desired)
}

func TestAutoscaler_FailedDeliveryIsResent(t *testing.T) {
	src := &scriptedSource{}
	sc := &recordingScaler{failing: true}
	a, m := newTestAutoscaler(t, src, sc, retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond})
	ctx := context.Background()

	src.push(3, 0.9)
	src.push(3, 0.5)

	err := a.Evaluate(ctx)
	assert.True(t, errors.Is(err, errors.ErrOrchestratorUnavailable), "got %v", err)
	assert.Equal(t, 3, sc.calls, "one call plus two retries")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DeliveryFailures))

	status := a.Status()
	require.NotNil(t, status.Pending)
	assert.Nil(t, status.LastDecision)

	// The next cycle is in band and emits nothing new, but the pending
	// decision is resent.
	sc.setFailing(false)
	require.NoError(t, a.Evaluate(ctx))

	got := sc.decisions()
	require.Len(t, got, 1)
	assert.Equal(t, 6, got[0].Desired)
	assert.Nil(t, a.Status().Pending)
}

func TestAutoscaler_SampleErrorSkipsCycle(t *testing.T) {
	src := &scriptedSource{err: errors.NewError(errors.ErrorTypeInternal, "prometheus down")}
	sc := &recordingScaler{}
	a, _ := newTestAutoscaler(t, src, sc, noRetry)

	assert.Error(t, a.Evaluate(context.Background()))
	assert.Zero(t, sc.calls)
}

func TestAutoscaler_UpdatePolicy(t *testing.T) {
	src := &scriptedSource{}
	sc := &recordingScaler{}
	a, _ := newTestAutoscaler(t, src, sc, noRetry)

	bad := testPolicy()
	bad.MaxReplicas = 0
	assert.Error(t, a.UpdatePolicy(bad))
	assert.Equal(t, 10, a.Policy().MaxReplicas)

	next := testPolicy()
	next.MaxReplicas = 4
	require.NoError(t, a.UpdatePolicy(next))
	assert.Equal(t, 4, a.Status().Policy.MaxReplicas)

	src.push(3, 1.0)
	require.NoError(t, a.Evaluate(context.Background()))
	got := sc.decisions()
	require.Len(t, got, 1)
	assert.Equal(t, 4, got[0].Desired)
}

func TestAutoscaler_RunTicks(t *testing.T) {
	src := &scriptedSource{}
	src.push(1, 0.5)
	sc := &recordingScaler{}

	p := testPolicy()
	p.Interval = 10 * time.Millisecond
	a, err := New(src, sc, p, noRetry, nil, slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sc.decisions()) > 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, sc.decisions()[0].Desired)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
