package redis

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"frontdoor/internal/core"
	fderrors "frontdoor/pkg/errors"
)

type fakeClient struct {
	setErr, pubErr error
	values         map[string][]byte
	published      map[string][][]byte
}

func newFakeClient() *fakeClient {
	return &fakeClient{values: map[string][]byte{}, published: map[string][][]byte{}}
}

func (f *fakeClient) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.values[key] = value.([]byte)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeClient) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	if f.pubErr != nil {
		return redis.NewIntResult(0, f.pubErr)
	}
	f.published[channel] = append(f.published[channel], message.([]byte))
	return redis.NewIntResult(1, nil)
}

func TestScaler_StoresAndPublishes(t *testing.T) {
	fc := newFakeClient()
	s := newScaler(fc, Config{}, nil)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Scale(context.Background(), core.ScaleDecision{Desired: 4, Previous: 2, Timestamp: ts, Reason: "load"}))

	var stored message
	require.NoError(t, json.Unmarshal(fc.values["frontdoor:desired"], &stored))
	assert.Equal(t, message{Desired: 4, Previous: 2, Reason: "load", Timestamp: ts}, stored)

	require.Len(t, fc.published["frontdoor:decisions"], 1)
	assert.JSONEq(t, string(fc.values["frontdoor:desired"]), string(fc.published["frontdoor:decisions"][0]))
}

func TestScaler_ErrorsAreOrchestratorUnavailable(t *testing.T) {
	tests := []struct {
		name   string
		client *fakeClient
	}{
		{name: "set fails", client: &fakeClient{setErr: errors.New("READONLY")}},
		{name: "publish fails", client: &fakeClient{values: map[string][]byte{}, pubErr: errors.New("broken pipe")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newScaler(tt.client, Config{}, nil).Scale(context.Background(), core.ScaleDecision{Desired: 3})
			assert.True(t, fderrors.Is(err, fderrors.ErrOrchestratorUnavailable), "got %v", err)
		})
	}
}

func TestScaler_UnreachableServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	s := NewScaler(Config{Addr: addr, DialTimeout: 100 * time.Millisecond}, nil)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = s.Scale(ctx, core.ScaleDecision{Desired: 3})
	assert.True(t, fderrors.Is(err, fderrors.ErrOrchestratorUnavailable), "got %v", err)
}
