// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/corinth/queue"
	"github.com/absmach/corinth/queue/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *queue.Manager {
	t.Helper()
	m, err := queue.NewManager(queue.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { m.Stop() })
	return m
}

func get(t *testing.T, h http.Handler, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
	}
	return rec.Code
}

func TestAddrWithoutListener(t *testing.T) {
	s := New(Config{Address: "127.0.0.1:0"}, nil, nil, nil)
	assert.Empty(t, s.Addr())
}

func TestHealthEndpoint(t *testing.T) {
	s := New(Config{}, nil, nil, nil)

	var resp HealthResponse
	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/health", &resp))
	assert.Equal(t, "healthy", resp.Status)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestReadyEndpoint(t *testing.T) {
	m := newTestManager(t)
	s := New(Config{}, m, m, nil)

	var resp ReadyResponse
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s.Handler(), "/ready", &resp))
	assert.Equal(t, "not_ready", resp.Status)

	require.NoError(t, m.Recover(context.Background()))
	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/ready", &resp))
	assert.Equal(t, "ready", resp.Status)

	require.NoError(t, m.Stop())
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s.Handler(), "/ready", &resp))
}

func TestStatsEndpoint(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	for _, name := range []string{"orders", "payments"} {
		cfg := types.DefaultQueueConfig(name)
		cfg.Persistent = false
		_, err := m.CreateQueue(ctx, cfg)
		require.NoError(t, err)
	}
	_, err := m.Enqueue(ctx, "orders", []types.NewMessage{{Item: json.RawMessage(`1`)}, {Item: json.RawMessage(`2`)}})
	require.NoError(t, err)
	_, err = m.Dequeue(ctx, "orders", 1, false)
	require.NoError(t, err)

	var resp StatsResponse
	assert.Equal(t, http.StatusOK, get(t, New(Config{}, m, m, nil).Handler(), "/stats", &resp))
	assert.Equal(t, 2, resp.Queues)
	assert.Equal(t, 1, resp.Messages)
	assert.Equal(t, 1, resp.NumUnacknowledged)
}

func TestListen(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Recover(context.Background()))
	s := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, m, m, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Listen(ctx) }()

	require.Eventually(t, func() bool {
		addr := s.Addr()
		if addr == "" {
			return false
		}
		resp, err := http.Get("http://" + addr + "/ready")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
