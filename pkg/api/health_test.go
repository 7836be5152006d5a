package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/seedhost/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthProbe_Readiness(t *testing.T) {
	metrics.SetCriticalComponents("probe-store")
	t.Cleanup(func() { metrics.SetCriticalComponents("store", "runtime", "api") })

	var failing atomic.Bool
	failing.Store(true)

	probe := NewHealthProbe(time.Hour, time.Second)
	probe.Add("probe-store", func(ctx context.Context) error {
		if failing.Load() {
			return errors.New("database is locked")
		}
		return nil
	})

	s := NewServer(Options{})
	handler := s.Handler()

	probe.ProbeOnce(context.Background())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var status metrics.HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, "not_ready", status.Status)
	assert.Contains(t, status.Components["probe-store"], "database is locked")

	failing.Store(false)
	probe.ProbeOnce(context.Background())

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthProbe_RunStopsWithContext(t *testing.T) {
	var calls atomic.Int32
	probe := NewHealthProbe(5*time.Millisecond, time.Second)
	probe.Add("probe-counter", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- probe.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("probe did not stop")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := NewServer(Options{})

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "seedhost_process_sessions")
}

func TestResultFrom(t *testing.T) {
	ok := ResultFrom(nil, "node started")
	assert.Equal(t, Result{Success: true, StatusCode: http.StatusOK, Message: "node started"}, ok)

	failed := ResultFrom(errors.New("exec: rad not found"), "node started")
	assert.False(t, failed.Success)
	assert.Equal(t, http.StatusInternalServerError, failed.StatusCode)
	assert.Equal(t, "internal error", failed.Message)
}
