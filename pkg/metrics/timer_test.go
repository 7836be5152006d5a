package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	if d := timer.Duration(); d < 20*time.Millisecond {
		t.Errorf("Timer.Duration() = %v, want >= 20ms", d)
	}
}

func TestTimerObserveDurationVec(t *testing.T) {
	vec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "test_op_duration_seconds",
			Help: "Test histogram vec",
		},
		[]string{"op"},
	)

	timer := NewTimer()
	timer.ObserveDurationVec(vec, "start")
	timer.ObserveDurationVec(vec, "start")

	if n := testutil.CollectAndCount(vec); n != 1 {
		t.Errorf("expected one labelled series, got %d", n)
	}
}
