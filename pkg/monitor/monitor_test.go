package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/seedhost/pkg/events"
	"github.com/cuemby/seedhost/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pollResult struct {
	status types.NodeStatus
	err    error
}

// scriptedSource replays results, repeating the last one forever
type scriptedSource struct {
	mu      sync.Mutex
	results []pollResult
	polls   int
}

func (s *scriptedSource) NodeStatus(ctx context.Context, node types.Node) (types.NodeStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.polls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.polls++
	return s.results[i].status, s.results[i].err
}

func (s *scriptedSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

type recorder struct {
	mu     sync.Mutex
	events []types.StatusEvent
}

func (r *recorder) Publish(event types.StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) snapshots() []types.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Snapshot, len(r.events))
	for i, e := range r.events {
		out[i] = e.Snapshot
	}
	return out
}

func testNode(started time.Time) types.Node {
	return types.Node{ID: "rec-1", NodeID: "z6MkNode", CreatedAt: started, StartedAt: started}
}

func fastConfig() Config {
	return Config{Interval: 5 * time.Millisecond, Deadline: 2 * time.Second, BootingTimeout: time.Minute}
}

func TestMonitor_PublishesOnlyChanges(t *testing.T) {
	source := &scriptedSource{results: []pollResult{
		{status: types.NodeStatus{Running: false}},
		{status: types.NodeStatus{Running: false, SizeBytes: 10}},
		{status: types.NodeStatus{Running: true, Peers: 0, SinceSeconds: 1}},
		{status: types.NodeStatus{Running: true, Peers: 0, SinceSeconds: 4, SizeBytes: 99}},
		{status: types.NodeStatus{Running: true, Peers: 2}},
	}}
	rec := &recorder{}
	m := NewMonitor(source, rec, fastConfig())
	defer m.Close()

	node := testNode(time.Now())
	m.Start(node)

	require.Eventually(t, func() bool { return !m.Monitoring(node.NodeID) }, 2*time.Second, 5*time.Millisecond)

	snaps := rec.snapshots()
	require.Len(t, snaps, 3)
	assert.False(t, snaps[0].Running)
	assert.True(t, snaps[1].Running)
	assert.True(t, snaps[1].Booting)
	assert.Equal(t, 2, snaps[2].Peers)
	assert.False(t, snaps[2].Booting)
	assert.Equal(t, 5, source.count())
}

func TestMonitor_HealthyOnFirstPoll(t *testing.T) {
	source := &scriptedSource{results: []pollResult{
		{status: types.NodeStatus{Running: true, Peers: 3}},
	}}
	bus := events.NewBus()
	var got []types.StatusEvent
	bus.Subscribe(func(e types.StatusEvent) { got = append(got, e) })

	m := NewMonitor(source, bus, fastConfig())
	node := testNode(time.Now())
	m.Start(node)

	require.Eventually(t, func() bool { return !m.Monitoring(node.NodeID) }, 2*time.Second, 5*time.Millisecond)
	require.Len(t, got, 1)
	assert.Equal(t, "z6MkNode", got[0].NodeID)
	assert.False(t, got[0].At.IsZero())
	assert.Equal(t, 1, source.count())
}

func TestMonitor_PollFailureKeepsSnapshot(t *testing.T) {
	source := &scriptedSource{results: []pollResult{
		{status: types.NodeStatus{Running: true}},
		{err: errors.New("exec failed")},
		{status: types.NodeStatus{Running: true}},
		{status: types.NodeStatus{Running: true, Peers: 1}},
	}}
	rec := &recorder{}
	m := NewMonitor(source, rec, fastConfig())

	node := testNode(time.Now().Add(-time.Hour))
	m.Start(node)

	require.Eventually(t, func() bool { return !m.Monitoring(node.NodeID) }, 2*time.Second, 5*time.Millisecond)

	snaps := rec.snapshots()
	require.Len(t, snaps, 2)
	assert.False(t, snaps[0].Booting, "node older than booting timeout")
	assert.Equal(t, 1, snaps[1].Peers)
}

func TestMonitor_Deadline(t *testing.T) {
	source := &scriptedSource{results: []pollResult{
		{status: types.NodeStatus{Running: false}},
	}}
	rec := &recorder{}
	cfg := fastConfig()
	cfg.Deadline = 50 * time.Millisecond
	m := NewMonitor(source, rec, cfg)

	node := testNode(time.Now())
	m.Start(node)

	require.Eventually(t, func() bool { return !m.Monitoring(node.NodeID) }, 2*time.Second, 5*time.Millisecond)
	polls := source.count()
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, polls, source.count())
	assert.Len(t, rec.snapshots(), 1)
}

func TestMonitor_StartIsIdempotent(t *testing.T) {
	source := &scriptedSource{results: []pollResult{
		{status: types.NodeStatus{Running: false}},
	}}
	rec := &recorder{}
	cfg := fastConfig()
	cfg.Interval = time.Hour
	m := NewMonitor(source, rec, cfg)
	defer m.Close()

	node := testNode(time.Now())
	stop := m.Start(node)
	m.Start(node)

	require.Eventually(t, func() bool { return source.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, source.count())
	assert.Len(t, rec.snapshots(), 1)

	stop()
	stop()
	m.Stop(node.NodeID)
	assert.False(t, m.Monitoring(node.NodeID))

	// A stopped node can be monitored again and reports afresh
	m.Start(node)
	require.Eventually(t, func() bool { return len(rec.snapshots()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestMonitor_NoPublishAfterStop(t *testing.T) {
	source := &scriptedSource{}
	for i := 0; i < 200; i++ {
		source.results = append(source.results, pollResult{status: types.NodeStatus{Running: i%2 == 0}})
	}
	rec := &recorder{}
	cfg := fastConfig()
	cfg.Interval = time.Millisecond
	m := NewMonitor(source, rec, cfg)

	node := testNode(time.Now())
	m.Start(node)
	require.Eventually(t, func() bool { return len(rec.snapshots()) >= 3 }, time.Second, time.Millisecond)

	m.Stop(node.NodeID)
	// Let a change that was already being published land
	time.Sleep(5 * time.Millisecond)
	published := len(rec.snapshots())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, published, len(rec.snapshots()))
}

func TestMonitor_StopUnknownNode(t *testing.T) {
	m := NewMonitor(&scriptedSource{}, &recorder{}, Config{})
	assert.NotPanics(t, func() { m.Stop("unknown") })
	assert.Equal(t, DefaultInterval, m.cfg.Interval)
	assert.Equal(t, DefaultDeadline, m.cfg.Deadline)
	assert.Equal(t, DefaultBootingTimeout, m.cfg.BootingTimeout)
}

func TestMonitor_StopFromListener(t *testing.T) {
	source := &scriptedSource{results: []pollResult{
		{status: types.NodeStatus{Running: true}},
		{status: types.NodeStatus{Running: false}},
	}}
	bus := events.NewBus()
	cfg := fastConfig()
	cfg.Interval = time.Millisecond
	m := NewMonitor(source, bus, cfg)
	defer m.Close()

	node := testNode(time.Now())
	var mu sync.Mutex
	var got []types.StatusEvent
	bus.SubscribeNode(node.NodeID, func(e types.StatusEvent) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		m.Stop(e.NodeID)
	})

	m.Start(node)

	require.Eventually(t, func() bool { return !m.Monitoring(node.NodeID) }, time.Second, time.Millisecond)
	polls := source.count()
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, polls, source.count())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.True(t, got[0].Snapshot.Running)
}
