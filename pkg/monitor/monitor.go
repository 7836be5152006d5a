// Package monitor polls node status until the node is healthy or a deadline passes.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/seedhost/pkg/log"
	"github.com/cuemby/seedhost/pkg/metrics"
	"github.com/cuemby/seedhost/pkg/types"
	"github.com/rs/zerolog"
)

const (
	DefaultInterval       = 3 * time.Second
	DefaultDeadline       = 5 * time.Minute
	DefaultBootingTimeout = 2 * time.Minute
)

// StatusSource reports a node's current raw status
type StatusSource interface {
	NodeStatus(ctx context.Context, node types.Node) (types.NodeStatus, error)
}

// Publisher receives status change notifications
type Publisher interface {
	Publish(event types.StatusEvent)
}

// Config tunes polling
type Config struct {
	Interval       time.Duration
	Deadline       time.Duration
	BootingTimeout time.Duration
}

// Monitor runs at most one polling session per node
type Monitor struct {
	source    StatusSource
	publisher Publisher
	cfg       Config
	now       func() time.Time
	logger    zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	key    string
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	last    *types.Snapshot
}

// NewMonitor creates a monitor. Zero config values take the defaults.
func NewMonitor(source StatusSource, publisher Publisher, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	if cfg.BootingTimeout <= 0 {
		cfg.BootingTimeout = DefaultBootingTimeout
	}

	return &Monitor{
		source:    source,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		logger:    log.WithComponent("monitor"),
		sessions:  make(map[string]*session),
	}
}

// Start begins polling node unless it is already monitored. The returned
// function stops the node's session.
func (m *Monitor) Start(node types.Node) func() {
	key := node.NodeID
	stop := func() { m.Stop(key) }

	m.mu.Lock()
	if _, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		return stop
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Deadline)
	s := &session{key: key, cancel: cancel}
	m.sessions[key] = s
	metrics.MonitorSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	m.logger.Debug().Str("node_id", key).Msg("Monitoring node status")
	go m.run(ctx, node, s)

	return stop
}

// Stop ends monitoring of the node. No poll starts after Stop returns; a
// change already being published completes. It is a no-op for unknown nodes
// and may be called from inside Publish.
func (m *Monitor) Stop(nodeKey string) {
	m.mu.Lock()
	s, ok := m.sessions[nodeKey]
	if ok {
		delete(m.sessions, nodeKey)
		metrics.MonitorSessions.Set(float64(len(m.sessions)))
	}
	m.mu.Unlock()

	if ok {
		s.halt()
	}
}

// Monitoring reports whether the node currently has a session
func (m *Monitor) Monitoring(nodeKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[nodeKey]
	return ok
}

// Close stops every session
func (m *Monitor) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*session)
	metrics.MonitorSessions.Set(0)
	m.mu.Unlock()

	for _, s := range sessions {
		s.halt()
	}
}

func (m *Monitor) run(ctx context.Context, node types.Node, s *session) {
	logger := log.ForNode(m.logger, s.key, node.UserID)
	defer m.finish(s)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		if m.poll(ctx, node, s, logger) {
			logger.Debug().Msg("Node healthy, monitoring finished")
			return
		}

		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
		if err := ctx.Err(); err != nil {
			if err == context.DeadlineExceeded {
				logger.Info().Dur("deadline", m.cfg.Deadline).Msg("Status monitoring deadline reached")
			}
			return
		}
	}
}

// poll fetches one status and publishes it if it changed. It reports
// whether the node became healthy.
func (m *Monitor) poll(ctx context.Context, node types.Node, s *session, logger zerolog.Logger) bool {
	status, err := m.source.NodeStatus(ctx, node)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		metrics.StatusPollsTotal.WithLabelValues("error").Inc()
		logger.Warn().Err(err).Msg("Status poll failed")
		return false
	}
	metrics.StatusPollsTotal.WithLabelValues("ok").Inc()

	snap := types.NewSnapshot(status, node.Age(m.now()), m.cfg.BootingTimeout)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	changed := snap.Changed(s.last)
	if changed {
		s.last = &snap
	}
	s.mu.Unlock()

	if changed {
		metrics.StatusChangesTotal.Inc()
		m.publisher.Publish(types.StatusEvent{
			NodeID:   s.key,
			Snapshot: snap,
			At:       m.now(),
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped && snap.Healthy()
}

// finish removes s from the registry if it is still the node's session
func (m *Monitor) finish(s *session) {
	m.mu.Lock()
	if m.sessions[s.key] == s {
		delete(m.sessions, s.key)
		metrics.MonitorSessions.Set(float64(len(m.sessions)))
	}
	m.mu.Unlock()
	s.halt()
}

func (s *session) halt() {
	s.cancel()
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}
