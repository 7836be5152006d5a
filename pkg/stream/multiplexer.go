package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/seedhost/pkg/broadcast"
	"github.com/cuemby/seedhost/pkg/lines"
	"github.com/cuemby/seedhost/pkg/log"
	"github.com/cuemby/seedhost/pkg/metrics"
	"github.com/cuemby/seedhost/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrSpawnInProgress is returned while another caller is starting the
	// subprocess for the same user. Callers may retry.
	ErrSpawnInProgress = errors.New("event stream is starting, retry later")

	// ErrStopInProgress is returned while the user's previous subprocess
	// has been told to stop but has not exited yet. Callers may retry.
	ErrStopInProgress = errors.New("event stream is stopping, retry later")
	// ErrSessionClosed is returned when the session was torn down while its
	// subprocess was being spawned.
	ErrSessionClosed = errors.New("event stream session closed")

	// ErrClosed is returned by Subscribe after Close.
	ErrClosed = errors.New("multiplexer closed")
)

const (
	defaultBuffer    = 64
	defaultKillAfter = 10 * time.Second
)

type sessionState int

const (
	stateSpawning sessionState = iota
	stateRunning
	// stateStopping keeps the session registered until its subprocess exits
	stateStopping
)

// Config tunes the multiplexer
type Config struct {
	// Buffer is the per-subscriber event queue length
	Buffer int

	// StopSignal is sent to the subprocess when its last subscriber leaves
	StopSignal os.Signal

	// KillAfter is how long a stopped subprocess may take to exit before it is killed
	KillAfter time.Duration
}

// Multiplexer shares one event subprocess per user across all subscribers
type Multiplexer struct {
	spawner Spawner
	cfg     Config
	logger  zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

type session struct {
	key    string
	state  sessionState
	proc   Process
	events *broadcast.Channel[types.NodeEvent]
	done   chan struct{}

	stopOnce sync.Once
}

// Subscription is one consumer attached to a user's event stream
type Subscription struct {
	id      string
	userKey string
	recv    *broadcast.Receiver[types.NodeEvent]
	once    sync.Once
}

// NewMultiplexer creates a multiplexer backed by spawner
func NewMultiplexer(spawner Spawner, cfg Config) *Multiplexer {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.StopSignal == nil {
		cfg.StopSignal = syscall.SIGTERM
	}
	if cfg.KillAfter <= 0 {
		cfg.KillAfter = defaultKillAfter
	}

	return &Multiplexer{
		spawner:  spawner,
		cfg:      cfg,
		logger:   log.WithComponent("stream"),
		sessions: make(map[string]*session),
	}
}

// Subscribe attaches a new subscriber to the user's event stream, starting
// the subprocess if none is running.
func (m *Multiplexer) Subscribe(ctx context.Context, userKey, containerRef string, filter *Filter) (*Subscription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}

	if s, ok := m.sessions[userKey]; ok {
		switch s.state {
		case stateSpawning:
			m.mu.Unlock()
			metrics.ProcessSpawnsTotal.WithLabelValues("conflict").Inc()
			return nil, ErrSpawnInProgress
		case stateStopping:
			m.mu.Unlock()
			metrics.ProcessSpawnsTotal.WithLabelValues("conflict").Inc()
			return nil, ErrStopInProgress
		}
		sub, err := m.attachLocked(s, filter)
		m.mu.Unlock()
		return sub, err
	}

	s := &session{key: userKey, state: stateSpawning, done: make(chan struct{})}
	s.events = broadcast.New[types.NodeEvent](func() { m.release(s) })
	m.sessions[userKey] = s
	m.updateSessionGauge()
	m.mu.Unlock()

	proc, err := m.spawner.Spawn(ctx, userKey, containerRef)

	m.mu.Lock()
	if err != nil {
		if m.sessions[userKey] == s {
			delete(m.sessions, userKey)
			m.updateSessionGauge()
		}
		m.mu.Unlock()
		metrics.ProcessSpawnsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to spawn event stream for %s: %w", userKey, err)
	}

	if s.state == stateStopping {
		s.proc = proc
		m.mu.Unlock()
		metrics.ProcessSpawnsTotal.WithLabelValues("aborted").Inc()
		m.logger.Debug().Str("user_id", userKey).Msg("Session torn down during spawn, stopping subprocess")
		s.events.Close()
		go m.drain(s)
		m.stop(s)
		return nil, ErrSessionClosed
	}

	s.state = stateRunning
	s.proc = proc
	sub, err := m.attachLocked(s, filter)
	m.mu.Unlock()

	metrics.ProcessSpawnsTotal.WithLabelValues("ok").Inc()
	m.logger.Info().
		Str("user_id", userKey).
		Str("container", containerRef).
		Msg("Started event stream")

	go m.pump(s)

	return sub, err
}

// Terminate tears down the user's session immediately, closing every
// subscription and stopping the subprocess. The session stays registered
// until the subprocess has exited.
func (m *Multiplexer) Terminate(userKey string) {
	m.mu.Lock()
	s, ok := m.sessions[userKey]
	if !ok || s.state == stateStopping {
		m.mu.Unlock()
		return
	}
	running := s.state == stateRunning
	s.state = stateStopping
	m.mu.Unlock()

	// A spawning session is stopped by its Subscribe once the spawn returns
	s.events.Close()
	if running {
		m.stop(s)
	}
}

// Sessions returns the number of live sessions, spawning and stopping ones included
func (m *Multiplexer) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close terminates every session and rejects further subscriptions
func (m *Multiplexer) Close() {
	m.mu.Lock()
	m.closed = true
	keys := make([]string, 0, len(m.sessions))
	for key := range m.sessions {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.Terminate(key)
	}
}

func (m *Multiplexer) attachLocked(s *session, filter *Filter) (*Subscription, error) {
	recv, err := s.events.Attach(m.cfg.Buffer, filter.matcher())
	if err != nil {
		return nil, ErrSessionClosed
	}
	metrics.StreamSubscribers.Inc()
	return &Subscription{
		id:      uuid.New().String(),
		userKey: s.key,
		recv:    recv,
	}, nil
}

// release runs when the last subscriber of s detaches
func (m *Multiplexer) release(s *session) {
	m.mu.Lock()
	if m.sessions[s.key] != s || s.state != stateRunning || s.events.Len() > 0 {
		m.mu.Unlock()
		return
	}
	s.state = stateStopping
	m.mu.Unlock()

	m.logger.Info().Str("user_id", s.key).Msg("Last subscriber left, stopping event stream")
	s.events.Close()
	m.stop(s)
}

// stop signals the subprocess and kills it if it does not exit in time
func (m *Multiplexer) stop(s *session) {
	s.stopOnce.Do(func() {
		if err := s.proc.Signal(m.cfg.StopSignal); err != nil {
			m.logger.Debug().Err(err).Str("user_id", s.key).Msg("Failed to signal event stream")
		}

		go func() {
			timer := time.NewTimer(m.cfg.KillAfter)
			defer timer.Stop()
			select {
			case <-s.done:
			case <-timer.C:
				m.logger.Warn().Str("user_id", s.key).Msg("Event stream did not exit, killing")
				_ = s.proc.Signal(os.Kill)
			}
		}()
	})
}

// pump feeds subprocess output to subscribers until the subprocess exits
func (m *Multiplexer) pump(s *session) {
	splitter := lines.NewSplitter(func(line string) {
		m.dispatch(s, line)
	})
	m.drainInto(s, splitter)
	splitter.Flush()

	err := s.proc.Wait()
	close(s.done)

	m.forget(s)
	s.events.Close()

	logEvent := m.logger.Info()
	if err != nil {
		logEvent = m.logger.Warn().Err(err)
	}
	logEvent.Str("user_id", s.key).Msg("Event stream exited")
}

// drain discards output of a subprocess nobody listens to and reaps it
func (m *Multiplexer) drain(s *session) {
	m.drainInto(s, io.Discard)
	_ = s.proc.Wait()
	close(s.done)
	m.forget(s)
}

// forget removes s from the registry once its subprocess has exited
func (m *Multiplexer) forget(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.key] == s {
		delete(m.sessions, s.key)
		m.updateSessionGauge()
	}
}

func (m *Multiplexer) drainInto(s *session, w io.Writer) {
	if _, err := io.Copy(w, s.proc.Stdout()); err != nil {
		m.logger.Debug().Err(err).Str("user_id", s.key).Msg("Event stream read ended")
	}
}

func (m *Multiplexer) dispatch(s *session, line string) {
	event, err := types.ParseNodeEvent([]byte(line))
	if err != nil {
		metrics.StreamEventsTotal.WithLabelValues("malformed").Inc()
		m.logger.Warn().Err(err).Str("user_id", s.key).Str("line", line).Msg("Dropping malformed event")
		return
	}

	metrics.StreamEventsTotal.WithLabelValues("delivered").Inc()
	s.events.Send(event)
}

func (m *Multiplexer) updateSessionGauge() {
	metrics.ProcessSessions.Set(float64(len(m.sessions)))
}

// ID identifies the subscription
func (s *Subscription) ID() string {
	return s.id
}

// UserKey is the user whose stream this subscription reads
func (s *Subscription) UserKey() string {
	return s.userKey
}

// Events delivers matching events. The channel is closed when the
// subscription ends, whether by Close, a slow consumer or stream exit.
func (s *Subscription) Events() <-chan types.NodeEvent {
	return s.recv.C()
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.recv.Detach()
		metrics.StreamSubscribers.Dec()
	})
}
