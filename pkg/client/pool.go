package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/seedhost/pkg/log"
	"github.com/cuemby/seedhost/pkg/types"
	"github.com/rs/zerolog"
)

// AllEvents is the filter key of a subscription without a type filter
const AllEvents = "*"

// State is the lifecycle state of a transport connection
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Conn is one transport connection delivering raw event payloads
type Conn interface {
	State() State

	// Messages is closed when the connection fails or is closed
	Messages() <-chan []byte

	Close() error
}

// Dialer opens a connection streaming events of the given types; an empty
// list means all events.
type Dialer interface {
	Dial(ctx context.Context, eventTypes []string) (Conn, error)
}

// Callback receives parsed events
type Callback func(event types.NodeEvent)

// Pool shares one connection between all subscribers with the same filter
type Pool struct {
	dialer Dialer
	logger zerolog.Logger

	mu    sync.Mutex
	conns map[string]*pooledConn
}

type pooledConn struct {
	key    string
	conn   Conn
	subs   []subscriber // in subscription order
	nextID uint64
}

type subscriber struct {
	id uint64
	cb Callback
}

// NewPool creates a pool backed by dialer
func NewPool(dialer Dialer) *Pool {
	return &Pool{
		dialer: dialer,
		logger: log.WithComponent("client"),
		conns:  make(map[string]*pooledConn),
	}
}

// FilterKey normalises an event type filter. Types are sorted and
// deduplicated and encoded as a JSON array so that no two distinct
// filters share a key.
func FilterKey(eventTypes []string) string {
	if len(eventTypes) == 0 {
		return AllEvents
	}

	set := make(map[string]struct{}, len(eventTypes))
	unique := make([]string, 0, len(eventTypes))
	for _, t := range eventTypes {
		if _, ok := set[t]; ok {
			continue
		}
		set[t] = struct{}{}
		unique = append(unique, t)
	}
	sort.Strings(unique)

	key, _ := json.Marshal(unique)
	return string(key)
}

// Subscribe attaches cb to the connection for eventTypes, opening one if
// no open connection exists. The returned function unsubscribes and may be
// called any number of times.
func (p *Pool) Subscribe(ctx context.Context, cb Callback, eventTypes []string) (func(), error) {
	key := FilterKey(eventTypes)

	p.mu.Lock()
	if pc, ok := p.conns[key]; ok && pc.conn.State() == StateOpen {
		unsubscribe := p.attachLocked(pc, cb)
		p.mu.Unlock()
		return unsubscribe, nil
	}
	p.mu.Unlock()

	var dialTypes []string
	if key != AllEvents {
		_ = json.Unmarshal([]byte(key), &dialTypes)
	}
	conn, err := p.dialer.Dial(ctx, dialTypes)
	if err != nil {
		return nil, fmt.Errorf("failed to open event connection: %w", err)
	}

	p.mu.Lock()
	if pc, ok := p.conns[key]; ok && pc.conn.State() == StateOpen {
		// Lost a race with another subscriber for the same key
		unsubscribe := p.attachLocked(pc, cb)
		p.mu.Unlock()
		_ = conn.Close()
		return unsubscribe, nil
	}

	pc := &pooledConn{key: key, conn: conn}
	p.conns[key] = pc
	unsubscribe := p.attachLocked(pc, cb)
	p.mu.Unlock()

	p.logger.Debug().Str("filter", key).Msg("Opened event connection")
	go p.read(pc)

	return unsubscribe, nil
}

// Connections returns the number of pooled connections
func (p *Pool) Connections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close closes every pooled connection
func (p *Pool) Close() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*pooledConn)
	p.mu.Unlock()

	for _, pc := range conns {
		_ = pc.conn.Close()
	}
}

func (p *Pool) attachLocked(pc *pooledConn, cb Callback) func() {
	pc.nextID++
	id := pc.nextID
	pc.subs = append(pc.subs, subscriber{id: id, cb: cb})

	var once sync.Once
	return func() {
		once.Do(func() { p.detach(pc, id) })
	}
}

func (p *Pool) detach(pc *pooledConn, id uint64) {
	p.mu.Lock()
	for i, sub := range pc.subs {
		if sub.id == id {
			pc.subs = append(pc.subs[:i:i], pc.subs[i+1:]...)
			break
		}
	}
	empty := len(pc.subs) == 0
	if empty && p.conns[pc.key] == pc {
		delete(p.conns, pc.key)
	}
	p.mu.Unlock()

	if empty {
		_ = pc.conn.Close()
	}
}

func (p *Pool) read(pc *pooledConn) {
	for msg := range pc.conn.Messages() {
		event, err := types.ParseNodeEvent(msg)
		if err != nil {
			p.logger.Debug().Err(err).Str("filter", pc.key).Msg("Dropping unparseable event")
			continue
		}

		p.mu.Lock()
		subs := make([]subscriber, len(pc.subs))
		copy(subs, pc.subs)
		p.mu.Unlock()

		for _, sub := range subs {
			p.deliver(pc, sub.cb, event)
		}
	}

	p.mu.Lock()
	if p.conns[pc.key] == pc {
		delete(p.conns, pc.key)
	}
	p.mu.Unlock()
	_ = pc.conn.Close()

	p.logger.Debug().Str("filter", pc.key).Msg("Event connection closed")
}

func (p *Pool) deliver(pc *pooledConn, cb Callback, event types.NodeEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Str("filter", pc.key).Msg("Event callback panicked")
		}
	}()
	cb(event)
}
