package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/seedhost/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	state    State
	messages chan []byte
	closed   bool
	types    []string
}

func (c *fakeConn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) Messages() <-chan []byte { return c.messages }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateClosed
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fail simulates a transport error
func (c *fakeConn) fail() {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	close(c.messages)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	state State
	err   error
}

func (d *fakeDialer) Dial(ctx context.Context, eventTypes []string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{state: d.state, messages: make(chan []byte, 16), types: eventTypes}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func newDialer() *fakeDialer {
	return &fakeDialer{state: StateOpen}
}

func collector() (Callback, func() []types.NodeEvent) {
	var mu sync.Mutex
	var got []types.NodeEvent
	cb := func(e types.NodeEvent) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	}
	return cb, func() []types.NodeEvent {
		mu.Lock()
		defer mu.Unlock()
		return append([]types.NodeEvent(nil), got...)
	}
}

func TestFilterKey(t *testing.T) {
	assert.Equal(t, AllEvents, FilterKey(nil))
	assert.Equal(t, AllEvents, FilterKey([]string{}))
	assert.Equal(t, `["a","b"]`, FilterKey([]string{"b", "a", "b"}))
	assert.Equal(t, FilterKey([]string{"a", "b"}), FilterKey([]string{"b", "a"}))
	assert.NotEqual(t, FilterKey([]string{"a,b"}), FilterKey([]string{"a", "b"}))
	assert.Equal(t, `[""]`, FilterKey([]string{""}))
}

func TestPool_SameFilterSharesConnection(t *testing.T) {
	dialer := newDialer()
	pool := NewPool(dialer)
	defer pool.Close()

	cbA, gotA := collector()
	cbB, gotB := collector()

	_, err := pool.Subscribe(context.Background(), cbA, []string{"a", "b"})
	require.NoError(t, err)
	_, err = pool.Subscribe(context.Background(), cbB, []string{"b", "a"})
	require.NoError(t, err)

	require.Equal(t, 1, dialer.count())
	assert.Equal(t, []string{"a", "b"}, dialer.conn(0).types)

	dialer.conn(0).messages <- []byte(`{"type":"a"}`)
	require.Eventually(t, func() bool { return len(gotA()) == 1 && len(gotB()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestPool_CommaFilterIsDistinct(t *testing.T) {
	dialer := newDialer()
	pool := NewPool(dialer)
	defer pool.Close()

	noop := func(types.NodeEvent) {}
	_, err := pool.Subscribe(context.Background(), noop, []string{"a,b"})
	require.NoError(t, err)
	_, err = pool.Subscribe(context.Background(), noop, []string{"a", "b"})
	require.NoError(t, err)

	assert.Equal(t, 2, dialer.count())
	assert.Equal(t, 2, pool.Connections())
}

func TestPool_EmptyFilterIsAllEvents(t *testing.T) {
	dialer := newDialer()
	pool := NewPool(dialer)
	defer pool.Close()

	noop := func(types.NodeEvent) {}
	_, err := pool.Subscribe(context.Background(), noop, nil)
	require.NoError(t, err)
	_, err = pool.Subscribe(context.Background(), noop, []string{})
	require.NoError(t, err)

	assert.Equal(t, 1, dialer.count())
	assert.Nil(t, dialer.conn(0).types)
}

func TestPool_LastUnsubscribeCloses(t *testing.T) {
	dialer := newDialer()
	pool := NewPool(dialer)

	noop := func(types.NodeEvent) {}
	unsubA, err := pool.Subscribe(context.Background(), noop, nil)
	require.NoError(t, err)
	unsubB, err := pool.Subscribe(context.Background(), noop, nil)
	require.NoError(t, err)

	conn := dialer.conn(0)
	unsubA()
	unsubA()
	assert.False(t, conn.isClosed())

	unsubB()
	assert.True(t, conn.isClosed())
	assert.Equal(t, 0, pool.Connections())

	_, err = pool.Subscribe(context.Background(), noop, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, dialer.count())
}

func TestPool_NonOpenConnectionNotReused(t *testing.T) {
	dialer := newDialer()
	dialer.state = StateConnecting
	pool := NewPool(dialer)
	defer pool.Close()

	noop := func(types.NodeEvent) {}
	_, err := pool.Subscribe(context.Background(), noop, []string{"x"})
	require.NoError(t, err)

	dialer.state = StateOpen
	_, err = pool.Subscribe(context.Background(), noop, []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, 2, dialer.count())

	_, err = pool.Subscribe(context.Background(), noop, []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, 2, dialer.count())
}

func TestPool_TransportErrorForgetsConnection(t *testing.T) {
	dialer := newDialer()
	pool := NewPool(dialer)
	defer pool.Close()

	noop := func(types.NodeEvent) {}
	_, err := pool.Subscribe(context.Background(), noop, nil)
	require.NoError(t, err)

	dialer.conn(0).fail()
	require.Eventually(t, func() bool { return pool.Connections() == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, dialer.conn(0).isClosed())

	_, err = pool.Subscribe(context.Background(), noop, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, dialer.count())
}

func TestPool_DropsUnparseableAndIsolatesPanics(t *testing.T) {
	dialer := newDialer()
	pool := NewPool(dialer)
	defer pool.Close()

	_, err := pool.Subscribe(context.Background(), func(types.NodeEvent) { panic("bad callback") }, nil)
	require.NoError(t, err)
	cb, got := collector()
	_, err = pool.Subscribe(context.Background(), cb, nil)
	require.NoError(t, err)

	conn := dialer.conn(0)
	conn.messages <- []byte("not json")
	conn.messages <- []byte(`{"type":"first"}`)
	conn.messages <- []byte(`{"type":"second"}`)

	require.Eventually(t, func() bool { return len(got()) == 2 }, time.Second, 5*time.Millisecond)
	events := got()
	assert.Equal(t, "first", events[0].Type)
	assert.Equal(t, "second", events[1].Type)
	assert.False(t, conn.isClosed())
}

func TestPool_DialError(t *testing.T) {
	dialer := newDialer()
	dialer.err = errors.New("connection refused")
	pool := NewPool(dialer)

	_, err := pool.Subscribe(context.Background(), func(types.NodeEvent) {}, nil)
	require.Error(t, err)
	assert.Equal(t, 0, pool.Connections())
}

func TestPool_DeliversInSubscriptionOrder(t *testing.T) {
	dialer := newDialer()
	pool := NewPool(dialer)
	defer pool.Close()

	var mu sync.Mutex
	var order []int
	unsubscribes := make([]func(), 8)
	for i := range unsubscribes {
		i := i
		unsubscribe, err := pool.Subscribe(context.Background(), func(types.NodeEvent) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}, []string{"ping"})
		require.NoError(t, err)
		unsubscribes[i] = unsubscribe
	}
	unsubscribes[3]()

	dialer.conn(0).messages <- []byte(`{"type":"ping"}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 7
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{0, 1, 2, 4, 5, 6, 7}, order)
	assert.Equal(t, 1, dialer.count())
}
