// Package broadcast provides a one-producer, many-consumer delivery primitive.
package broadcast

import (
	"errors"
	"sync"
)

// ErrClosed is returned when attaching to a closed channel
var ErrClosed = errors.New("broadcast channel closed")

// Channel fans values out to attached receivers. Sends never block: a
// receiver whose buffer is full is detached and its channel closed, leaving
// the producer and the other receivers untouched.
type Channel[T any] struct {
	mu        sync.Mutex
	receivers []*Receiver[T]
	closed    bool
	onEmpty   func()
}

// Receiver is one consumer handle
type Receiver[T any] struct {
	ch     chan T
	accept func(T) bool
	owner  *Channel[T]

	mu     sync.Mutex
	closed bool
}

// New creates a channel. onEmpty, if set, runs after a detach leaves the
// channel without receivers; it is not called by Close.
func New[T any](onEmpty func()) *Channel[T] {
	return &Channel[T]{onEmpty: onEmpty}
}

// Attach adds a receiver with the given buffer size. accept filters which
// values the receiver gets; nil accepts everything.
func (c *Channel[T]) Attach(buffer int, accept func(T) bool) (*Receiver[T], error) {
	if buffer < 1 {
		buffer = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	r := &Receiver[T]{
		ch:     make(chan T, buffer),
		accept: accept,
		owner:  c,
	}
	c.receivers = append(c.receivers, r)
	return r, nil
}

// Send delivers v to every receiver attached when Send was called and
// returns the number of receivers that took it. Receivers attached during
// the send do not see v.
func (c *Channel[T]) Send(v T) int {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0
	}
	snapshot := make([]*Receiver[T], len(c.receivers))
	copy(snapshot, c.receivers)
	c.mu.Unlock()

	delivered := 0
	for _, r := range snapshot {
		if !r.wants(v) {
			continue
		}
		ok, stale := r.offer(v)
		if ok {
			delivered++
		} else if !stale {
			r.Detach()
		}
	}
	return delivered
}

// Len returns the number of attached receivers
func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.receivers)
}

// Close detaches and closes every receiver. Further sends are dropped and
// further attaches fail.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	receivers := c.receivers
	c.receivers = nil
	c.mu.Unlock()

	for _, r := range receivers {
		r.close()
	}
}

// Closed reports whether Close has been called
func (c *Channel[T]) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// C returns the receive side. It is closed when the receiver is detached
// or the channel is closed.
func (r *Receiver[T]) C() <-chan T {
	return r.ch
}

// Detach removes the receiver and closes its channel. It is safe to call
// more than once and from any goroutine. It returns the number of receivers
// still attached to the channel.
func (r *Receiver[T]) Detach() int {
	c := r.owner

	c.mu.Lock()
	found := false
	for i, other := range c.receivers {
		if other == r {
			c.receivers = append(c.receivers[:i:i], c.receivers[i+1:]...)
			found = true
			break
		}
	}
	remaining := len(c.receivers)
	empty := found && remaining == 0 && !c.closed
	onEmpty := c.onEmpty
	c.mu.Unlock()

	r.close()

	if empty && onEmpty != nil {
		onEmpty()
	}
	return remaining
}

func (r *Receiver[T]) wants(v T) (ok bool) {
	if r.accept == nil {
		return true
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return r.accept(v)
}

// offer attempts a non-blocking send. stale reports that the receiver was
// already closed, in which case there is nothing to detach.
func (r *Receiver[T]) offer(v T) (ok, stale bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false, true
	}
	select {
	case r.ch <- v:
		return true, false
	default:
		return false, false
	}
}

func (r *Receiver[T]) close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.closed {
		r.closed = true
		close(r.ch)
	}
}
