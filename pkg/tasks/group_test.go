package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroup_ReportsErrors(t *testing.T) {
	g := New(context.Background(), 4)
	defer g.Stop()

	cause := errors.New("activation failed")
	g.Go("activate", func(ctx context.Context) error { return cause })
	g.Go("ok", func(ctx context.Context) error { return nil })
	g.Wait()

	select {
	case f := <-g.Errors():
		assert.Equal(t, "activate", f.Task)
		assert.ErrorIs(t, f, cause)
		assert.Equal(t, "task activate: activation failed", f.Error())
	default:
		t.Fatal("expected a failure")
	}

	select {
	case f := <-g.Errors():
		t.Fatalf("unexpected failure %v", f)
	default:
	}
}

func TestGroup_RecoversPanics(t *testing.T) {
	g := New(context.Background(), 4)
	defer g.Stop()

	var after atomic.Bool
	g.Go("explode", func(ctx context.Context) error { panic("boom") })
	g.Go("survivor", func(ctx context.Context) error {
		after.Store(true)
		return nil
	})
	g.Wait()

	f := <-g.Errors()
	assert.Equal(t, "explode", f.Task)
	assert.Contains(t, f.Err.Error(), "boom")
	assert.True(t, after.Load())
}

func TestGroup_StopCancelsTasks(t *testing.T) {
	g := New(context.Background(), 4)

	started := make(chan struct{})
	g.Go("long", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started

	done := make(chan struct{})
	go func() {
		g.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	f, ok := <-g.Errors()
	require.True(t, ok)
	assert.ErrorIs(t, f, context.Canceled)

	_, ok = <-g.Errors()
	assert.False(t, ok, "errors closed after stop")
}

func TestGroup_GoAfterStop(t *testing.T) {
	g := New(context.Background(), 1)
	g.Stop()
	g.Stop()

	var ran atomic.Bool
	assert.NotPanics(t, func() {
		g.Go("late", func(ctx context.Context) error {
			ran.Store(true)
			return nil
		})
	})
	assert.False(t, ran.Load())
}

func TestGroup_FullErrorChannelDoesNotBlock(t *testing.T) {
	g := New(context.Background(), 1)
	defer g.Stop()

	for i := 0; i < 5; i++ {
		g.Go("fail", func(ctx context.Context) error { return errors.New("x") })
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks blocked on full error channel")
	}
	assert.Len(t, g.Errors(), 1)
}
