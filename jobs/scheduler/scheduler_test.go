package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func start(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func TestTriggerPassesArgs(t *testing.T) {
	s := New()
	got := make(chan string, 4)
	require.NoError(t, s.Register("echo", Handle(func(_ context.Context, v string) error {
		got <- v
		return nil
	})))
	start(t, s)

	assert.True(t, s.Trigger("echo", "hello"))
	select {
	case v := <-got:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}

	assert.False(t, s.Trigger("missing", nil))
}

func TestEvery(t *testing.T) {
	s := New()
	var n atomic.Int32
	require.NoError(t, s.Register("tick", func(context.Context, any) error {
		n.Add(1)
		return nil
	}))
	require.NoError(t, s.Every("tick", 5*time.Millisecond))
	start(t, s)

	assert.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, time.Millisecond)
}

func TestTimerWakeGetsNilArgs(t *testing.T) {
	s := New()
	got := make(chan any, 16)
	require.NoError(t, s.Register("t", func(_ context.Context, args any) error {
		got <- args
		return nil
	}))
	require.NoError(t, s.Every("t", 5*time.Millisecond))
	start(t, s)

	select {
	case v := <-got:
		assert.Nil(t, v)
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
}

func TestWakesCoalesce(t *testing.T) {
	s := New()
	release := make(chan struct{})
	var (
		mu   sync.Mutex
		seen []int
	)
	require.NoError(t, s.Register("slow", Handle(func(_ context.Context, v int) error {
		<-release
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
		return nil
	})))
	start(t, s)

	s.Trigger("slow", 1)
	// While the first run blocks, later triggers fold into one run that
	// sees the newest arguments.
	require.Eventually(t, func() bool { return !s.tasks["slow"].queued.Load() }, time.Second, time.Millisecond)
	s.Trigger("slow", 2)
	s.Trigger("slow", 3)
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, []int{1, 3}, seen)
	mu.Unlock()
}

func TestRegisterErrors(t *testing.T) {
	s := New()
	h := func(context.Context, any) error { return nil }
	require.NoError(t, s.Register("a", h))
	assert.True(t, errors.Is(s.Register("a", h), ErrDuplicate))
	assert.True(t, errors.Is(s.Every("b", time.Second), ErrUnknownTask))
}

func TestFailingTaskKeepsWorkerAlive(t *testing.T) {
	s := New()
	ok := make(chan struct{}, 1)
	require.NoError(t, s.Register("bad", func(context.Context, any) error { return errors.New("boom") }))
	require.NoError(t, s.Register("good", func(context.Context, any) error {
		ok <- struct{}{}
		return nil
	}))
	start(t, s)

	s.Trigger("bad", nil)
	s.Trigger("good", nil)
	select {
	case <-ok:
	case <-time.After(time.Second):
		t.Fatal("worker stopped after a failing task")
	}
}
