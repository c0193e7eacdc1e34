// Package scheduler runs named background tasks on one worker goroutine.
// Tasks are woken by tickers or by Trigger, which can also hand the next
// invocation its arguments. Wakes coalesce: a task already queued is not
// queued twice.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"lokiseq/infra/logger"
)

const maxTasks = 64

var (
	ErrDuplicate   = errors.New("scheduler: task already registered")
	ErrUnknownTask = errors.New("scheduler: unknown task")
	ErrTooMany     = errors.New("scheduler: too many tasks")
	ErrRunning     = errors.New("scheduler: already running")
)

// Handler runs one invocation. args is whatever the last Trigger passed,
// or nil for a timer wake.
type Handler func(ctx context.Context, args any) error

// Handle adapts a handler with typed arguments. A nil or mistyped
// argument arrives as the zero T.
func Handle[T any](fn func(ctx context.Context, args T) error) Handler {
	return func(ctx context.Context, args any) error {
		v, _ := args.(T)
		return fn(ctx, v)
	}
}

type task struct {
	name     string
	h        Handler
	every    time.Duration
	queued   atomic.Bool
	override chan any
}

type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*task
	ready   chan *task
	running bool
	log     *logrus.Entry
}

func New() *Scheduler {
	return &Scheduler{
		tasks: make(map[string]*task),
		ready: make(chan *task, maxTasks),
		log:   logger.WithComponent("scheduler"),
	}
}

func (s *Scheduler) Register(name string, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[name]; ok {
		return errors.Wrap(ErrDuplicate, name)
	}
	if len(s.tasks) == maxTasks {
		return ErrTooMany
	}
	s.tasks[name] = &task{name: name, h: h, override: make(chan any, 1)}
	return nil
}

// Every makes name run every d once Run starts. A zero d disables the timer.
func (s *Scheduler) Every(name string, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return errors.Wrap(ErrUnknownTask, name)
	}
	if s.running {
		return ErrRunning
	}
	t.every = d
	return nil
}

// Trigger queues name with args as its next arguments, replacing any
// arguments not yet consumed. It reports whether the task exists.
func (s *Scheduler) Trigger(name string, args any) bool {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case <-t.override:
	default:
	}
	select {
	case t.override <- args:
	default:
	}
	s.wake(t)
	return true
}

func (s *Scheduler) wake(t *task) {
	if t.queued.CompareAndSwap(false, true) {
		s.ready <- t
	}
}

// Run drives tickers and the worker until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrRunning
	}
	s.running = true
	var timed []*task
	for _, t := range s.tasks {
		if t.every > 0 {
			timed = append(timed, t)
		}
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range timed {
		wg.Add(1)
		go func(t *task) {
			defer wg.Done()
			tk := time.NewTicker(t.every)
			defer tk.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-tk.C:
					s.wake(t)
				}
			}
		}(t)
	}
	defer wg.Wait()

	s.log.WithField("timed", len(timed)).Info("scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case t := <-s.ready:
			s.run(ctx, t)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, t *task) {
	t.queued.Store(false)

	var args any
	select {
	case args = <-t.override:
	default:
	}

	start := time.Now()
	err := t.h(ctx, args)
	entry := s.log.WithFields(logrus.Fields{"task": t.name, "took": time.Since(start)})
	if err != nil {
		entry.WithError(err).Warn("task failed")
		return
	}
	entry.Debug("task done")
}
