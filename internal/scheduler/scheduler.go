// Package scheduler serializes calls against a host that must never run two
// commands at once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ErrStopped is returned for calls made, or still waiting, when the worker is not running.
var ErrStopped = errors.New("call scheduler stopped")

// Func is one unit of serialized work. The context passed in is detached from
// cancellation: work that has started always runs to completion.
type Func func(ctx context.Context) error

type call struct {
	ctx  context.Context
	fn   Func
	done chan error
}

// Scheduler runs submitted functions one at a time in submission order.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending []*call
	running bool
	stopCh  chan struct{}
	wake    chan struct{}
	wg      sync.WaitGroup

	// slot is held while a function runs. A worker started after Stop
	// cannot overlap with a function the previous worker is still finishing.
	slot chan struct{}
}

// New creates a stopped Scheduler.
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger: logger.With("component", "scheduler"),
		wake:   make(chan struct{}, 1),
		slot:   make(chan struct{}, 1),
	}
}

// Start launches the worker. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("start call scheduler: %w", err)
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.loop(ctx, s.stopCh)
	s.logger.Debug("call scheduler started")
	return nil
}

// Stop fails queued calls with ErrStopped and stops the worker. A function
// already running is not interrupted; use Wait to block until it returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopLocked(s.stopCh)
}

// stopLocked is entered with mu held and releases it. It only stops the
// worker generation owning stop, so a stale worker cannot stop a restart.
func (s *Scheduler) stopLocked(stop chan struct{}) {
	if !s.running || s.stopCh != stop {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	dropped := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, c := range dropped {
		c.done <- ErrStopped
	}
	s.logger.Debug("call scheduler stopped", "dropped", len(dropped))
}

// Wait blocks until the worker goroutine has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Go reserves the next FIFO slot for fn and returns immediately. The
// returned channel receives fn's result exactly once.
func (s *Scheduler) Go(ctx context.Context, fn Func) <-chan error {
	c := &call{ctx: ctx, fn: fn, done: make(chan error, 1)}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		c.done <- ErrStopped
		return c.done
	}
	s.pending = append(s.pending, c)
	s.mu.Unlock()

	s.signal()
	return c.done
}

// Call queues fn and waits for its result. If ctx ends while fn is still
// waiting its turn, fn is skipped and ctx.Err() is returned.
func (s *Scheduler) Call(ctx context.Context, fn Func) error {
	done := s.Go(ctx, fn)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports how many calls are waiting for the worker.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) loop(ctx context.Context, stop chan struct{}) {
	defer s.wg.Done()
	// A stopped worker may have swallowed a wake-up meant for its successor.
	defer s.signal()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			s.mu.Lock()
			s.stopLocked(stop)
			return
		default:
		}

		c := s.next()
		if c == nil {
			select {
			case <-stop:
			case <-ctx.Done():
			case <-s.wake:
			}
			continue
		}
		s.run(c)
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) next() *call {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	c := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	return c
}

func (s *Scheduler) run(c *call) {
	s.slot <- struct{}{}
	defer func() { <-s.slot }()

	if err := c.ctx.Err(); err != nil {
		c.done <- err
		return
	}
	c.done <- s.invoke(c)
}

func (s *Scheduler) invoke(c *call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled call panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.fn(context.WithoutCancel(c.ctx))
}
