package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
)

// Server is an in-process transport. Bind acquires resources such as the
// listening socket; Serve runs until ctx is cancelled.
type Server interface {
	Bind() error
	Serve(ctx context.Context) error
}

// Task runs a Server on a goroutine of this process.
type Task struct {
	name   string
	server Server
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

var _ Handle = (*Task)(nil)

func NewTask(name string, server Server, logger *slog.Logger) *Task {
	return &Task{
		name:   name,
		server: server,
		logger: logger.With("component", "listener", "listener", name),
		done:   make(chan struct{}),
	}
}

func (t *Task) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return fmt.Errorf("listener %s already started", t.name)
	}
	if err := t.server.Bind(); err != nil {
		return fmt.Errorf("listener %s: %w", t.name, err)
	}

	ctx, t.cancel = context.WithCancel(ctx)
	t.started = true
	go func() {
		defer close(t.done)
		err := t.server.Serve(ctx)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("listener stopped", "error", err)
			t.mu.Lock()
			t.err = err
			t.mu.Unlock()
			return
		}
		t.logger.Info("listener stopped")
	}()
	t.logger.Info("listener started")
	return nil
}

// Terminate cancels the server and waits for Serve to return.
func (t *Task) Terminate() error {
	t.mu.Lock()
	started, cancel := t.started, t.cancel
	t.mu.Unlock()
	if !started {
		return nil
	}

	cancel()
	<-t.done

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Send lets a Task stand in as a push target when its server takes messages.
func (t *Task) Send(ctx context.Context, message string) error {
	if s, ok := t.server.(Sender); ok {
		return s.Send(ctx, message)
	}
	return nil
}
