// Package listener starts and stops the transports that feed the relay,
// either as goroutines in this process or as a child process speaking the
// stdio protocol.
package listener

import (
	"context"
	"errors"
	"sync"

	"github.com/mattjoyce/cmdrelay/internal/protocol"
)

// Relay is the callback set every listener is built from.
type Relay = protocol.Relay

// Handle is a running listener. Start reports bind or spawn failures
// synchronously. Terminate stops it and waits. Done closes once it has
// stopped for any reason.
type Handle interface {
	Start(ctx context.Context) error
	Terminate() error
	Done() <-chan struct{}
}

// Sender is implemented by handles that can take pushed messages.
type Sender interface {
	Send(ctx context.Context, message string) error
}

// Group runs several handles as one. Start is all-or-nothing.
type Group struct {
	handles []Handle

	mu      sync.Mutex
	started []Handle
	done    chan struct{}
}

var (
	_ Handle = (*Group)(nil)
	_ Sender = (*Group)(nil)
)

func NewGroup(handles ...Handle) *Group {
	return &Group{handles: handles, done: make(chan struct{})}
}

func (g *Group) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, h := range g.handles {
		if err := h.Start(ctx); err != nil {
			for i := len(g.started) - 1; i >= 0; i-- {
				_ = g.started[i].Terminate()
			}
			g.started = nil
			return err
		}
		g.started = append(g.started, h)
	}

	started := append([]Handle(nil), g.started...)
	go func() {
		for _, h := range started {
			<-h.Done()
		}
		close(g.done)
	}()
	return nil
}

// Terminate stops members in reverse start order and joins their errors.
func (g *Group) Terminate() error {
	g.mu.Lock()
	started := g.started
	g.started = nil
	g.mu.Unlock()

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		errs = append(errs, started[i].Terminate())
	}
	return errors.Join(errs...)
}

// Done closes after every started member has stopped.
func (g *Group) Done() <-chan struct{} {
	return g.done
}

// Send forwards message to every member that accepts pushed messages.
func (g *Group) Send(ctx context.Context, message string) error {
	g.mu.Lock()
	started := append([]Handle(nil), g.started...)
	g.mu.Unlock()

	var errs []error
	for _, h := range started {
		if s, ok := h.(Sender); ok {
			errs = append(errs, s.Send(ctx, message))
		}
	}
	return errors.Join(errs...)
}
