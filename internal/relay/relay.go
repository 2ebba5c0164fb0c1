// Package relay owns the lifecycle of one relay: its listener and, in push
// mode, the forwarder that drains the outbound queue into responders. The
// call scheduler belongs to whoever built the dispatcher.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/cmdrelay/internal/dispatch"
	"github.com/mattjoyce/cmdrelay/internal/listener"
	"github.com/mattjoyce/cmdrelay/internal/outbound"
)

var (
	// ErrListenerStart wraps any failure to bring the listener up.
	ErrListenerStart = errors.New("listener failed to start")
	// ErrNotRunning is returned by Run while the relay is stopped.
	ErrNotRunning = errors.New("relay is not running")
)

// Mode selects how outbound messages leave the relay.
type Mode string

const (
	// ModePull leaves messages queued until a transport drains them.
	ModePull Mode = "pull"
	// ModePush forwards each message to the responders as it arrives.
	ModePush Mode = "push"
)

// State is the lifecycle state of a Relay.
type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// Factory builds the listener handle for one run of the relay.
type Factory func(r listener.Relay) (listener.Handle, error)

// Options tune a Relay.
type Options struct {
	Mode Mode
	// ForwardInterval is the pause between forwarded messages in push mode.
	ForwardInterval time.Duration
	// Responder receives forwarded messages in addition to the listener
	// handle, when the handle accepts them.
	Responder Responder
}

// Relay is the core: every transport reaches the dispatcher and the outbound
// queue through it.
type Relay struct {
	dispatcher *dispatch.Dispatcher
	queue      *outbound.Queue
	factory    Factory
	opts       Options
	logger     *slog.Logger

	running atomic.Bool

	mu          sync.Mutex
	state       State
	handle      listener.Handle
	stopForward context.CancelFunc
	forwardDone chan struct{}
	startedAt   time.Time
}

var _ listener.Relay = (*Relay)(nil)

func New(d *dispatch.Dispatcher, q *outbound.Queue, factory Factory, logger *slog.Logger, opts Options) *Relay {
	if opts.Mode == "" {
		opts.Mode = ModePull
	}
	return &Relay{
		dispatcher: d,
		queue:      q,
		factory:    factory,
		opts:       opts,
		logger:     logger.With("component", "relay"),
	}
}

// Start brings the relay up. Calling it while running is a no-op.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Running {
		return nil
	}

	handle, err := r.factory(r)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrListenerStart, err)
	}

	// Listeners may submit as soon as they are up.
	r.running.Store(true)
	if err := handle.Start(ctx); err != nil {
		r.running.Store(false)
		return fmt.Errorf("%w: %w", ErrListenerStart, err)
	}
	r.handle = handle

	if r.opts.Mode == ModePush {
		responders := MultiResponder{}
		if r.opts.Responder != nil {
			responders = append(responders, r.opts.Responder)
		}
		if s, ok := handle.(listener.Sender); ok {
			responders = append(responders, s)
		}
		fctx, cancel := context.WithCancel(context.Background())
		r.stopForward = cancel
		r.forwardDone = make(chan struct{})
		go r.forward(fctx, responders, r.forwardDone)
	}

	r.state = Running
	r.startedAt = time.Now()
	r.logger.Info("relay started", "mode", r.opts.Mode)
	return nil
}

// Stop terminates the listener and the forwarder, then discards anything
// left in the outbound queue. Commands accepted before Stop still run; their
// output lands in the queue. Calling it while stopped is a no-op.
func (r *Relay) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Stopped {
		return nil
	}

	r.running.Store(false)
	termErr := r.handle.Terminate()
	if r.stopForward != nil {
		r.stopForward()
		<-r.forwardDone
		r.stopForward, r.forwardDone = nil, nil
	}

	dropped := r.queue.Reset()
	r.handle = nil
	r.state = Stopped
	r.logger.Info("relay stopped", "dropped_messages", dropped)

	if termErr != nil {
		return fmt.Errorf("terminate listener: %w", termErr)
	}
	return nil
}

// State reports whether the relay is running.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Relay) Mode() Mode {
	return r.opts.Mode
}

// Uptime is the time since the last successful Start, or zero when stopped.
func (r *Relay) Uptime() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Running {
		return 0
	}
	return time.Since(r.startedAt)
}

// Done closes when the current listener stops. It is nil while stopped.
func (r *Relay) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handle == nil {
		return nil
	}
	return r.handle.Done()
}

// Submit passes text to the dispatcher. While stopped it is dropped.
func (r *Relay) Submit(text string) string {
	if !r.running.Load() {
		r.logger.Warn("relay not running, command dropped", "text", text)
		return ""
	}
	id, _ := r.dispatcher.Submit(text)
	return id
}

// Run submits text and waits until the command has been handled.
func (r *Relay) Run(ctx context.Context, text string) (string, error) {
	if !r.running.Load() {
		return "", ErrNotRunning
	}
	return r.dispatcher.Run(ctx, text)
}

func (r *Relay) DrainAll() []string {
	return r.queue.DrainAll()
}

func (r *Relay) DrainOne(ctx context.Context) (string, error) {
	return r.queue.DrainOne(ctx)
}

// QueueDepth reports messages waiting in the outbound queue.
func (r *Relay) QueueDepth() int {
	return r.queue.Len()
}

// Pending reports commands waiting for the host.
func (r *Relay) Pending() int {
	return r.dispatcher.Pending()
}

func (r *Relay) forward(ctx context.Context, to Responder, done chan struct{}) {
	defer close(done)
	logger := r.logger.With("loop", "forward")
	logger.Debug("forwarder started", "interval", r.opts.ForwardInterval)

	for {
		msg, err := r.queue.DrainOne(ctx)
		if err != nil {
			logger.Debug("forwarder stopped", "reason", err)
			return
		}
		if msg == "" {
			continue
		}
		if err := to.Send(ctx, msg); err != nil {
			logger.Warn("failed to forward message", "error", err)
		}

		if r.opts.ForwardInterval > 0 {
			timer := time.NewTimer(r.opts.ForwardInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}
