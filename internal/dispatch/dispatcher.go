package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/cmdrelay/internal/gate"
	"github.com/mattjoyce/cmdrelay/internal/scheduler"
)

// DefaultInputPrefix marks inbound commands in the host log.
const DefaultInputPrefix = "[Input] "

// Options carries optional collaborators.
type Options struct {
	InputPrefix string
	Sink        Sink
	Recorder    Recorder
}

// Dispatcher funnels commands from every transport through one gate and one
// single-flight scheduler.
type Dispatcher struct {
	gate     *gate.Gate
	sched    *scheduler.Scheduler
	exec     Executor
	outbox   Outbox
	sink     Sink
	recorder Recorder
	prefix   string
	logger   *slog.Logger

	wg  sync.WaitGroup
	now func() time.Time
}

// New creates a Dispatcher. The scheduler is shared, not owned: whoever
// constructed it starts and stops it.
func New(g *gate.Gate, sched *scheduler.Scheduler, exec Executor, outbox Outbox, logger *slog.Logger, opts Options) *Dispatcher {
	logger = logger.With("component", "dispatch")
	if opts.InputPrefix == "" {
		opts.InputPrefix = DefaultInputPrefix
	}
	if opts.Sink == nil {
		opts.Sink = LogSink{Logger: logger}
	}
	return &Dispatcher{
		gate:     g,
		sched:    sched,
		exec:     exec,
		outbox:   outbox,
		sink:     opts.Sink,
		recorder: opts.Recorder,
		prefix:   opts.InputPrefix,
		logger:   logger,
		now:      time.Now,
	}
}

// Submit schedules text for execution and returns its command ID plus a
// channel closed once the command has been fully handled.
func (d *Dispatcher) Submit(text string) (string, <-chan struct{}) {
	rec := Record{
		ID:         uuid.NewString(),
		Text:       strings.TrimSpace(text),
		ReceivedAt: d.now().UTC(),
	}
	done := make(chan struct{})

	d.sink.Log(d.prefix + rec.Text)

	decision := d.gate.Evaluate(rec.Text)
	if !decision.Allowed {
		d.outbox.Push(decision.Reason)
		rec.Outcome = OutcomeRejected
		rec.Detail = decision.Reason
		d.logger.Info("command rejected", "command_id", rec.ID, "reason", decision.Reason)

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer close(done)
			d.record(rec)
		}()
		return rec.ID, done
	}

	result := d.sched.Go(context.Background(), func(ctx context.Context) error {
		return d.exec.Execute(ctx, rec.Text)
	})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(done)
		d.finish(rec, <-result)
	}()
	return rec.ID, done
}

// Run submits text and waits until it has been handled or ctx ends. Host
// errors are still delivered through the outbox, not returned.
func (d *Dispatcher) Run(ctx context.Context, text string) (string, error) {
	id, done := d.Submit(text)
	select {
	case <-done:
		return id, nil
	case <-ctx.Done():
		return id, ctx.Err()
	}
}

// Wait blocks until every submitted command has been handled.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Pending reports commands waiting for the host.
func (d *Dispatcher) Pending() int {
	return d.sched.Pending()
}

func (d *Dispatcher) finish(rec Record, err error) {
	logger := d.logger.With("command_id", rec.ID)
	switch {
	case err == nil:
		rec.Outcome = OutcomeSucceeded
		logger.Debug("command executed")
	case errors.Is(err, scheduler.ErrStopped):
		rec.Outcome = OutcomeDropped
		rec.Detail = err.Error()
		logger.Warn("command dropped, relay stopping", "text", rec.Text)
	default:
		rec.Outcome = OutcomeFailed
		rec.Detail = err.Error()
		d.outbox.Push(err.Error())
		logger.Warn("command failed", "error", err)
	}
	d.record(rec)
}

func (d *Dispatcher) record(rec Record) {
	if d.recorder == nil {
		return
	}
	rec.CompletedAt = d.now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.recorder.Record(ctx, rec); err != nil {
		d.logger.Error("failed to record command", "command_id", rec.ID, "error", err)
	}
}

// LogSink writes host log lines through slog.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Log(line string) {
	s.Logger.Info(line)
}
