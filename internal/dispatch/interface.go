package dispatch

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/mock_dispatch.go -package=mocks github.com/mattjoyce/cmdrelay/internal/dispatch Executor,Recorder

// Executor runs one command against the host application. It is never
// called concurrently by a Dispatcher. Results are delivered out-of-band.
type Executor interface {
	Execute(ctx context.Context, text string) error
}

// Sink receives the host's append-only observation log.
type Sink interface {
	Log(line string)
}

// Outbox receives rejection notices and execution errors.
type Outbox interface {
	Push(message string)
}

// Recorder persists command outcomes for auditing.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Outcome values stored in Record.Outcome.
const (
	OutcomeRejected  = "rejected"
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeDropped   = "dropped"
)

// Record describes how one command was handled.
type Record struct {
	ID          string
	Text        string
	Outcome     string
	Detail      string
	ReceivedAt  time.Time
	CompletedAt time.Time
}
