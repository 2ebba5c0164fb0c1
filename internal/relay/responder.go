package relay

import (
	"context"
	"errors"
)

// Responder delivers a forwarded message to whoever is listening.
type Responder interface {
	Send(ctx context.Context, message string) error
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, message string) error

func (f ResponderFunc) Send(ctx context.Context, message string) error {
	return f(ctx, message)
}

// MultiResponder sends to every member and joins their errors.
type MultiResponder []Responder

func (m MultiResponder) Send(ctx context.Context, message string) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		errs = append(errs, r.Send(ctx, message))
	}
	return errors.Join(errs...)
}
