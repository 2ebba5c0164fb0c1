package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Peer is the relay end of a listener stream: it answers request frames
// from r against a Relay and writes replies to w.
type Peer struct {
	enc    *Encoder
	dec    *Decoder
	relay  Relay
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	wg       sync.WaitGroup
}

func NewPeer(r io.Reader, w io.Writer, relay Relay, logger *slog.Logger) *Peer {
	return &Peer{
		enc:      NewEncoder(w),
		dec:      NewDecoder(r),
		relay:    relay,
		logger:   logger.With("component", "stdio-peer"),
		inflight: make(map[string]context.CancelFunc),
	}
}

// AwaitReady blocks until the listener reports ready. An error frame or the
// end of the stream fails the handshake.
func (p *Peer) AwaitReady() error {
	for {
		f, err := p.dec.Decode()
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				p.logger.Warn("skipping malformed frame", "error", err)
				continue
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("listener exited before ready")
			}
			return err
		}
		switch f.Type {
		case TypeReady:
			return nil
		case TypeError:
			return errors.New(f.Error)
		default:
			p.logger.Warn("frame before ready", "type", f.Type)
		}
	}
}

// Push delivers a message to the listener outside any request.
func (p *Peer) Push(message string) error {
	return p.enc.Encode(Frame{Type: TypeMessage, Message: message})
}

// Serve answers requests until the stream ends. Requests still in flight are
// cancelled before it returns. Cancelling ctx does not unblock the read;
// close the stream for that.
func (p *Peer) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		p.wg.Wait()
	}()

	for {
		f, err := p.dec.Decode()
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				p.logger.Warn("skipping malformed frame", "error", err)
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		p.handle(ctx, f)
	}
}

func (p *Peer) handle(ctx context.Context, f Frame) {
	switch f.Type {
	case TypeSubmit:
		id := p.relay.Submit(f.Text)
		p.reply(Frame{Type: TypeAccepted, ID: f.ID, CommandID: id})

	case TypeDrainAll:
		p.reply(Frame{Type: TypeMessages, ID: f.ID, Messages: p.relay.DrainAll()})

	case TypeRun:
		p.async(ctx, f, func(ctx context.Context) Frame {
			cmdID, err := p.relay.Run(ctx, f.Text)
			if err != nil {
				return Frame{Type: TypeError, ID: f.ID, CommandID: cmdID, Error: err.Error()}
			}
			return Frame{Type: TypeDone, ID: f.ID, CommandID: cmdID}
		})

	case TypeDrainOne:
		p.async(ctx, f, func(ctx context.Context) Frame {
			if f.TimeoutMS > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, time.Duration(f.TimeoutMS)*time.Millisecond)
				defer cancel()
			}
			msg, err := p.relay.DrainOne(ctx)
			if err != nil {
				return Frame{Type: TypeError, ID: f.ID, Error: err.Error()}
			}
			return Frame{Type: TypeMessage, ID: f.ID, Message: msg}
		})

	case TypeCancel:
		p.mu.Lock()
		if cancel, ok := p.inflight[f.ID]; ok {
			cancel()
		}
		p.mu.Unlock()

	default:
		p.logger.Warn("unexpected frame from listener", "type", f.Type)
	}
}

// async runs fn for a long-lived request that a cancel frame may abort.
func (p *Peer) async(ctx context.Context, f Frame, fn func(context.Context) Frame) {
	reqCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.inflight[f.ID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.inflight, f.ID)
			p.mu.Unlock()
			cancel()
		}()
		p.reply(fn(reqCtx))
	}()
}

func (p *Peer) reply(f Frame) {
	if err := p.enc.Encode(f); err != nil {
		p.logger.Warn("failed to reply to listener", "type", f.Type, "error", err)
	}
}
