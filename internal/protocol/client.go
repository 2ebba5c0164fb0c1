package protocol

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned once the relay end of the stream has gone away.
var ErrClosed = errors.New("relay connection closed")

const requestTimeout = 5 * time.Second

// Client is the listener-side Relay. It turns each callback into a request
// frame on w and matches replies read from r.
type Client struct {
	enc    *Encoder
	dec    *Decoder
	logger *slog.Logger

	onMessage func(string)

	mu      sync.Mutex
	pending map[string]chan Frame
	closed  bool
	// stray holds drained messages whose requester gave up before the reply
	// arrived. They are handed out first by the next drain.
	stray []string

	done chan struct{}
}

var _ Relay = (*Client)(nil)

func NewClient(r io.Reader, w io.Writer, logger *slog.Logger) *Client {
	return &Client{
		enc:     NewEncoder(w),
		dec:     NewDecoder(r),
		logger:  logger.With("component", "stdio-client"),
		pending: make(map[string]chan Frame),
		done:    make(chan struct{}),
	}
}

// OnMessage registers the handler for messages pushed by the relay. It must
// be called before Start.
func (c *Client) OnMessage(fn func(message string)) {
	c.onMessage = fn
}

// Start begins reading frames. Done is closed when the stream ends.
func (c *Client) Start() {
	go c.readLoop()
}

// Done is closed once the relay side of the stream is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Ready tells the relay that the listener is serving.
func (c *Client) Ready() error {
	return c.enc.Encode(Frame{Type: TypeReady})
}

// Fail reports a startup failure to the relay.
func (c *Client) Fail(err error) error {
	return c.enc.Encode(Frame{Type: TypeError, Error: err.Error()})
}

func (c *Client) Submit(text string) string {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	f, err := c.call(ctx, Frame{Type: TypeSubmit, Text: text})
	if err != nil {
		c.logger.Error("submit failed", "error", err)
		return ""
	}
	return f.CommandID
}

func (c *Client) Run(ctx context.Context, text string) (string, error) {
	f, err := c.call(ctx, Frame{Type: TypeRun, Text: text})
	if err != nil {
		return "", err
	}
	return f.CommandID, nil
}

func (c *Client) DrainAll() []string {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	f, err := c.call(ctx, Frame{Type: TypeDrainAll})
	out := c.takeStray()
	if err != nil {
		c.logger.Error("drain_all failed", "error", err)
		return out
	}
	return append(out, f.Messages...)
}

func (c *Client) DrainOne(ctx context.Context) (string, error) {
	c.mu.Lock()
	if len(c.stray) > 0 {
		msg := c.stray[0]
		c.stray = c.stray[1:]
		c.mu.Unlock()
		return msg, nil
	}
	c.mu.Unlock()

	req := Frame{Type: TypeDrainOne}
	if deadline, ok := ctx.Deadline(); ok {
		req.TimeoutMS = max(time.Until(deadline).Milliseconds(), 1)
	}
	f, err := c.call(ctx, req)
	if err != nil {
		return "", err
	}
	return f.Message, nil
}

func (c *Client) call(ctx context.Context, req Frame) (Frame, error) {
	req.ID = uuid.NewString()
	ch := make(chan Frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Frame{}, ErrClosed
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	if err := c.enc.Encode(req); err != nil {
		c.forget(req.ID)
		return Frame{}, err
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return Frame{}, ErrClosed
		}
		if f.Type == TypeError {
			return f, errors.New(f.Error)
		}
		return f, nil
	case <-ctx.Done():
		if !c.forget(req.ID) {
			// The reply was delivered while we were giving up.
			if f, ok := <-ch; ok && f.Type == TypeMessage {
				c.keepStray(f.Message)
			}
		} else if req.Type == TypeDrainOne || req.Type == TypeRun {
			_ = c.enc.Encode(Frame{Type: TypeCancel, ID: req.ID})
		}
		return Frame{}, ctx.Err()
	}
}

// forget drops a pending request and reports whether it was still waiting.
func (c *Client) forget(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

func (c *Client) keepStray(msg string) {
	c.mu.Lock()
	c.stray = append(c.stray, msg)
	c.mu.Unlock()
}

func (c *Client) takeStray() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.stray))
	out = append(out, c.stray...)
	c.stray = nil
	return out
}

func (c *Client) readLoop() {
	defer c.close()
	for {
		f, err := c.dec.Decode()
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				c.logger.Warn("skipping malformed frame", "error", err)
				continue
			}
			if !errors.Is(err, io.EOF) {
				c.logger.Error("read from relay failed", "error", err)
			}
			return
		}

		if !f.IsReply() {
			if f.Type == TypeMessage && c.onMessage != nil {
				c.onMessage(f.Message)
			} else {
				c.logger.Debug("ignoring frame", "type", f.Type)
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		if ok {
			delete(c.pending, f.ID)
			ch <- f
		} else if f.Type == TypeMessage {
			c.stray = append(c.stray, f.Message)
		}
		c.mu.Unlock()
	}
}

func (c *Client) close() {
	c.mu.Lock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	close(c.done)
}
