// Package outbound buffers text produced by command execution until a
// transport drains it.
package outbound

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrClosed is returned by DrainOne once the queue has been closed.
var ErrClosed = errors.New("outbound queue closed")

// Queue is an unbounded FIFO of outbound messages. Producers never block.
// Drains are destructive: a message is returned to exactly one caller.
type Queue struct {
	mu       sync.Mutex
	messages []string

	// ready holds at most one wake-up token for blocked DrainOne callers.
	ready  chan struct{}
	closed chan struct{}
	once   sync.Once
}

func New() *Queue {
	return &Queue{
		ready:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Push appends a message. Duplicates are kept.
func (q *Queue) Push(message string) {
	q.mu.Lock()
	q.messages = append(q.messages, message)
	q.mu.Unlock()
	q.signal()
}

// PushChunked splits message into pieces of at most maxLines lines and
// pushes them in order. maxLines <= 0 pushes the message whole.
func (q *Queue) PushChunked(message string, maxLines int) {
	chunks := Chunk(message, maxLines)
	q.mu.Lock()
	q.messages = append(q.messages, chunks...)
	q.mu.Unlock()
	q.signal()
}

// DrainOne blocks until a message is available and removes it.
func (q *Queue) DrainOne(ctx context.Context) (string, error) {
	for {
		if msg, ok := q.pop(); ok {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-q.closed:
			return "", ErrClosed
		case <-q.ready:
		}
	}
}

// DrainAll removes and returns every queued message without waiting.
// The result is empty, never nil, when nothing is queued.
func (q *Queue) DrainAll() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]string, len(q.messages))
	copy(out, q.messages)
	q.messages = nil
	return out
}

// Len reports how many messages are waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Reset drops all queued messages.
func (q *Queue) Reset() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.messages)
	q.messages = nil
	return n
}

// Close wakes every blocked DrainOne with ErrClosed. Push keeps working so
// late producers never fail, but nothing will wait on the queue again.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.closed) })
}

func (q *Queue) pop() (string, bool) {
	q.mu.Lock()
	if len(q.messages) == 0 {
		q.mu.Unlock()
		return "", false
	}
	msg := q.messages[0]
	q.messages[0] = ""
	q.messages = q.messages[1:]
	remaining := len(q.messages)
	q.mu.Unlock()

	// Pass the token on so another waiter picks up the rest.
	if remaining > 0 {
		q.signal()
	}
	return msg, true
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Chunk splits message on newlines into ordered pieces holding at most
// maxLines lines each. Joining the pieces with "\n" gives back message.
func Chunk(message string, maxLines int) []string {
	if maxLines <= 0 {
		return []string{message}
	}
	lines := strings.Split(message, "\n")
	chunks := make([]string, 0, (len(lines)+maxLines-1)/maxLines)
	for start := 0; start < len(lines); start += maxLines {
		end := min(start+maxLines, len(lines))
		chunks = append(chunks, strings.Join(lines[start:end], "\n"))
	}
	return chunks
}
