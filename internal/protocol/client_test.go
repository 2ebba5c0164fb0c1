package protocol

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/cmdrelay/internal/log"
	"github.com/mattjoyce/cmdrelay/internal/outbound"
)

type fakeRelay struct {
	q      *outbound.Queue
	runErr error

	mu        sync.Mutex
	submitted []string
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{q: outbound.New()}
}

func (r *fakeRelay) Submit(text string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitted = append(r.submitted, text)
	return "cmd-" + strconv.Itoa(len(r.submitted))
}

func (r *fakeRelay) Run(_ context.Context, text string) (string, error) {
	id := r.Submit(text)
	if r.runErr != nil {
		return id, r.runErr
	}
	r.q.Push("ran " + text)
	return id, nil
}

func (r *fakeRelay) DrainAll() []string { return r.q.DrainAll() }

func (r *fakeRelay) DrainOne(ctx context.Context) (string, error) { return r.q.DrainOne(ctx) }

func (r *fakeRelay) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.submitted...)
}

type link struct {
	client *Client
	peer   *Peer
	toPeer *io.PipeWriter
}

// connect wires a Client to a Peer over two pipes, the way a child listener
// talks to the relay over stdio.
func connect(t *testing.T, relay Relay) *link {
	t.Helper()
	c2pR, c2pW := io.Pipe()
	p2cR, p2cW := io.Pipe()

	l := &link{
		client: NewClient(p2cR, c2pW, log.Discard()),
		peer:   NewPeer(c2pR, p2cW, relay, log.Discard()),
		toPeer: c2pW,
	}
	l.client.Start()

	served := make(chan error, 1)
	go func() { served <- l.peer.Serve(context.Background()) }()

	t.Cleanup(func() {
		_ = c2pW.Close()
		<-served
		_ = p2cW.Close()
		<-l.client.Done()
	})
	return l
}

func TestClientSubmit(t *testing.T) {
	relay := newFakeRelay()
	l := connect(t, relay)

	assert.Equal(t, "cmd-1", l.client.Submit("status"))
	assert.Equal(t, "cmd-2", l.client.Submit("history"))
	assert.Equal(t, []string{"status", "history"}, relay.texts())
}

func TestClientDrainAll(t *testing.T) {
	relay := newFakeRelay()
	l := connect(t, relay)

	empty := l.client.DrainAll()
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	relay.q.Push("a")
	relay.q.Push("b")
	assert.Equal(t, []string{"a", "b"}, l.client.DrainAll())
	assert.Empty(t, l.client.DrainAll())
}

func TestClientDrainOneWaits(t *testing.T) {
	relay := newFakeRelay()
	l := connect(t, relay)

	go func() {
		time.Sleep(50 * time.Millisecond)
		relay.q.Push("late")
	}()

	msg, err := l.client.DrainOne(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late", msg)
}

func TestClientDrainOneTimeoutKeepsMessage(t *testing.T) {
	relay := newFakeRelay()
	l := connect(t, relay)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := l.client.DrainOne(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Whichever side ends up holding it, a later push is not lost.
	relay.q.Push("kept")
	var got []string
	require.Eventually(t, func() bool {
		got = append(got, l.client.DrainAll()...)
		return len(got) > 0
	}, time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"kept"}, got)
}

func TestClientRun(t *testing.T) {
	relay := newFakeRelay()
	l := connect(t, relay)

	id, err := l.client.Run(context.Background(), "status")
	require.NoError(t, err)
	assert.Equal(t, "cmd-1", id)
	assert.Equal(t, []string{"ran status"}, l.client.DrainAll())
}

func TestClientRunError(t *testing.T) {
	relay := newFakeRelay()
	relay.runErr = errors.New("relay stopped")
	l := connect(t, relay)

	_, err := l.client.Run(context.Background(), "status")
	require.Error(t, err)
	assert.Equal(t, "relay stopped", err.Error())
}

func TestPeerPushReachesOnMessage(t *testing.T) {
	c2pR, c2pW := io.Pipe()
	p2cR, p2cW := io.Pipe()
	defer c2pW.Close()
	defer c2pR.Close()

	got := make(chan string, 1)
	client := NewClient(p2cR, c2pW, log.Discard())
	client.OnMessage(func(m string) { got <- m })
	client.Start()
	peer := NewPeer(c2pR, p2cW, newFakeRelay(), log.Discard())

	require.NoError(t, peer.Push("forwarded"))
	select {
	case m := <-got:
		assert.Equal(t, "forwarded", m)
	case <-time.After(time.Second):
		t.Fatal("pushed message not delivered")
	}

	require.NoError(t, p2cW.Close())
	<-client.Done()
}

func TestAwaitReady(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		r, w := io.Pipe()
		peer := NewPeer(r, io.Discard, newFakeRelay(), log.Discard())
		client := NewClient(eofReader{}, w, log.Discard())
		go func() { _ = client.Ready() }()
		assert.NoError(t, peer.AwaitReady())
	})

	t.Run("startup failure", func(t *testing.T) {
		r, w := io.Pipe()
		peer := NewPeer(r, io.Discard, newFakeRelay(), log.Discard())
		client := NewClient(eofReader{}, w, log.Discard())
		go func() { _ = client.Fail(errors.New("listen tcp: address already in use")) }()
		err := peer.AwaitReady()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "address already in use")
	})

	t.Run("exit before ready", func(t *testing.T) {
		peer := NewPeer(eofReader{}, io.Discard, newFakeRelay(), log.Discard())
		err := peer.AwaitReady()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exited before ready")
	})
}

func TestClientAfterClose(t *testing.T) {
	client := NewClient(eofReader{}, io.Discard, log.Discard())
	client.Start()
	<-client.Done()

	_, err := client.DrainOne(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, "", client.Submit("status"))
	assert.Empty(t, client.DrainAll())
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
