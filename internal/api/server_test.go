package api

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/cmdrelay/internal/events"
	"github.com/mattjoyce/cmdrelay/internal/log"
)

func TestBindServeShutdown(t *testing.T) {
	s := New(Config{Listen: "127.0.0.1:0"}, newFakeRelay(), log.Discard())
	require.NoError(t, s.Bind())
	addr := s.Addr()
	require.NotEmpty(t, addr)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx) }()

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-served:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestBindConflict(t *testing.T) {
	first := New(Config{Listen: "127.0.0.1:0"}, newFakeRelay(), log.Discard())
	require.NoError(t, first.Bind())
	defer first.ln.Close()

	second := New(Config{Listen: first.Addr()}, newFakeRelay(), log.Discard())
	err := second.Bind()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen on")
}

func TestServeWithoutBind(t *testing.T) {
	s := New(Config{}, newFakeRelay(), log.Discard())
	assert.Error(t, s.Serve(context.Background()))
}

// readSSEMessage returns the data of the next SSE event, joining its data
// lines with newlines, and the event name it was sent under.
func readSSEMessage(t *testing.T, reader *bufio.Reader) (string, string) {
	t.Helper()
	var (
		name string
		data []string
	)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSuffix(line, "\n")
		switch {
		case line == "" && data != nil:
			return name, strings.Join(data, "\n")
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
	}
}

func openEvents(t *testing.T, ts *httptest.Server, lastID string) *bufio.Reader {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return bufio.NewReader(resp.Body)
}

func TestEventsStream(t *testing.T) {
	s := newTestServer(newFakeRelay())
	_ = s.Send(context.Background(), "before connect")

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	reader := openEvents(t, ts, "")

	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "retry: 3000\n", line)

	name, msg := readSSEMessage(t, reader)
	assert.Equal(t, events.TypeMessage, name)
	assert.Equal(t, "before connect", msg)

	require.Eventually(t, func() bool { return s.Hub().Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	_ = s.Send(context.Background(), "live")
	_, msg = readSSEMessage(t, reader)
	assert.Equal(t, "live", msg)
}

func TestEventsSplitMultilineMessages(t *testing.T) {
	s := newTestServer(newFakeRelay())
	s.Hub().Publish("heartbeat", nil)
	_ = s.Send(context.Background(), "Balances:\r\nBTC 1.5\nETH 3")

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	reader := openEvents(t, ts, "")

	_, msg := readSSEMessage(t, reader)
	assert.Equal(t, "Balances:\nBTC 1.5\nETH 3", msg)
}

func TestEventsResumeFromLastEventID(t *testing.T) {
	s := newTestServer(newFakeRelay())
	_ = s.Send(context.Background(), "seen")
	_ = s.Send(context.Background(), "missed")

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	reader := openEvents(t, ts, "1")

	var ids []string
	for len(ids) == 0 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimSpace(strings.TrimPrefix(line, "id: ")))
		}
	}
	assert.Equal(t, []string{"2"}, ids)
	_, msg := readSSEMessage(t, reader)
	assert.Equal(t, "missed", msg)
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(0), parseLastEventID("-4"))
	assert.Equal(t, int64(12), parseLastEventID("12"))
	assert.Equal(t, int64(7), parseLastEventID(" 7 "))
}

func TestRelayMessageIgnoresOtherEvents(t *testing.T) {
	hub := events.NewHub(4)
	_, ok := relayMessage(hub.Publish("heartbeat", nil))
	assert.False(t, ok)

	msg, ok := relayMessage(hub.Publish(events.TypeMessage, events.MessagePayload{Message: "done"}))
	assert.True(t, ok)
	assert.Equal(t, "done", msg)
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello WSMessage
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, WSMessage{Type: "status", Content: "connected"}, hello)
	return conn
}

func TestWebSocketCommandsAndMessages(t *testing.T) {
	relay := newFakeRelay()
	s := newTestServer(relay)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "command", Content: "status"}))
	var ack WSMessage
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "accepted", ack.Type)
	assert.Equal(t, "cmd-1", ack.CommandID)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("history")))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "cmd-2", ack.CommandID)
	assert.Equal(t, []string{"status", "history"}, relay.texts())

	require.Eventually(t, func() bool { return s.Hub().Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Send(context.Background(), "Balance: 1.5 BTC"))
	var out WSMessage
	require.NoError(t, conn.ReadJSON(&out))
	assert.Equal(t, WSMessage{Type: "message", Content: "Balance: 1.5 BTC"}, out)
}

func TestWebSocketRejectsUnknownType(t *testing.T) {
	relay := newFakeRelay()
	ts := httptest.NewServer(newTestServer(relay).Handler())
	defer ts.Close()

	conn := dialWS(t, ts)
	require.NoError(t, conn.WriteJSON(WSMessage{Type: "typing"}))
	var reply WSMessage
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "error", reply.Type)
	assert.Empty(t, relay.texts())
}

func TestWebSocketForwardsBlankAndNonObjectFrames(t *testing.T) {
	relay := newFakeRelay()
	ts := httptest.NewServer(newTestServer(relay).Handler())
	defer ts.Close()

	conn := dialWS(t, ts)
	frames := [][]byte{
		[]byte(`{"type":"command","content":""}`),
		[]byte("   "),
		[]byte("null"),
		[]byte(`"status"`),
	}
	for _, f := range frames {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, f))
		var ack WSMessage
		require.NoError(t, conn.ReadJSON(&ack))
		assert.Equal(t, "accepted", ack.Type, "frame %q", f)
	}
	assert.Equal(t, []string{"", "   ", "null", `"status"`}, relay.texts())
}

func TestCommandText(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		want    string
		wantErr string
	}{
		{name: "envelope", frame: `{"type":"command","content":"history"}`, want: "history"},
		{name: "raw text", frame: "balance", want: "balance"},
		{name: "empty", frame: "", want: ""},
		{name: "json null", frame: "null", want: "null"},
		{name: "json array", frame: `["status"]`, want: `["status"]`},
		{name: "broken object", frame: `{status`, want: `{status`},
		{name: "other type", frame: `{"type":"typing"}`, wantErr: `unsupported message type: "typing"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := commandText([]byte(tt.frame))
			if tt.wantErr != "" {
				require.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWebSocketRelayStopped(t *testing.T) {
	relay := newFakeRelay()
	relay.stopped = true
	ts := httptest.NewServer(newTestServer(relay).Handler())
	defer ts.Close()

	conn := dialWS(t, ts)
	require.NoError(t, conn.WriteJSON(WSMessage{Type: "command", Content: "status"}))
	var reply WSMessage
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "error", reply.Type)
	assert.Contains(t, reply.Content, "not accepting")
}
