package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/cmdrelay/internal/events"
)

const (
	keepAliveInterval = 15 * time.Second
	// sseRetry is the reconnect delay suggested to EventSource clients.
	sseRetry = 3 * time.Second
)

// relayMessage extracts the outbound message carried by ev. Other event
// types report false.
func relayMessage(ev events.Event) (string, bool) {
	if ev.Type != events.TypeMessage {
		return "", false
	}
	var p events.MessagePayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return "", false
	}
	return p.Message, true
}

// handleEvents handles GET /events. Each forwarded message is one "message"
// event whose data is the message text, one data line per text line. The hub
// backlog after Last-Event-ID is replayed before live messages.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", sseRetry.Milliseconds()); err != nil {
		return
	}

	// Subscribe before the snapshot so nothing published in between is lost.
	ch, cancel := s.hub.Subscribe()
	defer cancel()

	last := parseLastEventID(r.Header.Get("Last-Event-ID"))
	for _, ev := range s.hub.SnapshotSince(last) {
		if err := writeMessageEvent(w, ev); err != nil {
			return
		}
		last = ev.ID
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.ID <= last {
				continue
			}
			if err := writeMessageEvent(w, ev); err != nil {
				return
			}
			last = ev.ID
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// writeMessageEvent writes ev as an SSE frame. Non-message events are skipped.
func writeMessageEvent(w io.Writer, ev events.Event) error {
	msg, ok := relayMessage(ev)
	if !ok {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "id: %d\nevent: %s\n", ev.ID, events.TypeMessage)
	for _, line := range strings.Split(msg, "\n") {
		b.WriteString("data: ")
		b.WriteString(strings.TrimSuffix(line, "\r"))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}
