package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(msg WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// handleWS handles GET /ws. Inbound frames are commands; forwarded messages
// go out as {"type":"message"} frames.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := &wsConn{conn: conn}
	defer conn.Close()

	ch, cancel := s.hub.Subscribe()
	defer cancel()

	s.logger.Info("websocket client connected", "remote", r.RemoteAddr)
	_ = client.send(WSMessage{Type: "status", Content: "connected"})

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readWS(client)
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay stopping"),
				time.Now().Add(wsWriteWait))
			return
		case <-readDone:
			s.logger.Info("websocket client disconnected", "remote", r.RemoteAddr)
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			msg, ok := relayMessage(ev)
			if !ok {
				continue
			}
			if err := client.send(WSMessage{Type: "message", Content: msg}); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := client.ping(); err != nil {
				return
			}
		}
	}
}

// readWS submits every inbound command until the connection fails. A frame
// that is not a JSON object is taken as the command text itself, blank text
// included; the host decides what an empty command means.
func (s *Server) readWS(client *wsConn) {
	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		text, err := commandText(data)
		if err != nil {
			_ = client.send(WSMessage{Type: "error", Content: err.Error()})
			continue
		}

		id := s.relay.Submit(text)
		if id == "" {
			_ = client.send(WSMessage{Type: "error", Content: "relay is not accepting commands"})
			continue
		}
		_ = client.send(WSMessage{Type: "accepted", CommandID: id})
	}
}

// commandText returns the command carried by one inbound frame. Only a JSON
// object is read as an envelope; anything else, null and bare strings
// included, is the command text verbatim.
func commandText(data []byte) (string, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return string(data), nil
	}
	var msg WSMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return string(data), nil
	}
	if msg.Type != "command" {
		return "", fmt.Errorf("unsupported message type: %q", msg.Type)
	}
	return msg.Content, nil
}
