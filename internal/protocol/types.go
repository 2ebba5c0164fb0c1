// Package protocol defines the line-delimited JSON frames exchanged between
// the relay and a process-isolated listener over the child's stdio.
package protocol

import "context"

// Frame types sent by the listener (child) to the relay (parent).
const (
	TypeReady    = "ready"
	TypeSubmit   = "submit"
	TypeRun      = "run"
	TypeDrainAll = "drain_all"
	TypeDrainOne = "drain_one"
	TypeCancel   = "cancel"
)

// Frame types sent by the relay to the listener.
const (
	TypeAccepted = "accepted"
	TypeDone     = "done"
	TypeMessages = "messages"
	TypeMessage  = "message"
	TypeError    = "error"
)

// Frame is one protocol message. Requests carry an ID that the matching
// reply echoes back. A "message" frame without an ID is a pushed message.
type Frame struct {
	Type      string   `json:"type"`
	ID        string   `json:"id,omitempty"`
	Text      string   `json:"text,omitempty"`
	CommandID string   `json:"command_id,omitempty"`
	Message   string   `json:"message,omitempty"`
	Messages  []string `json:"messages,omitempty"`
	Error     string   `json:"error,omitempty"`
	// TimeoutMS bounds a drain_one request on the relay side. Zero means the
	// request lives until cancelled.
	TimeoutMS int64 `json:"timeout_ms,omitempty"`
}

var knownTypes = map[string]bool{
	TypeReady:    true,
	TypeSubmit:   true,
	TypeRun:      true,
	TypeDrainAll: true,
	TypeDrainOne: true,
	TypeCancel:   true,
	TypeAccepted: true,
	TypeDone:     true,
	TypeMessages: true,
	TypeMessage:  true,
	TypeError:    true,
}

// needsID lists the frame types that are meaningless without correlation.
var needsID = map[string]bool{
	TypeSubmit:   true,
	TypeAccepted: true,
	TypeRun:      true,
	TypeDrainAll: true,
	TypeDrainOne: true,
	TypeCancel:   true,
	TypeDone:     true,
	TypeMessages: true,
}

// IsReply reports whether f answers an earlier request.
func (f Frame) IsReply() bool {
	switch f.Type {
	case TypeAccepted, TypeDone, TypeMessages:
		return true
	case TypeMessage, TypeError:
		return f.ID != ""
	}
	return false
}

// Relay is the callback set a listener uses to reach the relay core.
type Relay interface {
	// Submit hands text to the dispatcher and returns its command ID.
	Submit(text string) string
	// Run submits text and waits until the command has been handled.
	Run(ctx context.Context, text string) (string, error)
	DrainAll() []string
	DrainOne(ctx context.Context) (string, error)
}
