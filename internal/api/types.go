package api

// CommandRequest is the JSON body for POST /command.
type CommandRequest struct {
	Cmd *string `json:"cmd"`
}

// CommandResponse is returned once a command has been accepted.
type CommandResponse struct {
	Status    string `json:"status"`
	CommandID string `json:"command_id"`
}

// MessagesResponse is returned by GET /messages.
type MessagesResponse struct {
	Messages []string `json:"messages"`
}

// MessageResponse is returned by GET /messages/next.
type MessageResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz. Queue figures are omitted
// when the listener runs in a separate process and cannot see them.
type HealthzResponse struct {
	Status          string `json:"status"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	QueueDepth      *int   `json:"queue_depth,omitempty"`
	PendingCommands *int   `json:"pending_commands,omitempty"`
	Mode            string `json:"mode"`
}

// WSMessage is the JSON envelope spoken on /ws.
type WSMessage struct {
	Type      string `json:"type"` // command | accepted | message | status | error
	Content   string `json:"content,omitempty"`
	CommandID string `json:"command_id,omitempty"`
}
