package tui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/cmdrelay/internal/api"
)

// Client talks to a running relay's HTTP listener.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the listener at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Submit posts cmd and returns the command ID.
func (c *Client) Submit(ctx context.Context, cmd string) (string, error) {
	body, err := json.Marshal(api.CommandRequest{Cmd: &cmd})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/command", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp api.CommandResponse
	if err := c.do(req, http.StatusAccepted, &resp); err != nil {
		return "", err
	}
	return resp.CommandID, nil
}

// Messages drains the outbound queue.
func (c *Client) Messages(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/messages", nil)
	if err != nil {
		return nil, err
	}
	var resp api.MessagesResponse
	if err := c.do(req, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Health reads /healthz.
func (c *Client) Health(ctx context.Context) (api.HealthzResponse, error) {
	var resp api.HealthzResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return resp, err
	}
	err = c.do(req, http.StatusOK, &resp)
	return resp, err
}

func (c *Client) do(req *http.Request, want int, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var apiErr api.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %d %s", req.Method, req.URL.Path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("%s %s: unexpected status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// --- tea messages and commands ---

type tickMsg time.Time

type submittedMsg struct {
	cmd string
	id  string
	err error
}

type messagesMsg struct {
	messages []string
	err      error
}

type healthMsg struct {
	health api.HealthzResponse
	err    error
}

func (c *Client) submitCmd(cmd string) tea.Cmd {
	return func() tea.Msg {
		id, err := c.Submit(context.Background(), cmd)
		return submittedMsg{cmd: cmd, id: id, err: err}
	}
}

func (c *Client) pollCmd() tea.Cmd {
	return func() tea.Msg {
		msgs, err := c.Messages(context.Background())
		return messagesMsg{messages: msgs, err: err}
	}
}

func (c *Client) healthCmd() tea.Cmd {
	return func() tea.Msg {
		h, err := c.Health(context.Background())
		return healthMsg{health: h, err: err}
	}
}

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}
