// Package tui implements the interactive console: commands typed at the
// prompt go to POST /command and queued output is polled from GET /messages.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/cmdrelay/internal/api"
)

const (
	pollInterval = time.Second
	healthEvery  = 5 // polls
	maxLines     = 1000
)

var (
	docStyle    = lipgloss.NewStyle().Margin(0, 1)
	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FAFAFA")).Padding(0, 1)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	inputStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B"))
)

// Console is the bubbletea model behind `cmdrelay console`.
type Console struct {
	client *Client

	input    textinput.Model
	viewport viewport.Model
	lines    []string

	health    api.HealthzResponse
	connected bool
	lastErr   error
	polls     int

	width  int
	height int
}

// NewConsole builds a console against the listener at baseURL.
func NewConsole(baseURL string) *Console {
	ti := textinput.New()
	ti.Placeholder = "status"
	ti.Prompt = "> "
	ti.CharLimit = 512
	ti.Focus()

	return &Console{
		client:   NewClient(baseURL),
		input:    ti,
		viewport: viewport.New(80, 20),
	}
}

// Run starts the program and blocks until the user quits.
func Run(baseURL string) error {
	_, err := tea.NewProgram(NewConsole(baseURL), tea.WithAltScreen()).Run()
	return err
}

func (c *Console) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, c.client.healthCmd(), c.client.pollCmd())
}

func (c *Console) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return c, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(c.input.Value())
			c.input.SetValue("")
			if text == "" {
				return c, nil
			}
			c.appendLines(inputStyle.Render("> " + text))
			return c, c.client.submitCmd(text)
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			c.viewport, cmd = c.viewport.Update(msg)
			return c, cmd
		}

	case tea.WindowSizeMsg:
		c.width, c.height = msg.Width, msg.Height
		c.viewport.Width = max(msg.Width-6, 10)
		c.viewport.Height = max(msg.Height-9, 3)
		c.input.Width = max(msg.Width-8, 10)
		c.viewport.SetContent(strings.Join(c.lines, "\n"))
		c.viewport.GotoBottom()
		return c, nil

	case submittedMsg:
		if msg.err != nil {
			c.lastErr = msg.err
			c.appendLines(errStyle.Render("submit failed: " + msg.err.Error()))
		}
		return c, nil

	case messagesMsg:
		c.polls++
		if msg.err != nil {
			c.connected = false
			c.lastErr = msg.err
		} else {
			c.connected = true
			c.lastErr = nil
			c.appendLines(msg.messages...)
		}
		cmds := []tea.Cmd{tick(pollInterval)}
		if c.polls%healthEvery == 0 {
			cmds = append(cmds, c.client.healthCmd())
		}
		return c, tea.Batch(cmds...)

	case tickMsg:
		return c, c.client.pollCmd()

	case healthMsg:
		if msg.err == nil {
			c.health = msg.health
		}
		return c, nil
	}

	var cmd tea.Cmd
	c.input, cmd = c.input.Update(msg)
	return c, cmd
}

func (c *Console) appendLines(lines ...string) {
	if len(lines) == 0 {
		return
	}
	c.lines = append(c.lines, lines...)
	if over := len(c.lines) - maxLines; over > 0 {
		c.lines = c.lines[over:]
	}
	c.viewport.SetContent(strings.Join(c.lines, "\n"))
	c.viewport.GotoBottom()
}

func (c *Console) View() string {
	if c.width == 0 {
		return "Connecting..."
	}
	inner := c.width - 4

	output := borderStyle.Width(inner).Render(
		lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render("Output"), c.viewport.View()),
	)
	prompt := borderStyle.Width(inner).Render(c.input.View())
	help := dimStyle.Render(" [enter] send • [pgup/pgdn] scroll • [esc] quit")

	return docStyle.Render(lipgloss.JoinVertical(lipgloss.Left, c.renderHeader(), output, prompt, help))
}

func (c *Console) renderHeader() string {
	status := okStyle.Render("CONNECTED")
	if !c.connected {
		status = errStyle.Render("DISCONNECTED")
	}
	parts := []string{" cmdrelay", status}
	if c.health.Mode != "" {
		parts = append(parts, "mode: "+c.health.Mode)
	}
	if c.health.UptimeSeconds > 0 {
		parts = append(parts, "up: "+formatUptime(time.Duration(c.health.UptimeSeconds)*time.Second))
	}
	if c.health.QueueDepth != nil {
		parts = append(parts, fmt.Sprintf("queue: %d", *c.health.QueueDepth))
	}
	if c.health.PendingCommands != nil {
		parts = append(parts, fmt.Sprintf("pending: %d", *c.health.PendingCommands))
	}
	if c.lastErr != nil {
		parts = append(parts, dimStyle.Render(c.lastErr.Error()))
	}
	return strings.Join(parts, "  ")
}

func formatUptime(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
