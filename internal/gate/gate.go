// Package gate decides whether an inbound command may reach the host.
package gate

import (
	"fmt"
	"strings"
)

// DefaultDeny lists commands whose interactive flows need a secondary prompt
// remote transports cannot render (connect, create, import) or that leak
// secrets (export).
var DefaultDeny = []string{"connect", "create", "import", "export"}

// Decision is the outcome of evaluating one command.
type Decision struct {
	Allowed bool
	Reason  string
}

func (d Decision) String() string {
	if d.Allowed {
		return "allowed"
	}
	return "rejected"
}

// Gate matches trimmed commands case-insensitively against deny-listed prefixes.
type Gate struct {
	deny []string
}

// New normalizes the deny-list. Blank entries are ignored.
func New(deny []string) *Gate {
	g := &Gate{deny: make([]string, 0, len(deny))}
	for _, d := range deny {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		g.deny = append(g.deny, d)
	}
	return g
}

// Evaluate has no side effects. Empty input is allowed; rejecting malformed
// commands is the host's job.
func (g *Gate) Evaluate(text string) Decision {
	text = strings.TrimSpace(text)
	lower := strings.ToLower(text)
	for _, d := range g.deny {
		if strings.HasPrefix(lower, d) {
			return Decision{Reason: fmt.Sprintf("Command %s is disabled from this interface", text)}
		}
	}
	return Decision{Allowed: true}
}

// Denied returns a copy of the normalized deny-list.
func (g *Gate) Denied() []string {
	return append([]string(nil), g.deny...)
}
