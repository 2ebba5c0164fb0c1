// Package doctor checks a loaded configuration against the machine it will
// run on: binaries on PATH, directories, addresses and risky settings that
// schema validation cannot see.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/cmdrelay/internal/config"
)

// Result holds the outcome of a check run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue is one finding.
type Issue struct {
	Category string `json:"category"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
}

// Doctor inspects one configuration.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath}
}

// Validate runs every check.
func (d *Doctor) Validate() *Result {
	r := &Result{}

	d.checkHost(r)
	d.checkListener(r)
	d.checkRelay(r)
	d.checkTelegram(r)
	d.checkPaths(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (r *Result) errorf(category, field, format string, args ...any) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: fmt.Sprintf(format, args...)})
}

func (r *Result) warnf(category, field, format string, args ...any) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: fmt.Sprintf(format, args...)})
}

func (d *Doctor) checkHost(r *Result) {
	h := d.cfg.Host
	if len(h.Command) == 0 {
		r.errorf("host", "host.command", "no host command configured")
		return
	}
	if _, err := d.lookPath(h.Command[0]); err != nil {
		r.errorf("host", "host.command", "host program %q not found: %v", h.Command[0], err)
	}
	if h.Workdir != "" {
		info, err := os.Stat(h.Workdir)
		switch {
		case err != nil:
			r.errorf("host", "host.workdir", "%v", err)
		case !info.IsDir():
			r.errorf("host", "host.workdir", "%s is not a directory", h.Workdir)
		}
	}
	for _, kv := range h.Env {
		if !strings.Contains(kv, "=") {
			r.errorf("host", "host.env", "entry %q is not KEY=VALUE", kv)
		}
	}
}

func (d *Doctor) checkListener(r *Result) {
	l := d.cfg.Listener
	host, port, err := net.SplitHostPort(l.Listen)
	if err != nil {
		r.errorf("listener", "listener.listen", "invalid address %q: %v", l.Listen, err)
	} else {
		if port == "0" {
			r.warnf("listener", "listener.listen", "port 0 picks a random port; clients will not find it")
		}
		if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
			r.warnf("listener", "listener.listen", "listening on all interfaces without authentication")
		}
	}
	if l.Isolation == config.IsolationProcess && len(l.Command) > 0 {
		if _, err := d.lookPath(l.Command[0]); err != nil {
			r.errorf("listener", "listener.command", "listener program %q not found: %v", l.Command[0], err)
		}
	}
	if l.DrainTimeout > 0 && l.DrainTimeout < d.cfg.Relay.ForwardInterval {
		r.warnf("listener", "listener.drain_timeout", "shorter than relay.forward_interval")
	}
}

func (d *Doctor) checkRelay(r *Result) {
	rc := d.cfg.Relay
	if len(rc.Deny) == 0 {
		r.warnf("relay", "relay.deny", "deny list is empty; every command reaches the host")
	}
	for _, entry := range rc.Deny {
		if strings.TrimSpace(entry) == "" {
			r.warnf("relay", "relay.deny", "blank entry denies every command")
		}
	}
	if rc.Mode == "push" && !d.cfg.Telegram.Enabled {
		r.warnf("relay", "relay.mode", "push mode without a chat transport; output only reaches /events and /ws subscribers")
	}
}

func (d *Doctor) checkTelegram(r *Result) {
	t := d.cfg.Telegram
	if !t.Enabled {
		return
	}
	if len(t.AllowFrom) == 0 {
		r.warnf("telegram", "telegram.allow_from", "empty; any Telegram user can send commands")
	}
	if len(t.ChatIDs) == 0 {
		r.warnf("telegram", "telegram.chat_ids", "empty; output only reaches chats that have messaged the bot")
	}
}

func (d *Doctor) checkPaths(r *Result) {
	for _, p := range []struct{ field, path string }{
		{"service.pid_file", d.cfg.Service.PIDFile},
		{"audit.path", d.cfg.Audit.Path},
	} {
		if p.path == "" {
			continue
		}
		if err := checkWritableDir(filepath.Dir(p.path)); err != nil {
			r.errorf("paths", p.field, "%v", err)
		}
	}
	if d.cfg.Audit.Path != "" && d.cfg.Audit.Retention == 0 {
		r.warnf("audit", "audit.retention", "0 keeps every entry; the journal grows without bound")
	}
}

// checkWritableDir accepts a missing directory when its nearest existing
// ancestor is writable, since the directory is created on start.
func checkWritableDir(dir string) error {
	for {
		info, err := os.Stat(dir)
		if err == nil {
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", dir)
			}
			f, err := os.CreateTemp(dir, ".cmdrelay-doctor-*")
			if err != nil {
				return fmt.Errorf("%s is not writable", dir)
			}
			name := f.Name()
			_ = f.Close()
			_ = os.Remove(name)
			return nil
		}
		if !os.IsNotExist(err) {
			return err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return err
		}
		dir = parent
	}
}

// FormatHuman renders r for a terminal.
func FormatHuman(r *Result) string {
	var b strings.Builder
	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("No problems found.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "No errors (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "%d error(s), %d warning(s)\n", len(r.Errors), len(r.Warnings))
	}
	write := func(label string, issues []Issue) {
		for _, i := range issues {
			if i.Field != "" {
				fmt.Fprintf(&b, "  %-5s [%s] %s: %s\n", label, i.Category, i.Field, i.Message)
			} else {
				fmt.Fprintf(&b, "  %-5s [%s] %s\n", label, i.Category, i.Message)
			}
		}
	}
	write("ERROR", r.Errors)
	write("WARN", r.Warnings)
	return b.String()
}

// FormatJSON renders r as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
