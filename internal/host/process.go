// Package host runs commands against the external host application.
package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

const (
	// maxStderrBytes caps the amount of stderr captured from the host.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second

	defaultTimeout = 60 * time.Second
)

// ErrTimeout is wrapped by errors for commands that outlived their timeout.
var ErrTimeout = errors.New("host command timed out")

// Outbox receives host output.
type Outbox interface {
	PushChunked(message string, maxLines int)
}

// Config describes how to invoke the host program.
type Config struct {
	// Command is the argv prefix; the command text is appended as the last
	// argument unless Stdin is set.
	Command []string
	Stdin   bool
	Timeout time.Duration
	Workdir string
	Env     []string
	// ChunkLines > 0 splits output into messages of at most that many lines.
	ChunkLines int
}

// Process executes each command as one run of the host program and pushes
// its stdout to the outbox.
type Process struct {
	cfg    Config
	out    Outbox
	logger *slog.Logger
	grace  time.Duration
}

// NewProcess validates cfg and returns an Executor.
func NewProcess(cfg Config, out Outbox, logger *slog.Logger) (*Process, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, fmt.Errorf("host command is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Process{
		cfg:    cfg,
		out:    out,
		logger: logger.With("component", "host"),
		grace:  terminationGracePeriod,
	}, nil
}

// Execute runs the host once. Stdout goes to the outbox; a failed run
// returns an error whose text is the host's stderr.
func (p *Process) Execute(ctx context.Context, text string) error {
	stdout, stderr, err := p.spawn(ctx, text)
	if out := strings.TrimRight(stdout, "\n"); out != "" {
		p.out.PushChunked(out, p.cfg.ChunkLines)
	}
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrTimeout) {
		return err
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if msg := strings.TrimSpace(stderr); msg != "" {
			return errors.New(msg)
		}
		return fmt.Errorf("host exited with status %d", exitErr.ExitCode())
	}
	return err
}

// spawn runs the host, enforcing the timeout with SIGTERM then SIGKILL.
func (p *Process) spawn(ctx context.Context, text string) (string, string, error) {
	timeoutTimer := time.NewTimer(p.cfg.Timeout)
	defer timeoutTimer.Stop()

	argv := append([]string(nil), p.cfg.Command...)
	if !p.cfg.Stdin {
		argv = append(argv, text)
	}

	// Not CommandContext: termination is managed here.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = p.cfg.Workdir
	if len(p.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), p.cfg.Env...)
	}
	if p.cfg.Stdin {
		cmd.Stdin = strings.NewReader(text + "\n")
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Grandchildren holding the pipes open must not stall Wait forever.
	cmd.WaitDelay = p.grace

	p.logger.Debug("spawning host", "argv0", argv[0], "timeout", p.cfg.Timeout)

	if err := cmd.Start(); err != nil {
		return "", "", fmt.Errorf("start host: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-timeoutTimer.C:
		p.logger.Warn("host command timed out, sending SIGTERM")
		p.terminate(cmd, waitErr)
		return stdout.String(), truncateStderr(stderr.String()), fmt.Errorf("%w after %v", ErrTimeout, p.cfg.Timeout)

	case <-ctx.Done():
		p.logger.Warn("host command cancelled, sending SIGTERM")
		p.terminate(cmd, waitErr)
		return stdout.String(), truncateStderr(stderr.String()), ctx.Err()

	case err := <-waitErr:
		stderrStr := truncateStderr(stderr.String())
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				p.logger.Warn("host exited with non-zero status", "exit_code", exitErr.ExitCode())
				return stdout.String(), stderrStr, err
			}
			return stdout.String(), stderrStr, fmt.Errorf("wait for host: %w", err)
		}
		return stdout.String(), stderrStr, nil
	}
}

func (p *Process) terminate(cmd *exec.Cmd, waitErr <-chan error) {
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			p.logger.Error("failed to send SIGTERM", "error", err)
		}
	}

	grace := time.NewTimer(p.grace)
	defer grace.Stop()

	select {
	case <-waitErr:
		p.logger.Info("host exited after SIGTERM")
	case <-grace.C:
		p.logger.Warn("host did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				p.logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		<-waitErr
	}
}

// truncateStderr truncates stderr to maxStderrBytes.
func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}

// Func adapts an in-process function to the dispatch Executor contract.
type Func func(ctx context.Context, text string) error

func (f Func) Execute(ctx context.Context, text string) error {
	return f(ctx, text)
}
