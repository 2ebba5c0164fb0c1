package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/cmdrelay/internal/protocol"
)

const (
	defaultStartTimeout = 10 * time.Second

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// ProcessConfig describes the child listener.
type ProcessConfig struct {
	// Command is the child's argv, typically `cmdrelay listen --stdio`.
	Command      []string
	Env          []string
	StartTimeout time.Duration
	Grace        time.Duration
	// Stderr receives the child's logs. Nil means os.Stderr.
	Stderr io.Writer
}

// Process runs the transports in a child process and serves its stdio
// frames against the relay.
type Process struct {
	cfg    ProcessConfig
	relay  Relay
	logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	peer    *protocol.Peer
	cancel  context.CancelFunc
	stopped bool
	done    chan struct{}
}

var (
	_ Handle = (*Process)(nil)
	_ Sender = (*Process)(nil)
)

func NewProcess(cfg ProcessConfig, relay Relay, logger *slog.Logger) *Process {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	if cfg.Grace <= 0 {
		cfg.Grace = terminationGracePeriod
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	return &Process{
		cfg:    cfg,
		relay:  relay,
		logger: logger.With("component", "listener", "listener", "process"),
		done:   make(chan struct{}),
	}
}

// Start spawns the child and waits for its ready frame.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return fmt.Errorf("listener process already started")
	}
	if len(p.cfg.Command) == 0 {
		return fmt.Errorf("listener process command is empty")
	}

	cmd := exec.Command(p.cfg.Command[0], p.cfg.Command[1:]...)
	if len(p.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), p.cfg.Env...)
	}
	cmd.Stderr = p.cfg.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start listener process: %w", err)
	}
	p.logger.Info("listener process spawned", "pid", cmd.Process.Pid)

	peer := protocol.NewPeer(stdout, stdin, p.relay, p.logger)
	ready := make(chan error, 1)
	go func() { ready <- peer.AwaitReady() }()

	timer := time.NewTimer(p.cfg.StartTimeout)
	defer timer.Stop()

	var startErr error
	select {
	case err := <-ready:
		if err != nil {
			startErr = fmt.Errorf("listener process: %w", err)
		}
		ready = nil
	case <-timer.C:
		startErr = fmt.Errorf("listener process not ready after %v", p.cfg.StartTimeout)
	case <-ctx.Done():
		startErr = ctx.Err()
	}
	if startErr != nil {
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		if ready != nil {
			<-ready
		}
		_ = cmd.Wait()
		return startErr
	}

	serveCtx, cancel := context.WithCancel(context.Background())
	p.cmd, p.stdin, p.peer, p.cancel = cmd, stdin, peer, cancel

	go func() {
		defer close(p.done)
		if err := peer.Serve(serveCtx); err != nil {
			p.logger.Error("listener stream failed", "error", err)
		}
		err := cmd.Wait()

		p.mu.Lock()
		stopped := p.stopped
		p.mu.Unlock()
		if !stopped {
			p.logger.Error("listener process exited unexpectedly", "error", err)
		}
	}()
	return nil
}

// Terminate closes the child's stdin and sends SIGTERM, then SIGKILL after
// the grace period.
func (p *Process) Terminate() error {
	p.mu.Lock()
	if p.cmd == nil || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	cmd, stdin, cancel := p.cmd, p.stdin, p.cancel
	p.mu.Unlock()

	cancel()
	_ = stdin.Close()
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(p.cfg.Grace)
	defer grace.Stop()
	select {
	case <-p.done:
		p.logger.Info("listener process exited")
	case <-grace.C:
		p.logger.Warn("listener process did not exit after SIGTERM, sending SIGKILL")
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill listener process: %w", err)
		}
		<-p.done
	}
	return nil
}

func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Send pushes message to the child, which forwards it to its own clients.
func (p *Process) Send(_ context.Context, message string) error {
	p.mu.Lock()
	peer := p.peer
	p.mu.Unlock()
	if peer == nil {
		return fmt.Errorf("listener process not started")
	}
	return peer.Push(message)
}
