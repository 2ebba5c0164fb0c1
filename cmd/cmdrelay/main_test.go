package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/cmdrelay/internal/api"
	"github.com/mattjoyce/cmdrelay/internal/audit"
	"github.com/mattjoyce/cmdrelay/internal/config"
	"github.com/mattjoyce/cmdrelay/internal/dispatch"
	"github.com/mattjoyce/cmdrelay/internal/log"
	"github.com/mattjoyce/cmdrelay/internal/outbound"
	"github.com/mattjoyce/cmdrelay/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json", io.Discard)
	os.Exit(m.Run())
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := runCLI(args, strings.NewReader(""), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), config.FileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()
	origVersion, origCommit, origBuild := version, gitCommit, buildDate
	version, gitCommit, buildDate = v, commit, built
	t.Cleanup(func() {
		version, gitCommit, buildDate = origVersion, origCommit, origBuild
	})
}

func TestVersion(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "abcdef1234567890", "2026-01-02T03:04:05Z")

	code, out, _ := run(t, "version")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "cmdrelay 1.2.3")
	assert.Contains(t, out, "commit: abcdef1234567890")

	code, out, _ = run(t, "version", "--json")
	require.Equal(t, 0, code)
	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "2026-01-02T03:04:05Z", info.BuildTime)
}

func TestShortenCommit(t *testing.T) {
	assert.Equal(t, "abcdef123456", shortenCommit("abcdef1234567890"))
	assert.Equal(t, "abc", shortenCommit("abc"))
}

func TestUnknownCommand(t *testing.T) {
	code, _, stderr := run(t, "frobnicate")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, `unknown command "frobnicate"`)
}

func hostOnlyConfig(t *testing.T, host string) string {
	t.Helper()
	pid := filepath.Join(t.TempDir(), "cmdrelay.pid")
	return writeConfig(t, "service:\n  pid_file: "+pid+"\nhost:\n  command: ["+host+"]\n")
}

func TestConfigCheck(t *testing.T) {
	path := hostOnlyConfig(t, "/bin/echo")

	code, out, stderr := run(t, "config", "check", "--config", path)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, "Configuration: "+path)
	assert.Contains(t, out, "mode: pull, isolation: task")
	assert.Contains(t, out, "checksums: not locked")
	assert.Contains(t, out, "No problems found.")
}

func TestConfigCheckFindsMissingHost(t *testing.T) {
	path := hostOnlyConfig(t, "/nonexistent/host-cli")

	code, out, stderr := run(t, "config", "check", "--config", path, "--json")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, `"valid": false`)
	assert.Contains(t, out, "host.command")
	assert.Contains(t, stderr, "1 configuration problem(s)")
}

func TestConfigCheckInvalid(t *testing.T) {
	path := writeConfig(t, "relay:\n  mode: stream\n")

	code, _, stderr := run(t, "config", "check", "--config", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, `relay.mode must be one of: pull, push (got "stream")`)
	assert.Contains(t, stderr, "host.command is required")
}

func TestConfigLockThenCheck(t *testing.T) {
	path := hostOnlyConfig(t, "/bin/echo")

	code, out, _ := run(t, "config", "lock", "--config", path, "--dry-run")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Dry run")
	_, err := os.Stat(filepath.Join(filepath.Dir(path), config.ChecksumFile))
	assert.True(t, os.IsNotExist(err))

	code, out, _ = run(t, "config", "lock", "--config", path)
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Wrote ")
	assert.Contains(t, out, config.FileName)

	code, out, _ = run(t, "config", "check", "--config", path)
	require.Equal(t, 0, code)
	assert.Contains(t, out, "checksums: verified")

	require.NoError(t, os.WriteFile(path, []byte("host:\n  command: [/bin/cat]\n"), 0o644))
	code, _, stderr := run(t, "config", "check", "--config", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "hash")
}

func TestConfigShowRedactsToken(t *testing.T) {
	path := writeConfig(t, `
relay:
  mode: push
host:
  command: [/bin/echo]
telegram:
  enabled: true
  token: super-secret
`)
	code, out, _ := run(t, "config", "show", "--config", path)
	require.Equal(t, 0, code)
	assert.NotContains(t, out, "super-secret")
	assert.Contains(t, out, redacted)
	assert.Contains(t, out, "mode: push")
}

func TestAuditCommands(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	path := writeConfig(t, "host:\n  command: [/bin/echo]\naudit:\n  path: "+dbPath+"\n")

	j, err := audit.Open(context.Background(), dbPath)
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, j.Record(context.Background(), dispatch.Record{
		ID: "old", Text: "history", Outcome: dispatch.OutcomeSucceeded,
		ReceivedAt: now.Add(-48 * time.Hour), CompletedAt: now.Add(-48 * time.Hour),
	}))
	require.NoError(t, j.Record(context.Background(), dispatch.Record{
		ID: "new", Text: "connect binance", Outcome: dispatch.OutcomeRejected,
		Detail: "Command Connect binance is disabled from this interface", ReceivedAt: now, CompletedAt: now,
	}))
	require.NoError(t, j.Close())

	code, out, _ := run(t, "audit", "tail", "--config", path)
	require.Equal(t, 0, code)
	assert.Contains(t, out, "OUTCOME")
	assert.Contains(t, out, "connect binance")
	assert.Contains(t, out, "history")

	code, out, _ = run(t, "audit", "tail", "--config", path, "--outcome", "rejected")
	require.Equal(t, 0, code)
	assert.NotContains(t, out, "history")

	code, out, _ = run(t, "audit", "prune", "--config", path, "--older-than", "24h")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Deleted 1 entries")
}

func TestAuditDisabled(t *testing.T) {
	path := writeConfig(t, "host:\n  command: [/bin/echo]\n")
	code, _, stderr := run(t, "audit", "tail", "--config", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "audit journal disabled")
}

func TestConsoleURL(t *testing.T) {
	url, err := consoleURL("http://relay:8080", "", io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "http://relay:8080", url)

	url, err = consoleURL("0.0.0.0:9000", "", io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9000", url)

	path := writeConfig(t, "host:\n  command: [/bin/echo]\nlistener:\n  listen: 127.0.0.1:7001\n")
	url, err = consoleURL("", path, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:7001", url)
}

func TestChildCommand(t *testing.T) {
	cfg := config.Defaults()
	cfg.Path = "/etc/cmdrelay/config.yaml"

	argv, err := childCommand(cfg)
	require.NoError(t, err)
	require.Len(t, argv, 5)
	assert.Equal(t, []string{"listen", "--stdio", "--config", "/etc/cmdrelay/config.yaml"}, argv[1:])

	cfg.Listener.Command = []string{"/opt/listener", "--x"}
	argv, err = childCommand(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/listener", "--x"}, argv)

	cfg.Listener.Command = nil
	cfg.Path = ""
	_, err = childCommand(cfg)
	assert.Error(t, err)
}

func TestListenRequiresStdio(t *testing.T) {
	code, _, stderr := run(t, "listen")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "listen only supports --stdio")
}

type queueRelay struct{ q *outbound.Queue }

func (r queueRelay) Submit(text string) string { r.q.Push(text); return "id-" + text }
func (r queueRelay) Run(_ context.Context, text string) (string, error) {
	return r.Submit(text), nil
}
func (r queueRelay) DrainAll() []string                              { return r.q.DrainAll() }
func (r queueRelay) DrainOne(ctx context.Context) (string, error) { return r.q.DrainOne(ctx) }

type childPipes struct {
	toChild   *io.PipeWriter
	peer      *protocol.Peer
	childDone chan error
}

func startChild(t *testing.T, configPath string) *childPipes {
	t.Helper()
	childIn, toChild := io.Pipe()
	fromChild, childOut := io.Pipe()

	p := &childPipes{
		toChild:   toChild,
		peer:      protocol.NewPeer(fromChild, toChild, queueRelay{q: outbound.New()}, log.Discard()),
		childDone: make(chan error, 1),
	}
	go func() {
		p.childDone <- runListen(context.Background(), configPath, childIn, childOut, io.Discard)
		_ = childOut.Close()
	}()
	return p
}

func TestRunListenServesUntilStdinCloses(t *testing.T) {
	path := writeConfig(t, "host:\n  command: [/bin/echo]\nlistener:\n  listen: 127.0.0.1:0\n")
	child := startChild(t, path)

	require.NoError(t, child.peer.AwaitReady())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = child.peer.Serve(ctx) }()
	require.NoError(t, child.peer.Push("hello"))

	require.NoError(t, child.toChild.Close())
	select {
	case err := <-child.childDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener child did not stop after stdin closed")
	}
}

func TestRunListenReportsConfigFailure(t *testing.T) {
	path := writeConfig(t, "relay:\n  mode: stream\n")
	child := startChild(t, path)

	err := child.peer.AwaitReady()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay.mode")
	assert.Error(t, <-child.childDone)
}

func TestRunListenReportsBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	path := writeConfig(t, "host:\n  command: [/bin/echo]\nlistener:\n  listen: "+ln.Addr().String()+"\n")
	child := startChild(t, path)

	err = child.peer.AwaitReady()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listener api")
	assert.Error(t, <-child.childDone)
}

func TestServeEndToEnd(t *testing.T) {
	dir := t.TempDir()
	addr := freeAddr(t)
	dbPath := filepath.Join(dir, "audit.db")
	path := writeConfig(t, `
service:
  pid_file: `+filepath.Join(dir, "cmdrelay.pid")+`
listener:
  listen: `+addr+`
host:
  command: [/bin/echo]
audit:
  path: `+dbPath+`
  retention: 720h
`)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- runServe(ctx, path, io.Discard) }()

	base := "http://" + addr
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	for _, cmd := range []string{"hello world", "export trades"} {
		resp, err := http.Post(base+"/command", "application/json", strings.NewReader(`{"cmd":"`+cmd+`"}`))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	var got []string
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/messages")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var body api.MessagesResponse
		if json.NewDecoder(resp.Body).Decode(&body) != nil {
			return false
		}
		got = append(got, body.Messages...)
		return len(got) >= 2
	}, 5*time.Second, 50*time.Millisecond)
	assert.Contains(t, got, "Command export trades is disabled from this interface")
	assert.Contains(t, strings.Join(got, "\n"), "hello world")

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}

	j, err := audit.Open(context.Background(), dbPath)
	require.NoError(t, err)
	defer j.Close()
	recs, err := j.Recent(context.Background(), audit.Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	outcomes := []string{recs[0].Outcome, recs[1].Outcome}
	assert.ElementsMatch(t, []string{dispatch.OutcomeSucceeded, dispatch.OutcomeRejected}, outcomes)
}
