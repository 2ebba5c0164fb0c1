package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/cmdrelay/internal/audit"
	"github.com/mattjoyce/cmdrelay/internal/config"
	"github.com/mattjoyce/cmdrelay/internal/dispatch"
	"github.com/mattjoyce/cmdrelay/internal/gate"
	"github.com/mattjoyce/cmdrelay/internal/host"
	"github.com/mattjoyce/cmdrelay/internal/lock"
	"github.com/mattjoyce/cmdrelay/internal/log"
	"github.com/mattjoyce/cmdrelay/internal/outbound"
	"github.com/mattjoyce/cmdrelay/internal/relay"
	"github.com/mattjoyce/cmdrelay/internal/scheduler"
)

const pruneInterval = time.Hour

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, configFlag(cmd), cmd.ErrOrStderr())
		},
	}
}

func loadConfig(flag string, stderr io.Writer) (*config.Config, error) {
	path, err := config.Discover(flag)
	if err != nil {
		return nil, fmt.Errorf("discover config: %w", err)
	}
	if flag == "" {
		fmt.Fprintf(stderr, "Using discovered config: %s\n", path)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func runServe(ctx context.Context, flag string, stderr io.Writer) error {
	cfg, err := loadConfig(flag, stderr)
	if err != nil {
		return err
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat, stderr)
	logger := log.WithComponent("main")
	logger.Info("cmdrelay starting", "version", version, "config", cfg.Path, "mode", cfg.Relay.Mode, "isolation", cfg.Listener.Isolation)

	pidLock, err := lock.Acquire(cfg.Service.PIDFile)
	if err != nil {
		return fmt.Errorf("pid lock %s: %w", cfg.Service.PIDFile, err)
	}
	defer pidLock.Release()

	var (
		recorder dispatch.Recorder
		journal  *audit.Journal
	)
	if cfg.Audit.Path != "" {
		journal, err = audit.Open(ctx, cfg.Audit.Path)
		if err != nil {
			return err
		}
		defer journal.Close()
		recorder = journal
		logger.Info("audit journal opened", "path", cfg.Audit.Path)
	}

	queue := outbound.New()
	defer queue.Close()

	exec, err := host.NewProcess(host.Config{
		Command:    cfg.Host.Command,
		Stdin:      cfg.Host.Stdin,
		Timeout:    cfg.Host.Timeout,
		Workdir:    cfg.Host.Workdir,
		Env:        cfg.Host.Env,
		ChunkLines: cfg.Relay.ChunkLines,
	}, queue, log.WithComponent("host"))
	if err != nil {
		return err
	}

	g := gate.New(cfg.Relay.Deny)
	logger.Info("command gate configured", "deny", g.Denied())

	sched := scheduler.New(log.WithComponent("scheduler"))
	disp := dispatch.New(g, sched, exec, queue, log.WithComponent("dispatch"), dispatch.Options{
		InputPrefix: cfg.Relay.InputPrefix,
		Sink:        dispatch.LogSink{Logger: log.WithComponent("host-log")},
		Recorder:    recorder,
	})

	rel := relay.New(disp, queue, listenerFactory(cfg, log.WithComponent("listener")), log.WithComponent("relay"), relay.Options{
		Mode:            relay.Mode(cfg.Relay.Mode),
		ForwardInterval: cfg.Relay.ForwardInterval,
	})
	if err := sched.Start(context.Background()); err != nil {
		return err
	}
	stopScheduler := func() {
		disp.Wait()
		sched.Stop()
		sched.Wait()
	}
	if err := rel.Start(ctx); err != nil {
		stopScheduler()
		return err
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		select {
		case <-gctx.Done():
			logger.Info("shutdown requested")
			return nil
		case <-rel.Done():
			if gctx.Err() != nil {
				return nil
			}
			return errors.New("listener exited unexpectedly")
		}
	})
	if journal != nil && cfg.Audit.Retention > 0 {
		eg.Go(func() error {
			pruneJournal(gctx, journal, cfg.Audit.Retention, pruneInterval)
			return nil
		})
	}

	waitErr := eg.Wait()
	logger.Info("stopping relay", "uptime", rel.Uptime().Round(time.Second).String())
	if err := rel.Stop(); err != nil {
		logger.Error("relay stop failed", "error", err)
		waitErr = errors.Join(waitErr, err)
	}
	// Accepted commands run to completion before the worker goes away.
	stopScheduler()
	logger.Info("cmdrelay stopped")
	return waitErr
}

// pruneJournal deletes entries older than retention now and then every
// interval until ctx ends.
func pruneJournal(ctx context.Context, j *audit.Journal, retention, interval time.Duration) {
	logger := log.WithComponent("audit")
	prune := func() {
		n, err := j.Prune(ctx, time.Now().Add(-retention))
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Warn("audit prune failed", "error", err)
		case n > 0:
			logger.Info("audit journal pruned", "deleted", n)
		}
	}

	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
