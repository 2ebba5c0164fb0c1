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

	"github.com/mattjoyce/cmdrelay/internal/log"
	"github.com/mattjoyce/cmdrelay/internal/protocol"
)

const pushTimeout = 30 * time.Second

func newListenCmd() *cobra.Command {
	var stdio bool
	cmd := &cobra.Command{
		Use:    "listen",
		Short:  "Run the transports as a child of `cmdrelay serve`",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !stdio {
				return errors.New("listen only supports --stdio")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runListen(ctx, configFlag(cmd), cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().BoolVar(&stdio, "stdio", false, "Speak JSON-line frames with the parent relay on stdin/stdout")
	return cmd
}

// runListen serves the configured transports against the parent relay over
// stdin/stdout. Logs go to stderr so the frame stream stays clean.
func runListen(ctx context.Context, flag string, stdin io.Reader, stdout, stderr io.Writer) error {
	cfg, err := loadConfig(flag, io.Discard)
	if err != nil {
		client := protocol.NewClient(stdin, stdout, log.Discard())
		_ = client.Fail(err)
		return err
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat, stderr)
	logger := log.WithComponent("listen")

	client := protocol.NewClient(stdin, stdout, logger)
	group := buildTransports(cfg, client, logger)
	client.OnMessage(func(message string) {
		sctx, cancel := context.WithTimeout(ctx, pushTimeout)
		defer cancel()
		if err := group.Send(sctx, message); err != nil {
			logger.Warn("push to transports failed", "error", err)
		}
	})
	client.Start()

	if err := group.Start(ctx); err != nil {
		_ = client.Fail(err)
		return fmt.Errorf("start transports: %w", err)
	}
	if err := client.Ready(); err != nil {
		_ = group.Terminate()
		return fmt.Errorf("signal ready: %w", err)
	}
	logger.Info("listener child ready")

	select {
	case <-ctx.Done():
		logger.Info("listener child stopping", "reason", "signal")
	case <-client.Done():
		logger.Info("listener child stopping", "reason", "relay closed stdin")
	case <-group.Done():
		logger.Warn("listener child stopping", "reason", "transports exited")
	}
	return group.Terminate()
}
