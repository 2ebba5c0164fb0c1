package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/mattjoyce/cmdrelay/internal/api"
	"github.com/mattjoyce/cmdrelay/internal/config"
	"github.com/mattjoyce/cmdrelay/internal/listener"
	"github.com/mattjoyce/cmdrelay/internal/log"
	"github.com/mattjoyce/cmdrelay/internal/telegram"
)

// buildTransports assembles the configured transports over r. The same
// group runs in-process or inside the `listen --stdio` child.
func buildTransports(cfg *config.Config, r listener.Relay, logger *slog.Logger) *listener.Group {
	srv := api.New(api.Config{
		Listen:        cfg.Listener.Listen,
		DrainTimeout:  cfg.Listener.DrainTimeout,
		StatusTimeout: cfg.Listener.StatusTimeout,
		Mode:          cfg.Relay.Mode,
	}, r, log.WithComponent("api"))
	handles := []listener.Handle{listener.NewTask("api", srv, logger)}

	if cfg.Telegram.Enabled {
		bot := telegram.New(telegram.Config{
			Token:     cfg.Telegram.Token,
			ChatIDs:   cfg.Telegram.ChatIDs,
			AllowFrom: cfg.Telegram.AllowFrom,
		}, r, log.WithComponent("telegram"))
		handles = append(handles, listener.NewTask("telegram", bot, logger))
	}
	return listener.NewGroup(handles...)
}

// listenerFactory returns the relay factory for the configured isolation.
func listenerFactory(cfg *config.Config, logger *slog.Logger) func(listener.Relay) (listener.Handle, error) {
	return func(r listener.Relay) (listener.Handle, error) {
		if cfg.Listener.Isolation != config.IsolationProcess {
			return buildTransports(cfg, r, logger), nil
		}
		argv, err := childCommand(cfg)
		if err != nil {
			return nil, err
		}
		return listener.NewProcess(listener.ProcessConfig{
			Command:      argv,
			StartTimeout: cfg.Listener.StartTimeout,
		}, r, logger), nil
	}
}

func childCommand(cfg *config.Config) ([]string, error) {
	if len(cfg.Listener.Command) > 0 {
		return cfg.Listener.Command, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate cmdrelay binary: %w", err)
	}
	if cfg.Path == "" {
		return nil, errors.New("process isolation needs a config file path")
	}
	return []string{exe, "listen", "--stdio", "--config", cfg.Path}, nil
}
