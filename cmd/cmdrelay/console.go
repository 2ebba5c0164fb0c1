package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/cmdrelay/internal/tui"
)

func newConsoleCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Interactive console for a running relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, err := consoleURL(addr, configFlag(cmd), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return tui.Run(url)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listener address or URL (default: listener.listen from config)")
	return cmd
}

func consoleURL(addr, flag string, stderr io.Writer) (string, error) {
	if addr == "" {
		cfg, err := loadConfig(flag, stderr)
		if err != nil {
			return "", fmt.Errorf("%w (or pass --addr)", err)
		}
		addr = cfg.Listener.Listen
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr, nil
	}
	if strings.HasPrefix(addr, "0.0.0.0:") {
		addr = "127.0.0.1:" + strings.TrimPrefix(addr, "0.0.0.0:")
	}
	return "http://" + addr, nil
}
