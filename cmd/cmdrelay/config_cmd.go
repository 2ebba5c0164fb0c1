package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/cmdrelay/internal/config"
	"github.com/mattjoyce/cmdrelay/internal/doctor"
)

const redacted = "********"

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and lock configuration",
	}
	cmd.AddCommand(newConfigCheckCmd(), newConfigLockCmd(), newConfigShowCmd())
	return cmd
}

func newConfigCheckCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration, checksums and the runtime environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configFlag(cmd), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			result := doctor.New(cfg).Validate()
			out := cmd.OutOrStdout()

			if asJSON {
				data, err := doctor.FormatJSON(result)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, data)
			} else {
				fmt.Fprintf(out, "Configuration: %s\n", cfg.Path)
				fmt.Fprintf(out, "  mode: %s, isolation: %s, listen: %s\n", cfg.Relay.Mode, cfg.Listener.Isolation, cfg.Listener.Listen)
				fmt.Fprintf(out, "  host: %v (timeout %s)\n", cfg.Host.Command, cfg.Host.Timeout)
				if _, err := config.LoadChecksums(filepath.Dir(cfg.Path)); err != nil {
					fmt.Fprintln(out, "  checksums: not locked")
				} else {
					fmt.Fprintln(out, "  checksums: verified")
				}
				fmt.Fprint(out, doctor.FormatHuman(result))
			}
			if !result.Valid {
				return fmt.Errorf("%d configuration problem(s)", len(result.Errors))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output findings as JSON")
	return cmd
}

func newConfigLockCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Record BLAKE3 checksums of the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := config.Discover(configFlag(cmd))
			if err != nil {
				return err
			}
			report, err := config.Lock(path, dryRun)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, f := range report.Files {
				if f.Exists {
					fmt.Fprintf(out, "%s  %s\n", f.Hash, f.Filename)
				}
			}
			if report.Written {
				fmt.Fprintf(out, "Wrote %s\n", report.ChecksumPath)
			} else {
				fmt.Fprintf(out, "Dry run: %s not written\n", report.ChecksumPath)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print checksums without writing them")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configFlag(cmd), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			shown := *cfg
			if shown.Telegram.Token != "" {
				shown.Telegram.Token = redacted
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(shown)
		},
	}
}
