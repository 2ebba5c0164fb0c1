package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/cmdrelay/internal/audit"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the command journal",
	}
	cmd.AddCommand(newAuditTailCmd(), newAuditPruneCmd())
	return cmd
}

func openJournal(cmd *cobra.Command) (*audit.Journal, error) {
	cfg, err := loadConfig(configFlag(cmd), cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	if cfg.Audit.Path == "" {
		return nil, errors.New("audit journal disabled (audit.path is empty)")
	}
	return audit.Open(cmd.Context(), cfg.Audit.Path)
}

func newAuditTailCmd() *cobra.Command {
	var (
		limit   int
		outcome string
		since   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "List recent commands, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			j, err := openJournal(cmd)
			if err != nil {
				return err
			}
			defer j.Close()

			f := audit.Filter{Outcome: outcome, Limit: limit}
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}
			recs, err := j.Recent(cmd.Context(), f)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "RECEIVED\tOUTCOME\tCOMMAND\tDETAIL")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ReceivedAt.Local().Format(time.DateTime), r.Outcome, r.Text, r.Detail)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum entries to show")
	cmd.Flags().StringVar(&outcome, "outcome", "", "Only show this outcome (rejected, succeeded, failed, dropped)")
	cmd.Flags().DurationVar(&since, "since", 0, "Only show commands received within this window")
	return cmd
}

func newAuditPruneCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete journal entries older than a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			j, err := openJournal(cmd)
			if err != nil {
				return err
			}
			defer j.Close()

			n, err := j.Prune(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d entries\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Age cutoff")
	return cmd
}
