package cmd

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"grimm.is/leakshield/internal/filter"
)

func newStatusCmd(env *Env, g *globalFlags) *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Compare active filters with the configured rule set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := load(env, g)
			if err != nil {
				return err
			}
			specs, err := s.plan()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			active, err := s.installer().Active(ctx)
			if err != nil {
				return fmt.Errorf("list active filters: %w", err)
			}

			missing := reportStatus(env, s.cfg.Table, specs, active)

			if journal, err := s.openJournal(); err == nil {
				defer journal.Close()
				if last, err := journal.LastCommitted(ctx); err == nil && last != nil {
					env.printf("Last commit: %s at %s (%d filters)\n",
						last.Operation, last.Finished.Local().Format(time.RFC3339), len(last.IDs))
				}
			}

			if strict && missing > 0 {
				return fmt.Errorf("%d configured filters are not active", missing)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "fail when a configured filter is not active")
	return cmd
}

// reportStatus prints one line per configured filter and returns how many
// are not active.
func reportStatus(env *Env, table string, specs []filter.Spec, active []filter.ID) int {
	isActive := make(map[filter.ID]bool, len(active))
	for _, id := range active {
		isActive[id] = true
	}

	var missing int
	w := tabwriter.NewWriter(env.Out, 0, 0, 2, ' ', 0)
	for _, spec := range specs {
		mark := "active"
		if !isActive[spec.ID()] {
			mark = "missing"
			missing++
		}
		delete(isActive, spec.ID())
		env.Printer.Fprintf(w, "%s\t%s\t%s\n", strings.ToUpper(mark), spec.ID(), spec.Name())
	}
	w.Flush()

	env.printf("\nTable: %s\n", table)
	env.printf("Active: %d of %d configured filters\n", len(specs)-missing, len(specs))
	if len(isActive) > 0 {
		env.printf("Unmanaged: %d active filters are not in the configured rule set\n", len(isActive))
	}
	return missing
}

func newHistoryCmd(env *Env, g *globalFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the journal of apply and remove operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := load(env, g)
			if err != nil {
				return err
			}
			journal, err := s.openJournal()
			if err != nil {
				return err
			}
			defer journal.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			entries, err := journal.History(ctx, limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				env.printf("No operations recorded\n")
				return nil
			}

			w := tabwriter.NewWriter(env.Out, 0, 0, 2, ' ', 0)
			env.Printer.Fprintf(w, "SEQ\tSTARTED\tOPERATION\tOUTCOME\tFILTERS\tDURATION\tERROR\n")
			for _, e := range entries {
				env.Printer.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
					e.Seq, e.Started.Local().Format(time.RFC3339), e.Operation, e.Outcome,
					len(e.IDs), e.Duration().Round(time.Millisecond), e.Error)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show (0 for all)")
	return cmd
}
