package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"grimm.is/leakshield/internal/health"
)

// conntrackCheck is replaced in tests, which cannot rely on the host kernel.
var conntrackCheck health.CheckFunc = health.CheckConntrack

func newDoctorCmd(env *Env, g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that this host can install the configured rule set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := load(env, g)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			checker := health.NewChecker()
			checker.Register("firewall", health.CheckInstaller(s.installer()))
			checker.Register("conntrack", conntrackCheck)
			checker.Register("journal", health.CheckWritableDir(filepath.Dir(s.cfg.StateDB)))
			if s.cfg.LockFile != "" {
				checker.Register("lock", health.CheckWritableDir(filepath.Dir(s.cfg.LockFile)))
			}

			report := checker.Check(ctx)
			w := tabwriter.NewWriter(env.Out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CHECK\tSTATUS\tMESSAGE")
			for _, c := range report.Sorted() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", c.Name, c.Status, c.Message)
			}
			w.Flush()

			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("host is %s", report.Status)
			}
			return nil
		},
	}
}
