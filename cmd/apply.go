package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"grimm.is/leakshield/internal/engine"
)

func newApplyCmd(env *Env, g *globalFlags) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Install the configured rule set atomically",
		Long: `Install every filter of the configured rule set in one transaction.
Either all filters become active or none do. Filters already installed by an
earlier apply are replaced, so running apply again is safe.

With --dry-run the transaction runs against an in-memory copy of the
firewall and nothing is installed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperation(cmd.Context(), env, g, engine.OpApply, dryRun)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "run the transaction in memory without touching the firewall")
	return cmd
}

func newRemoveCmd(env *Env, g *globalFlags) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove the configured rule set atomically",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperation(cmd.Context(), env, g, engine.OpRemove, dryRun)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "run the transaction in memory without touching the firewall")
	return cmd
}

func runOperation(ctx context.Context, env *Env, g *globalFlags, op string, dryRun bool) error {
	s, err := load(env, g)
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dryRun {
		before, after, err := s.dryRun(ctx, op)
		if err != nil {
			return err
		}
		if op == engine.OpRemove {
			env.printf("Dry run: would remove %d filters from table %s\n", before-after, s.cfg.Table)
		} else {
			env.printf("Dry run: would add %d and replace %d filters in table %s\n", after-before, before, s.cfg.Table)
		}
		return nil
	}

	if err := s.run(ctx, op); err != nil {
		return err
	}

	verb := "Applied"
	if op == engine.OpRemove {
		verb = "Removed"
	}
	env.printf("%s %d rules to table %s\n", verb, len(s.policy.Rules), s.cfg.Table)
	return nil
}
