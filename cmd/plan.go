package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"grimm.is/leakshield/internal/engine"
	"grimm.is/leakshield/internal/filter"
	"grimm.is/leakshield/internal/firewall"
)

func newPlanCmd(env *Env, g *globalFlags) *cobra.Command {
	var nft bool

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the filters apply would install",
		Long: `Emit the configured rule set without touching the firewall. By default
the filters are listed; --nft prints the nftables script that recreates the
owned table with exactly these filters.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := load(env, g)
			if err != nil {
				return err
			}
			specs, err := s.plan()
			if err != nil {
				return err
			}

			if nft {
				sb, err := firewall.BuildRulesetScript(s.cfg.Table, specs)
				if err != nil {
					return err
				}
				fmt.Fprint(env.Out, sb.Build())
				return nil
			}
			printSpecs(env, specs)
			return nil
		},
	}

	cmd.Flags().BoolVar(&nft, "nft", false, "print the nftables script instead of the filter list")
	return cmd
}

func newCheckCmd(env *Env, g *globalFlags) *cobra.Command {
	var skipNFT bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the policy file and the generated ruleset",
		Long: `Load and validate the policy file, emit every rule and, unless --skip-nft
is given, have nft parse the generated script without applying it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := load(env, g)
			if err != nil {
				return err
			}
			specs, err := s.plan()
			if err != nil {
				return err
			}
			sb, err := firewall.BuildRulesetScript(s.cfg.Table, specs)
			if err != nil {
				return err
			}
			if !skipNFT {
				if err := firewall.ValidateScript(env.Runner, sb.Build()); err != nil {
					return err
				}
			}

			env.printf("Configuration valid!\n")
			env.printf("Schema Version: %s\n", s.cfg.SchemaVersion)
			env.printf("Rules: %d\n", len(s.policy.Rules))
			env.printf("Filters: %d\n", len(specs))
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipNFT, "skip-nft", false, "do not run nft -c on the generated script")
	return cmd
}

func (s *session) plan() ([]filter.Spec, error) {
	eng := engine.New(s.installer(), engine.WithLogger(s.logger.WithComponent("engine")))
	return eng.Plan(s.policy.Rules, s.policy.Context)
}

func printSpecs(env *Env, specs []filter.Spec) {
	w := tabwriter.NewWriter(env.Out, 0, 0, 2, ' ', 0)
	env.Printer.Fprintf(w, "WEIGHT\tLAYER\tACTION\tID\tNAME\n")
	for _, spec := range specs {
		env.Printer.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			spec.Weight(), spec.Layer(), spec.Action(), spec.ID(), spec.Name())
	}
	w.Flush()
	env.printf("\n%d filters\n", len(specs))
}
