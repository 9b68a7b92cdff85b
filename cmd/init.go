package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"grimm.is/leakshield/internal/config"
	"grimm.is/leakshield/internal/rules"
)

// starterConfig blocks everything except loopback and DHCP.
func starterConfig() *config.Config {
	return &config.Config{
		SchemaVersion: config.CurrentSchemaVersion,
		Log:           &config.LogConfig{Level: "info"},
		Context:       &config.ContextConfig{DetectLAN: true},
		Rules: []config.RuleConfig{
			{Kind: rules.KindPermitLoopback},
			{Kind: rules.KindPermitDHCP},
			{Kind: rules.KindBlockDNS},
			{Kind: rules.KindBlockAll},
		},
	}
}

func newInitCmd(env *Env) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a starter policy file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data := config.GenerateHCL(starterConfig())
			if len(args) == 0 {
				_, err := env.Out.Write(data)
				return err
			}

			path := args[0]
			flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
			if force {
				flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
			}
			f, err := os.OpenFile(path, flags, 0o644)
			if err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
			if _, err := f.Write(data); err != nil {
				f.Close()
				return fmt.Errorf("write %s: %w", path, err)
			}
			if err := f.Close(); err != nil {
				return err
			}
			env.printf("Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}
