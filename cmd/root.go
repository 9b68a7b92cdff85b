// Package cmd implements the leakshield command line.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/text/message"

	"grimm.is/leakshield/internal/brand"
	"grimm.is/leakshield/internal/config"
	"grimm.is/leakshield/internal/firewall"
	"grimm.is/leakshield/internal/i18n"
	"grimm.is/leakshield/internal/install"
	"grimm.is/leakshield/internal/logging"
	"grimm.is/leakshield/internal/network"
)

// Installer is what the commands need from a classification engine.
type Installer interface {
	install.Installer
	install.Lister
}

// Env carries the process dependencies of the commands so tests can run
// them against in-memory engines.
type Env struct {
	Out     io.Writer
	Err     io.Writer
	Printer *message.Printer

	// NewInstaller opens the engine holding table.
	NewInstaller func(table string, logger *logging.Logger) Installer
	Runner       firewall.CommandRunner
	Netlinker    network.Netlinker
}

// DefaultEnv talks to the kernel.
func DefaultEnv() *Env {
	return &Env{
		Out:     os.Stdout,
		Err:     os.Stderr,
		Printer: i18n.NewCLIPrinter(),
		NewInstaller: func(table string, logger *logging.Logger) Installer {
			return firewall.NewInstaller(table, logger)
		},
		Runner:    firewall.DefaultCommandRunner,
		Netlinker: network.DefaultNetlinker,
	}
}

func (e *Env) printf(format string, args ...any) {
	e.Printer.Fprintf(e.Out, format, args...)
}

type globalFlags struct {
	configFile string
	logLevel   string
}

// NewRootCmd builds the command tree.
func NewRootCmd(env *Env) *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           brand.LowerName,
		Short:         brand.Description,
		Long:          fmt.Sprintf("%s installs leak-protection filters into the kernel firewall as one atomic transaction.", brand.Name),
		Version:       fmt.Sprintf("%s (%s)", brand.Version, brand.GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(env.Out)
	root.SetErr(env.Err)

	root.PersistentFlags().StringVarP(&g.configFile, "config", "c", config.DefaultConfigPath(), "policy file (.hcl, .json or .yaml)")
	root.PersistentFlags().StringVarP(&g.logLevel, "log-level", "l", "", "override the configured log level (debug, info, warn, error)")

	root.AddCommand(
		newApplyCmd(env, g),
		newRemoveCmd(env, g),
		newPlanCmd(env, g),
		newCheckCmd(env, g),
		newStatusCmd(env, g),
		newHistoryCmd(env, g),
		newDoctorCmd(env, g),
		newInitCmd(env),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute(env *Env, args []string) int {
	root := NewRootCmd(env)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		env.Printer.Fprintf(env.Err, "Error: %v\n", err)
		return 1
	}
	return 0
}
