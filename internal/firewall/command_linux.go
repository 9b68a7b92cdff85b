//go:build linux
// +build linux

package firewall

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

// Run executes a command without capturing output.
func (r *RealCommandRunner) Run(name string, args ...string) error {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return commandError(name, err, out)
	}
	return nil
}

// Output executes a command and returns its stdout.
func (r *RealCommandRunner) Output(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).Output()
}

// RunInput executes a command with input via stdin.
func (r *RealCommandRunner) RunInput(input string, name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdin = strings.NewReader(input)
	if out, err := cmd.CombinedOutput(); err != nil {
		return commandError(name, err, out)
	}
	return nil
}

func commandError(name string, err error, out []byte) error {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return fmt.Errorf("command %s failed: %w", name, err)
	}
	return fmt.Errorf("command %s failed: %w: %s", name, err, out)
}
