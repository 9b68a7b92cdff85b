package firewall

import (
	"fmt"
)

// ValidateScript checks an nft script without applying it.
func ValidateScript(runner CommandRunner, script string) error {
	if runner == nil {
		runner = DefaultCommandRunner
	}
	if err := runner.RunInput(script, "nft", "-c", "-f", "-"); err != nil {
		return fmt.Errorf("script validation failed: %w", err)
	}
	return nil
}
