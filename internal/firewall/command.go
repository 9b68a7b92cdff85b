package firewall

// CommandRunner abstracts shell command execution.
// Used for nft script validation.
type CommandRunner interface {
	Run(name string, args ...string) error
	RunInput(input string, name string, args ...string) error
	Output(name string, args ...string) ([]byte, error)
}

// RealCommandRunner executes actual shell commands.
// Methods are implemented in command_linux.go and command_stub.go
type RealCommandRunner struct{}

// DefaultCommandRunner is the default command runner.
var DefaultCommandRunner CommandRunner = &RealCommandRunner{}
