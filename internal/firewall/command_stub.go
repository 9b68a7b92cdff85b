//go:build !linux

package firewall

import "errors"

// ErrNotSupported is returned on platforms without nftables.
var ErrNotSupported = errors.New("nftables is only available on linux")

func (r *RealCommandRunner) Run(name string, args ...string) error {
	return ErrNotSupported
}

func (r *RealCommandRunner) Output(name string, args ...string) ([]byte, error) {
	return nil, ErrNotSupported
}

func (r *RealCommandRunner) RunInput(input string, name string, args ...string) error {
	return ErrNotSupported
}
