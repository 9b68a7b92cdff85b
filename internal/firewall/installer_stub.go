//go:build !linux

package firewall

import (
	"context"

	"grimm.is/leakshield/internal/filter"
	"grimm.is/leakshield/internal/install"
	"grimm.is/leakshield/internal/logging"
)

// Installer is unavailable off linux; every transaction fails to begin.
type Installer struct {
	table string
}

// NewInstaller creates an installer that always reports ErrNotSupported.
func NewInstaller(table string, logger *logging.Logger) *Installer {
	return &Installer{table: table}
}

// Table returns the name of the owned table.
func (i *Installer) Table() string { return i.table }

func (i *Installer) Begin(ctx context.Context) (install.Transaction, error) {
	return nil, &install.InstallError{Op: "begin", Err: ErrNotSupported}
}

func (i *Installer) Active(ctx context.Context) ([]filter.ID, error) {
	return nil, ErrNotSupported
}
