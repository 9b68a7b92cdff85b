// Package install defines the transactional boundary between the rule engine
// and the packet-classification engine that holds active filters.
//
// Filters added to a Transaction are not visible to the classification
// engine until Commit succeeds; Abort discards them. Engines that cannot
// stage changes natively are wrapped in Buffered, which emulates the same
// write-ahead semantics.
package install

import (
	"context"
	"errors"
	"fmt"

	"grimm.is/leakshield/internal/filter"
)

var (
	// ErrDuplicate reports an identity added twice to one transaction, or
	// an engine that refuses to replace an active identity.
	ErrDuplicate = errors.New("duplicate filter identity")

	// ErrResourceExhausted reports that the engine cannot hold more filters.
	ErrResourceExhausted = errors.New("filter capacity exhausted")

	// ErrRejected reports a filter the engine refused, e.g. a condition it
	// cannot express.
	ErrRejected = errors.New("rejected by classification engine")

	// ErrTransactionDone reports use of a committed or aborted transaction.
	ErrTransactionDone = errors.New("transaction already finished")

	// ErrBusy reports a Begin while another transaction is still open.
	ErrBusy = errors.New("another transaction is open")
)

// InstallError is returned by every failing Installer operation. Any
// InstallError during Add or Commit means no filter of the transaction
// becomes active.
type InstallError struct {
	Op  string // "begin", "add", "remove", "commit"
	ID  filter.ID
	Err error
}

func (e *InstallError) Error() string {
	if e.ID == (filter.ID{}) {
		return fmt.Sprintf("install %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("install %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// Installer opens transactions against a classification engine.
// At most one transaction may be open at a time.
type Installer interface {
	Begin(ctx context.Context) (Transaction, error)
}

// Transaction stages filter changes for atomic activation.
type Transaction interface {
	// Add stages spec. An active filter with the same identity is replaced
	// on commit.
	Add(spec filter.Spec) error

	// Remove stages removal of the active filter with identity id.
	// Removing an inactive identity is a no-op. Removing an identity added
	// earlier in the same transaction fails with ErrRejected.
	Remove(id filter.ID) error

	// Commit activates all staged changes at once. It runs to completion
	// and cannot be cancelled.
	Commit() error

	// Abort discards all staged changes. It is safe to call after Commit.
	Abort()
}

// Lister reports the identities of active filters.
type Lister interface {
	Active(ctx context.Context) ([]filter.ID, error)
}
