package install

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"grimm.is/leakshield/internal/filter"
)

// Backend is a classification engine that applies filter changes one at a
// time, with no transaction support of its own.
type Backend interface {
	// InstallFilter activates spec, replacing any active filter with the
	// same identity.
	InstallFilter(spec filter.Spec) error
	// UninstallFilter deactivates the filter with identity id.
	UninstallFilter(id filter.ID) error
	// LookupFilter returns the active filter with identity id.
	LookupFilter(id filter.ID) (filter.Spec, bool)
	// ActiveFilters returns the identities of all active filters.
	ActiveFilters() []filter.ID
}

// Buffered emulates write-ahead transactions over a Backend. Changes are
// buffered until Commit, then applied in order; if any step fails the steps
// already applied are undone before Commit returns.
type Buffered struct {
	backend Backend

	mu   sync.Mutex
	open bool
}

// NewBuffered wraps backend.
func NewBuffered(backend Backend) *Buffered {
	return &Buffered{backend: backend}
}

// Begin opens a transaction. It fails with ErrBusy if one is already open.
func (b *Buffered) Begin(ctx context.Context) (Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, &InstallError{Op: "begin", Err: err}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return nil, &InstallError{Op: "begin", Err: ErrBusy}
	}
	b.open = true
	return &bufferedTx{owner: b, staged: make(map[filter.ID]bool)}, nil
}

// Active returns the identities of the backend's active filters, sorted.
func (b *Buffered) Active(ctx context.Context) ([]filter.ID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := b.backend.ActiveFilters()
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (b *Buffered) release() {
	b.mu.Lock()
	b.open = false
	b.mu.Unlock()
}

type bufferedOp struct {
	remove bool
	id     filter.ID
	spec   filter.Spec
}

// undo restores one identity to what it was before commit started.
type undo struct {
	id      filter.ID
	prev    filter.Spec
	existed bool
}

type bufferedTx struct {
	owner  *Buffered
	ops    []bufferedOp
	staged map[filter.ID]bool
	done   bool
}

func (t *bufferedTx) Add(spec filter.Spec) error {
	if t.done {
		return &InstallError{Op: "add", ID: spec.ID(), Err: ErrTransactionDone}
	}
	if t.staged[spec.ID()] {
		return &InstallError{Op: "add", ID: spec.ID(), Err: ErrDuplicate}
	}
	t.staged[spec.ID()] = true
	t.ops = append(t.ops, bufferedOp{id: spec.ID(), spec: spec})
	return nil
}

func (t *bufferedTx) Remove(id filter.ID) error {
	if t.done {
		return &InstallError{Op: "remove", ID: id, Err: ErrTransactionDone}
	}
	if t.staged[id] {
		return &InstallError{Op: "remove", ID: id, Err: fmt.Errorf("%w: filter was added in this transaction", ErrRejected)}
	}
	t.ops = append(t.ops, bufferedOp{remove: true, id: id})
	return nil
}

func (t *bufferedTx) Commit() error {
	if t.done {
		return &InstallError{Op: "commit", Err: ErrTransactionDone}
	}
	t.done = true
	defer t.owner.release()

	backend := t.owner.backend
	var applied []undo
	for _, op := range t.ops {
		prev, existed := backend.LookupFilter(op.id)

		var err error
		if op.remove {
			if !existed {
				continue
			}
			err = backend.UninstallFilter(op.id)
		} else {
			err = backend.InstallFilter(op.spec)
		}
		if err != nil {
			if rbErr := rollback(backend, applied); rbErr != nil {
				err = errors.Join(err, fmt.Errorf("undo failed: %w", rbErr))
			}
			return &InstallError{Op: "commit", ID: op.id, Err: err}
		}
		applied = append(applied, undo{id: op.id, prev: prev, existed: existed})
	}
	return nil
}

func (t *bufferedTx) Abort() {
	if t.done {
		return
	}
	t.done = true
	t.ops = nil
	t.owner.release()
}

// rollback reverts applied steps newest first.
func rollback(backend Backend, applied []undo) error {
	var errs []error
	for i := len(applied) - 1; i >= 0; i-- {
		u := applied[i]
		var err error
		if u.existed {
			err = backend.InstallFilter(u.prev)
		} else {
			err = backend.UninstallFilter(u.id)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", u.id, err))
		}
	}
	return errors.Join(errs...)
}
