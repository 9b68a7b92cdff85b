// Package engine applies ordered rule sets to an installer as a single
// all-or-nothing transaction.
//
// # State machine
//
//	Idle → Applying → Committed
//	                → RolledBack
//
// Apply emits every rule in order and checks identities first, so a
// configuration error or identity collision is reported before any
// transaction opens. It then opens one transaction and stages each filter.
// An installer error aborts the transaction, leaving the classification
// engine exactly as it was before the call. Only when every filter is staged
// is the transaction committed, activating the whole set at once.
//
// Calls are serialized: one engine never has two transactions open, and a
// lock file (see WithLockFile) extends that to every process on the host.
// The context is honoured only until Begin; once a transaction is open it
// runs to commit or abort. There are no retries.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"grimm.is/leakshield/internal/clock"
	"grimm.is/leakshield/internal/filter"
	"grimm.is/leakshield/internal/install"
	"grimm.is/leakshield/internal/logging"
	"grimm.is/leakshield/internal/metrics"
	"grimm.is/leakshield/internal/rules"
)

// State is the engine's position in its transaction life cycle.
type State int

const (
	Idle State = iota
	Applying
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Applying:
		return "applying"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	OpApply  = "apply"
	OpRemove = "remove"
)

// Outcome labels used in metrics and journal records.
const (
	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
	OutcomeFailed     = "failed"
)

// Record describes one finished operation for the journal.
type Record struct {
	Operation string
	Outcome   string
	Rules     []string
	IDs       []filter.ID
	Err       error
	Started   time.Time
	Finished  time.Time
}

// Journal persists operation records.
type Journal interface {
	Record(ctx context.Context, rec Record) error
}

// Engine applies rule sets through an Installer.
type Engine struct {
	installer install.Installer
	logger    *logging.Logger
	metrics   *metrics.Registry
	journal   Journal
	lock      *flock.Flock
	lockRetry time.Duration

	mu      sync.Mutex // held for the whole of Apply/Remove
	stateMu sync.RWMutex
	state   State
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records operations in r.
func WithMetrics(r *metrics.Registry) Option {
	return func(e *Engine) { e.metrics = r }
}

// WithJournal records every finished operation in j.
func WithJournal(j Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithLockFile holds an exclusive lock on path for the duration of each
// operation, serializing engines across processes.
func WithLockFile(path string) Option {
	return func(e *Engine) { e.lock = flock.New(path) }
}

// New creates an engine that installs through inst.
func New(inst install.Installer, opts ...Option) *Engine {
	e := &Engine{
		installer: inst,
		lockRetry: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.WithComponent("engine")
	}
	return e
}

// State returns the outcome of the most recent operation, or Applying while
// one is in progress.
func (e *Engine) State() State {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
}

// Plan emits rs against rctx and checks identities without touching the
// installer. It returns the filters Apply would stage, in order.
func (e *Engine) Plan(rs []rules.Rule, rctx rules.Context) ([]filter.Spec, error) {
	staged, err := emitAll("plan", rs, rctx)
	if err != nil {
		return nil, err
	}
	out := make([]filter.Spec, len(staged))
	for i, st := range staged {
		out[i] = st.spec
	}
	return out, nil
}

// Apply installs the filters of rs atomically. Filters already active with
// the same identities are replaced, so re-applying a rule set is safe.
func (e *Engine) Apply(ctx context.Context, rs []rules.Rule, rctx rules.Context) error {
	return e.run(ctx, OpApply, rs, rctx)
}

// Remove deactivates the filters of rs atomically, by identity.
func (e *Engine) Remove(ctx context.Context, rs []rules.Rule, rctx rules.Context) error {
	return e.run(ctx, OpRemove, rs, rctx)
}

func (e *Engine) run(ctx context.Context, op string, rs []rules.Rule, rctx rules.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec := Record{Operation: op, Rules: kinds(rs), Started: clock.Now()}
	fail := func(err error) error {
		rec.Outcome = OutcomeFailed
		e.finish(ctx, &rec, err)
		return err
	}

	if err := ctx.Err(); err != nil {
		return fail(&EngineError{Op: op, RuleIndex: -1, SpecIndex: -1, Err: err})
	}

	// An invalid rule set is rejected before any transaction is opened.
	staged, err := emitAll(op, rs, rctx)
	if err != nil {
		return e.rollback(ctx, &rec, err)
	}

	unlock, err := e.acquire(ctx)
	if err != nil {
		return fail(&EngineError{Op: op, RuleIndex: -1, SpecIndex: -1, Err: err})
	}
	defer unlock()

	tx, err := e.installer.Begin(ctx)
	if err != nil {
		return fail(&EngineError{Op: op, RuleIndex: -1, SpecIndex: -1, Err: err})
	}
	e.setState(Applying)
	e.logger.Debug("Transaction opened", "op", op, "rules", len(rs), "filters", len(staged))

	submitted := make(map[string]int)
	for _, st := range staged {
		id := st.spec.ID()
		var err error
		if op == OpRemove {
			err = tx.Remove(id)
		} else {
			err = tx.Add(st.spec)
		}
		if err != nil {
			tx.Abort()
			return e.rollback(ctx, &rec, &EngineError{
				Op: op, Rule: st.rule, RuleIndex: st.ruleIndex, SpecIndex: st.specIndex, ID: id, Err: err,
			})
		}
		submitted[st.rule]++
		rec.IDs = append(rec.IDs, id)
	}

	// From here on the operation cannot be cancelled.
	if err := tx.Commit(); err != nil {
		tx.Abort()
		return e.rollback(ctx, &rec, &EngineError{Op: op, RuleIndex: -1, SpecIndex: -1, Err: err})
	}

	e.setState(Committed)
	for kind, n := range submitted {
		e.metrics.ObserveSubmitted(kind, n)
	}
	rec.Outcome = OutcomeCommitted
	e.finish(ctx, &rec, nil)
	e.refreshActive(ctx)

	e.logger.Audit(op, "ruleset", map[string]any{
		"rules":   len(rs),
		"filters": len(rec.IDs),
	})
	return nil
}

func (e *Engine) rollback(ctx context.Context, rec *Record, err error) error {
	e.setState(RolledBack)
	e.metrics.ObserveRollback(rollbackReason(err))
	rec.Outcome = OutcomeRolledBack
	e.logger.Warn("Transaction rolled back", "op", rec.Operation, "error", err)
	e.finish(ctx, rec, err)
	return err
}

func (e *Engine) finish(ctx context.Context, rec *Record, err error) {
	rec.Finished = clock.Now()
	rec.Err = err
	e.metrics.ObserveOperation(rec.Operation, rec.Outcome, rec.Finished.Sub(rec.Started), rec.Finished)
	if e.journal == nil {
		return
	}
	// The journal is bookkeeping; the operation's result stands either way.
	if jErr := e.journal.Record(context.WithoutCancel(ctx), *rec); jErr != nil {
		e.logger.Warn("Failed to journal operation", "op", rec.Operation, "error", jErr)
	}
}

func (e *Engine) refreshActive(ctx context.Context) {
	lister, ok := e.installer.(install.Lister)
	if !ok || e.metrics == nil {
		return
	}
	ids, err := lister.Active(context.WithoutCancel(ctx))
	if err != nil {
		e.logger.Debug("Could not count active filters", "error", err)
		return
	}
	e.metrics.SetActive(len(ids))
}

func (e *Engine) acquire(ctx context.Context) (func(), error) {
	if e.lock == nil {
		return func() {}, nil
	}
	locked, err := e.lock.TryLockContext(ctx, e.lockRetry)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", e.lock.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("acquire lock %s: %w", e.lock.Path(), install.ErrBusy)
	}
	return func() {
		if err := e.lock.Unlock(); err != nil {
			e.logger.Warn("Failed to release lock", "path", e.lock.Path(), "error", err)
		}
	}, nil
}

// stagedSpec is one filter to stage, with where it came from.
type stagedSpec struct {
	rule      string
	ruleIndex int
	specIndex int
	spec      filter.Spec
}

// emitAll emits every rule of rs in order. Identical filters emitted twice
// are kept once; different filters sharing an identity fail with a
// ConfigurationError.
func emitAll(op string, rs []rules.Rule, rctx rules.Context) ([]stagedSpec, error) {
	var out []stagedSpec
	seen := make(map[filter.ID]filter.Spec)
	for i, r := range rs {
		specs, err := r.Emit(rctx)
		if err != nil {
			return nil, &EngineError{Op: op, Rule: r.Kind(), RuleIndex: i, SpecIndex: -1, Err: err}
		}
		for j, spec := range specs {
			if prev, ok := seen[spec.ID()]; ok {
				if prev.Equal(spec) {
					continue
				}
				return nil, &EngineError{
					Op: op, Rule: r.Kind(), RuleIndex: i, SpecIndex: j, ID: spec.ID(),
					Err: filter.CollisionError(spec.ID(), prev.Name(), spec.Name()),
				}
			}
			seen[spec.ID()] = spec
			out = append(out, stagedSpec{rule: r.Kind(), ruleIndex: i, specIndex: j, spec: spec})
		}
	}
	return out, nil
}

func rollbackReason(err error) string {
	var cfgErr *filter.ConfigurationError
	if errors.As(err, &cfgErr) {
		return "configuration"
	}
	return "install"
}

func kinds(rs []rules.Rule) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Kind()
	}
	return out
}
