package engine_test

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/leakshield/internal/engine"
	"grimm.is/leakshield/internal/filter"
	"grimm.is/leakshield/internal/install"
	"grimm.is/leakshield/internal/install/memory"
	"grimm.is/leakshield/internal/metrics"
	"grimm.is/leakshield/internal/rules"
)

// flakyInstaller fails the failAt'th Add of each transaction (1-based).
type flakyInstaller struct {
	install.Installer
	failAt  int
	adds    int
	begins  int
	commits int
}

func (f *flakyInstaller) Begin(ctx context.Context) (install.Transaction, error) {
	tx, err := f.Installer.Begin(ctx)
	if err != nil {
		return nil, err
	}
	f.begins++
	f.adds = 0
	return &flakyTx{Transaction: tx, owner: f}, nil
}

type flakyTx struct {
	install.Transaction
	owner *flakyInstaller
}

func (t *flakyTx) Add(spec filter.Spec) error {
	t.owner.adds++
	if t.owner.failAt > 0 && t.owner.adds == t.owner.failAt {
		return &install.InstallError{Op: "add", ID: spec.ID(), Err: install.ErrResourceExhausted}
	}
	return t.Transaction.Add(spec)
}

func (t *flakyTx) Commit() error {
	t.owner.commits++
	return t.Transaction.Commit()
}

type brokenRule struct{}

func (brokenRule) Kind() string { return "broken" }

func (brokenRule) Emit(rules.Context) ([]filter.Spec, error) {
	return nil, &filter.ConfigurationError{Filter: "broken", Field: "layer", Message: "no such layer"}
}

// impostorRule reuses BlockDNS's first identity for a different filter.
type impostorRule struct{ id filter.ID }

func (impostorRule) Kind() string { return "impostor" }

func (r impostorRule) Emit(rules.Context) ([]filter.Spec, error) {
	s, err := filter.New(filter.Params{
		ID:         r.id,
		Name:       "impostor",
		Layer:      filter.OutboundConnectV4,
		Action:     filter.Block,
		Weight:     filter.WeightHigh,
		Conditions: []filter.Condition{filter.RemotePort(5353)},
	})
	if err != nil {
		return nil, err
	}
	return []filter.Spec{s}, nil
}

type recordingJournal struct {
	mu      sync.Mutex
	records []engine.Record
}

func (j *recordingJournal) Record(_ context.Context, rec engine.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, rec)
	return nil
}

func newEngine(t *testing.T, opts ...memory.Option) (*engine.Engine, *memory.Engine, *flakyInstaller) {
	t.Helper()
	buffered, mem := memory.NewInstaller(opts...)
	flaky := &flakyInstaller{Installer: buffered}
	return engine.New(flaky), mem, flaky
}

func TestApply_BlockDNSExample(t *testing.T) {
	eng, mem, _ := newEngine(t)
	resolver := netip.MustParseAddr("10.0.0.53")

	err := eng.Apply(context.Background(), []rules.Rule{rules.BlockDNS{}}, rules.Context{
		DNSServers: []netip.Addr{resolver},
	})
	require.NoError(t, err)
	assert.Equal(t, engine.Committed, eng.State())

	var blocks, permits int
	for _, spec := range mem.Snapshot() {
		assert.Equal(t, filter.WeightMax, spec.Weight())
		port, ok := spec.Condition(filter.FieldRemotePort)
		require.True(t, ok)
		lo, hi := port.Ports()
		assert.Equal(t, uint16(53), lo)
		assert.Equal(t, uint16(53), hi)

		switch spec.Action() {
		case filter.Block:
			blocks++
		case filter.Permit:
			permits++
			addr, ok := spec.Condition(filter.FieldRemoteAddress)
			require.True(t, ok)
			assert.Equal(t, netip.PrefixFrom(resolver, 32), addr.Prefix())
		}
	}
	assert.Equal(t, 2, blocks, "one block per family")
	assert.Equal(t, 1, permits)
}

func TestApply_InstallFailureLeavesStateUntouched(t *testing.T) {
	eng, mem, flaky := newEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Apply(ctx, []rules.Rule{rules.PermitLoopback{}}, rules.Context{}))
	before := mem.Snapshot()

	// BlockDNS stages two filters, so the third add is BlockAll's first.
	flaky.failAt = 3
	err := eng.Apply(ctx, []rules.Rule{rules.BlockDNS{}, rules.BlockAll{}}, rules.Context{})
	require.Error(t, err)

	var engErr *engine.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, engine.OpApply, engErr.Op)
	assert.Equal(t, rules.KindBlockAll, engErr.Rule)
	assert.Equal(t, 1, engErr.RuleIndex)
	assert.Equal(t, 0, engErr.SpecIndex)
	assert.ErrorIs(t, err, install.ErrResourceExhausted)

	assert.Equal(t, engine.RolledBack, eng.State())
	assert.Equal(t, before, mem.Snapshot())
	assert.Equal(t, 1, flaky.commits, "failed transaction never commits")

	// The installer was released, so the same set applies once the fault clears.
	flaky.failAt = 0
	require.NoError(t, eng.Apply(ctx, []rules.Rule{rules.BlockDNS{}, rules.BlockAll{}}, rules.Context{}))
	assert.Equal(t, len(before)+2+4, mem.Len())
}

func TestApply_CommitFailureRollsBack(t *testing.T) {
	eng, mem, _ := newEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Apply(ctx, []rules.Rule{rules.BlockDNS{}}, rules.Context{}))
	before := mem.Snapshot()

	mem.FailAfter(3)
	err := eng.Apply(ctx, []rules.Rule{rules.BlockDNS{}, rules.BlockAll{}}, rules.Context{})
	require.Error(t, err)

	var instErr *install.InstallError
	require.ErrorAs(t, err, &instErr)
	assert.Equal(t, "commit", instErr.Op)
	assert.ErrorIs(t, err, install.ErrRejected)

	assert.Equal(t, engine.RolledBack, eng.State())
	after := mem.Snapshot()
	require.Len(t, after, len(before))
	for id, spec := range before {
		assert.True(t, after[id].Equal(spec))
	}
}

func assertSameFilters(t *testing.T, want, got map[filter.ID]filter.Spec) {
	t.Helper()
	require.Len(t, got, len(want))
	for id, spec := range want {
		active, ok := got[id]
		if assert.True(t, ok, "missing %s", spec) {
			assert.True(t, active.Equal(spec), "%s changed to %s", spec, active)
		}
	}
}

func TestApply_AtomicAtEveryFailurePoint(t *testing.T) {
	ctx := context.Background()
	existing := []rules.Rule{rules.PermitLoopback{}, rules.BlockPing{}}
	set := []rules.Rule{rules.PermitLoopback{}, rules.BlockDNS{}, rules.BlockAll{}}
	rctx := rules.Context{DNSServers: []netip.Addr{netip.MustParseAddr("10.64.0.1")}}

	planned, err := engine.New(nil).Plan(set, rctx)
	require.NoError(t, err)
	require.NotEmpty(t, planned)

	inject := map[string]func(mem *memory.Engine, flaky *flakyInstaller, n int){
		"add":    func(_ *memory.Engine, flaky *flakyInstaller, n int) { flaky.failAt = n },
		"commit": func(mem *memory.Engine, _ *flakyInstaller, n int) { mem.FailAfter(n - 1) },
	}

	for stage, fail := range inject {
		for n := 1; n <= len(planned); n++ {
			t.Run(fmt.Sprintf("%s %d of %d", stage, n, len(planned)), func(t *testing.T) {
				eng, mem, flaky := newEngine(t)
				require.NoError(t, eng.Apply(ctx, existing, rctx))
				before := mem.Snapshot()

				fail(mem, flaky, n)
				require.Error(t, eng.Apply(ctx, set, rctx))
				assert.Equal(t, engine.RolledBack, eng.State())
				assertSameFilters(t, before, mem.Snapshot())

				flaky.failAt = 0
				mem.FailOn(nil)
				require.NoError(t, eng.Apply(ctx, set, rctx))

				want := before
				for _, spec := range planned {
					want[spec.ID()] = spec
				}
				assertSameFilters(t, want, mem.Snapshot())
			})
		}
	}
}

func TestApply_ConfigurationErrorNeverCommits(t *testing.T) {
	eng, mem, flaky := newEngine(t)

	err := eng.Apply(context.Background(), []rules.Rule{rules.BlockDNS{}, brokenRule{}}, rules.Context{})
	var cfgErr *filter.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "layer", cfgErr.Field)

	var engErr *engine.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, "broken", engErr.Rule)
	assert.Equal(t, 1, engErr.RuleIndex)
	assert.Equal(t, -1, engErr.SpecIndex)

	assert.Zero(t, flaky.begins, "no transaction for an invalid rule set")
	assert.Zero(t, flaky.commits)
	assert.Zero(t, mem.Len())
	assert.Equal(t, engine.RolledBack, eng.State())
}

func TestApply_IdentityCollision(t *testing.T) {
	eng, mem, flaky := newEngine(t)
	specs, err := rules.BlockDNS{}.Emit(rules.Context{})
	require.NoError(t, err)

	err = eng.Apply(context.Background(),
		[]rules.Rule{rules.BlockDNS{}, impostorRule{id: specs[0].ID()}},
		rules.Context{})

	var cfgErr *filter.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "identity", cfgErr.Field)
	assert.Zero(t, flaky.begins, "collision is found before Begin")
	assert.Zero(t, mem.Len())
}

func TestApply_IdenticalDuplicatesStagedOnce(t *testing.T) {
	eng, mem, flaky := newEngine(t)

	err := eng.Apply(context.Background(), []rules.Rule{rules.BlockDNS{}, rules.BlockDNS{}}, rules.Context{})
	require.NoError(t, err)
	assert.Equal(t, 2, mem.Len())
	assert.Equal(t, 2, flaky.adds)
}

func TestApply_Idempotent(t *testing.T) {
	eng, mem, _ := newEngine(t)
	ctx := context.Background()
	set := []rules.Rule{rules.PermitLoopback{}, rules.BlockDNS{}, rules.BlockAll{}}

	require.NoError(t, eng.Apply(ctx, set, rules.Context{}))
	first := mem.Snapshot()
	require.NoError(t, eng.Apply(ctx, set, rules.Context{}))

	assert.Equal(t, first, mem.Snapshot())
}

func TestApply_CancelledBeforeBegin(t *testing.T) {
	eng, mem, flaky := newEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := eng.Apply(ctx, []rules.Rule{rules.BlockAll{}}, rules.Context{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, flaky.begins)
	assert.Zero(t, mem.Len())
	assert.Equal(t, engine.Idle, eng.State())
}

func TestRemove(t *testing.T) {
	eng, mem, _ := newEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Apply(ctx, []rules.Rule{rules.PermitLoopback{}, rules.BlockDNS{}}, rules.Context{}))
	require.NoError(t, eng.Remove(ctx, []rules.Rule{rules.BlockDNS{}}, rules.Context{}))

	assert.Equal(t, 4, mem.Len())
	for _, spec := range mem.Snapshot() {
		assert.Equal(t, filter.Permit, spec.Action())
	}
}

func TestPlan_DoesNotTouchInstaller(t *testing.T) {
	eng, mem, flaky := newEngine(t)

	specs, err := eng.Plan([]rules.Rule{rules.BlockDNS{}, rules.BlockAll{}}, rules.Context{})
	require.NoError(t, err)
	assert.Len(t, specs, 6)
	assert.Zero(t, flaky.begins)
	assert.Zero(t, mem.Len())

	_, err = eng.Plan([]rules.Rule{brokenRule{}}, rules.Context{})
	assert.Error(t, err)
}

func TestApply_MetricsAndJournal(t *testing.T) {
	buffered, mem := memory.NewInstaller()
	reg := metrics.NewRegistry()
	journal := &recordingJournal{}
	eng := engine.New(buffered, engine.WithMetrics(reg), engine.WithJournal(journal))
	ctx := context.Background()

	require.NoError(t, eng.Apply(ctx, []rules.Rule{rules.BlockAll{}}, rules.Context{}))
	mem.FailAfter(0)
	require.Error(t, eng.Apply(ctx, []rules.Rule{rules.BlockDNS{}}, rules.Context{}))

	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Operations.WithLabelValues("apply", "committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Operations.WithLabelValues("apply", "rolled_back")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Rollbacks.WithLabelValues("install")))
	assert.Equal(t, 4.0, testutil.ToFloat64(reg.FiltersSubmitted.WithLabelValues(rules.KindBlockAll)))
	assert.Equal(t, 4.0, testutil.ToFloat64(reg.ActiveFilters))

	require.Len(t, journal.records, 2)
	assert.Equal(t, engine.OutcomeCommitted, journal.records[0].Outcome)
	assert.Len(t, journal.records[0].IDs, 4)
	assert.NoError(t, journal.records[0].Err)
	assert.Equal(t, engine.OutcomeRolledBack, journal.records[1].Outcome)
	assert.Equal(t, []string{rules.KindBlockDNS}, journal.records[1].Rules)
	assert.True(t, errors.Is(journal.records[1].Err, install.ErrRejected))
}

func TestApply_LockFile(t *testing.T) {
	buffered, mem := memory.NewInstaller()
	lockPath := filepath.Join(t.TempDir(), "leakshield.lock")
	eng := engine.New(buffered, engine.WithLockFile(lockPath))

	require.NoError(t, eng.Apply(context.Background(), []rules.Rule{rules.BlockPing{}}, rules.Context{}))
	require.NoError(t, eng.Apply(context.Background(), []rules.Rule{rules.BlockPing{}}, rules.Context{}))
	assert.Equal(t, 2, mem.Len())
	assert.FileExists(t, lockPath)
}

func TestEngineError_Format(t *testing.T) {
	id := filter.NewID(rules.KindBlockAll, filter.InboundAcceptV6, "")
	err := &engine.EngineError{
		Op: engine.OpApply, Rule: rules.KindBlockAll, RuleIndex: 2, SpecIndex: 1, ID: id,
		Err: install.ErrRejected,
	}
	assert.Equal(t, "apply: rule block_all (#2) filter #1 "+id.String()+": rejected by classification engine", err.Error())

	err = &engine.EngineError{Op: engine.OpRemove, RuleIndex: -1, SpecIndex: -1, Err: context.Canceled}
	assert.Equal(t, "remove: context canceled", err.Error())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", engine.Idle.String())
	assert.Equal(t, "rolled_back", engine.RolledBack.String())
}
