package install_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/leakshield/internal/filter"
	"grimm.is/leakshield/internal/install"
	"grimm.is/leakshield/internal/install/memory"
)

func spec(t *testing.T, kind string, port uint16) filter.Spec {
	t.Helper()
	s, err := filter.New(filter.Params{
		ID:         filter.NewID(kind, filter.OutboundConnectV4, ""),
		Name:       kind,
		Layer:      filter.OutboundConnectV4,
		Action:     filter.Block,
		Weight:     filter.WeightHigh,
		Conditions: []filter.Condition{filter.RemotePort(port)},
	})
	require.NoError(t, err)
	return s
}

func TestBuffered_NothingVisibleBeforeCommit(t *testing.T) {
	inst, eng := memory.NewInstaller()
	tx, err := inst.Begin(context.Background())
	require.NoError(t, err)

	require.NoError(t, tx.Add(spec(t, "a", 53)))
	require.NoError(t, tx.Add(spec(t, "b", 80)))
	assert.Equal(t, 0, eng.Len())

	require.NoError(t, tx.Commit())
	assert.Equal(t, 2, eng.Len())
}

func TestBuffered_AbortDiscards(t *testing.T) {
	inst, eng := memory.NewInstaller()
	tx, err := inst.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Add(spec(t, "a", 53)))
	tx.Abort()
	tx.Abort()

	assert.Equal(t, 0, eng.Len())
	err = tx.Add(spec(t, "b", 80))
	assert.ErrorIs(t, err, install.ErrTransactionDone)

	_, err = inst.Begin(context.Background())
	assert.NoError(t, err, "abort releases the installer")
}

func TestBuffered_DuplicateInTransaction(t *testing.T) {
	inst, _ := memory.NewInstaller()
	tx, err := inst.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Abort()

	require.NoError(t, tx.Add(spec(t, "a", 53)))
	err = tx.Add(spec(t, "a", 53))
	var instErr *install.InstallError
	require.ErrorAs(t, err, &instErr)
	assert.Equal(t, "add", instErr.Op)
	assert.ErrorIs(t, err, install.ErrDuplicate)
}

func TestBuffered_SingleOpenTransaction(t *testing.T) {
	inst, _ := memory.NewInstaller()
	tx, err := inst.Begin(context.Background())
	require.NoError(t, err)

	_, err = inst.Begin(context.Background())
	assert.ErrorIs(t, err, install.ErrBusy)

	require.NoError(t, tx.Commit())
	_, err = inst.Begin(context.Background())
	assert.NoError(t, err)
}

func TestBuffered_BeginHonoursCancellation(t *testing.T) {
	inst, _ := memory.NewInstaller()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := inst.Begin(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuffered_CommitFailureUndoes(t *testing.T) {
	inst, eng := memory.NewInstaller()

	// Pre-existing state: "a" with port 53.
	tx, err := inst.Begin(context.Background())
	require.NoError(t, err)
	original := spec(t, "a", 53)
	require.NoError(t, tx.Add(original))
	require.NoError(t, tx.Commit())
	before := eng.Snapshot()

	// Replace "a", add "b", fail on "c".
	eng.FailAfter(2)
	tx, err = inst.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Add(spec(t, "a", 5353)))
	require.NoError(t, tx.Add(spec(t, "b", 80)))
	require.NoError(t, tx.Add(spec(t, "c", 443)))

	err = tx.Commit()
	var instErr *install.InstallError
	require.ErrorAs(t, err, &instErr)
	assert.Equal(t, spec(t, "c", 443).ID(), instErr.ID)
	assert.ErrorIs(t, err, install.ErrRejected)

	after := eng.Snapshot()
	require.Len(t, after, len(before))
	assert.True(t, after[original.ID()].Equal(original))
}

func TestBuffered_Capacity(t *testing.T) {
	inst, eng := memory.NewInstaller(memory.WithCapacity(1))
	tx, err := inst.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Add(spec(t, "a", 53)))
	require.NoError(t, tx.Add(spec(t, "b", 80)))

	err = tx.Commit()
	assert.ErrorIs(t, err, install.ErrResourceExhausted)
	assert.Equal(t, 0, eng.Len())
}

func TestBuffered_Remove(t *testing.T) {
	inst, eng := memory.NewInstaller()
	a := spec(t, "a", 53)

	tx, err := inst.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Add(a))
	require.NoError(t, tx.Commit())

	tx, err = inst.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Remove(a.ID()))
	require.NoError(t, tx.Remove(spec(t, "never-installed", 1).ID()))
	assert.Equal(t, 1, eng.Len(), "removal staged only")
	require.NoError(t, tx.Commit())
	assert.Equal(t, 0, eng.Len())

	ids, err := inst.Active(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestBuffered_RemoveOfStagedAddIsRejected(t *testing.T) {
	inst, eng := memory.NewInstaller()
	a := spec(t, "a", 53)

	tx, err := inst.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Add(a))

	err = tx.Remove(a.ID())
	assert.ErrorIs(t, err, install.ErrRejected)
	var instErr *install.InstallError
	require.ErrorAs(t, err, &instErr)
	assert.Equal(t, "remove", instErr.Op)

	// The staged add is untouched.
	require.NoError(t, tx.Commit())
	assert.Equal(t, 1, eng.Len())

	// Remove then re-add of a committed identity is a replace.
	tx, err = inst.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Remove(a.ID()))
	require.NoError(t, tx.Add(spec(t, "a", 5353)))
	require.NoError(t, tx.Commit())
	active, ok := eng.LookupFilter(a.ID())
	require.True(t, ok)
	port, _ := active.Condition(filter.FieldRemotePort)
	lo, _ := port.Ports()
	assert.Equal(t, uint16(5353), lo)
}

func TestInstallError_Format(t *testing.T) {
	id := filter.NewID("x", filter.OutboundConnectV4, "")
	err := &install.InstallError{Op: "commit", ID: id, Err: install.ErrRejected}
	assert.Contains(t, err.Error(), id.String())
	assert.True(t, errors.Is(err, install.ErrRejected))

	err = &install.InstallError{Op: "begin", Err: install.ErrBusy}
	assert.Equal(t, "install begin: another transaction is open", err.Error())
}
