//go:build linux

package firewall

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/leakshield/internal/rules"
	"grimm.is/leakshield/internal/testutil"
)

func TestInstaller_Kernel(t *testing.T) {
	testutil.RequireKernel(t)

	const table = "leakshield_test"
	inst := NewInstaller(table, nil)
	specs := emit(t, rules.BlockAll{}, rules.Context{})

	commitSpecs(t, inst, specs...)
	t.Cleanup(func() {
		tx, err := inst.Begin(context.Background())
		if err != nil {
			return
		}
		for _, s := range specs {
			_ = tx.Remove(s.ID())
		}
		_ = tx.Commit()
	})

	active, err := inst.Active(context.Background())
	require.NoError(t, err)
	assert.Len(t, active, len(specs))
	for _, s := range specs {
		assert.Contains(t, active, s.ID())
	}
}
