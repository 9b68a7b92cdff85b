// Package testutil holds helpers shared by tests.
package testutil

import (
	"os"
	"testing"
)

// KernelTestEnv enables tests that change the host firewall.
const KernelTestEnv = "LEAKSHIELD_KERNEL_TEST"

// RequireKernel skips the test unless KernelTestEnv is set. Such tests need
// CAP_NET_ADMIN and should run in a throwaway VM or network namespace.
func RequireKernel(t *testing.T) {
	t.Helper()
	if os.Getenv(KernelTestEnv) == "" {
		t.Skipf("Skipping test: set %s to run against the host kernel", KernelTestEnv)
	}
}
