//go:build !linux

package health

import (
	"context"
)

// CheckConntrack is not supported on this platform.
func CheckConntrack(ctx context.Context) Check {
	return timed(func(c *Check) {
		c.Status = StatusDegraded
		c.Message = "conntrack check not supported on this platform"
	})
}
