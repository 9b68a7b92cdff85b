//go:build linux

package health

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const conntrackCountPath = "/proc/sys/net/netfilter/nf_conntrack_count"

// CheckConntrack verifies connection tracking is loaded. Connection layer
// filters match only new connections and depend on it.
func CheckConntrack(ctx context.Context) Check {
	return checkConntrackAt(conntrackCountPath)
}

func checkConntrackAt(path string) Check {
	return timed(func(c *Check) {
		data, err := os.ReadFile(path)
		if err != nil {
			c.Status = StatusDegraded
			c.Message = fmt.Sprintf("cannot read conntrack: %v", err)
			return
		}
		c.Status = StatusHealthy
		c.Message = fmt.Sprintf("conntrack entries: %s", strings.TrimSpace(string(data)))
	})
}
