// Package health runs preflight checks before rules are installed: can the
// firewall be reached, does the kernel track connections, and are the state
// and lock directories writable.
package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"grimm.is/leakshield/internal/clock"
	"grimm.is/leakshield/internal/install"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// Report represents the overall health report.
type Report struct {
	Status    Status           `json:"status"`
	Checks    map[string]Check `json:"checks"`
	Timestamp time.Time        `json:"timestamp"`
}

// Sorted returns the checks ordered by name.
func (r Report) Sorted() []Check {
	out := make([]Check, 0, len(r.Checks))
	for _, c := range r.Checks {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CheckFunc is a function that performs a health check.
type CheckFunc func(ctx context.Context) Check

// Checker performs health checks.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewChecker creates a checker with no checks registered.
func NewChecker() *Checker {
	return &Checker{checks: make(map[string]CheckFunc)}
}

// Register adds a health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// Check runs all checks concurrently. The report is as bad as its worst
// check.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	checkFuncs := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		checkFuncs[name] = fn
	}
	c.mu.RUnlock()

	checks := make(map[string]Check, len(checkFuncs))
	overallStatus := StatusHealthy

	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, fn := range checkFuncs {
		wg.Add(1)
		go func(name string, fn CheckFunc) {
			defer wg.Done()
			check := fn(ctx)
			check.Name = name

			mu.Lock()
			checks[name] = check
			if check.Status == StatusUnhealthy {
				overallStatus = StatusUnhealthy
			} else if check.Status == StatusDegraded && overallStatus != StatusUnhealthy {
				overallStatus = StatusDegraded
			}
			mu.Unlock()
		}(name, fn)
	}
	wg.Wait()

	return Report{
		Status:    overallStatus,
		Checks:    checks,
		Timestamp: clock.Now(),
	}
}

func timed(fn func(*Check)) Check {
	start := clock.Now()
	check := Check{LastChecked: start}
	fn(&check)
	check.Duration = clock.Since(start)
	return check
}

// CheckInstaller verifies the installer can read the active filter set.
func CheckInstaller(l install.Lister) CheckFunc {
	return func(ctx context.Context) Check {
		return timed(func(c *Check) {
			ids, err := l.Active(ctx)
			if err != nil {
				c.Status = StatusUnhealthy
				c.Message = fmt.Sprintf("cannot list active filters: %v", err)
				return
			}
			c.Status = StatusHealthy
			c.Message = fmt.Sprintf("firewall reachable (%d active filters)", len(ids))
		})
	}
}

// CheckWritableDir verifies that dir exists or can be created, and accepts
// new files.
func CheckWritableDir(dir string) CheckFunc {
	return func(ctx context.Context) Check {
		return timed(func(c *Check) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				c.Status = StatusUnhealthy
				c.Message = fmt.Sprintf("cannot create %s: %v", dir, err)
				return
			}
			f, err := os.CreateTemp(dir, ".health_check")
			if err != nil {
				c.Status = StatusUnhealthy
				c.Message = fmt.Sprintf("%s not writable: %v", dir, err)
				return
			}
			f.Close()
			os.Remove(f.Name())
			c.Status = StatusHealthy
			c.Message = fmt.Sprintf("%s writable", filepath.Clean(dir))
		})
	}
}
