// Package health runs component checks concurrently and folds them into a
// single report.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

const DefaultTimeout = 5 * time.Second

// Check is one component probe. A failing critical check makes the whole
// report unhealthy; a failing non-critical one only degrades it.
type Check struct {
	Name     string
	Critical bool
	Timeout  time.Duration
	Func     func(ctx context.Context) error
}

// Result is the outcome of one check.
type Result struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Critical  bool          `json:"critical"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Report is the overall health of the service.
type Report struct {
	Status      Status        `json:"status"`
	ServiceName string        `json:"service_name,omitempty"`
	Version     string        `json:"version,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
	Duration    time.Duration `json:"duration"`
	Results     []Result      `json:"results"`
}

// Checker holds the registered checks.
type Checker struct {
	serviceName string
	version     string
	timeout     time.Duration
	clock       func() time.Time

	mu     sync.RWMutex
	checks map[string]Check
}

func NewChecker(serviceName, version string) *Checker {
	return &Checker{
		serviceName: serviceName,
		version:     version,
		timeout:     DefaultTimeout,
		clock:       time.Now,
		checks:      make(map[string]Check),
	}
}

// Register adds or replaces a check.
func (c *Checker) Register(check Check) error {
	if check.Name == "" {
		return errors.New("health check name cannot be empty")
	}
	if check.Func == nil {
		return fmt.Errorf("health check %q has no function", check.Name)
	}
	if check.Timeout <= 0 {
		check.Timeout = c.timeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[check.Name] = check
	return nil
}

// Run executes every check concurrently, each under its own timeout.
// Results are sorted by name.
func (c *Checker) Run(ctx context.Context) *Report {
	start := c.clock()

	c.mu.RLock()
	checks := make([]Check, 0, len(c.checks))
	for _, check := range c.checks {
		checks = append(checks, check)
	}
	c.mu.RUnlock()

	results := make([]Result, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			results[i] = c.execute(ctx, check)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return &Report{
		Status:      overall(results),
		ServiceName: c.serviceName,
		Version:     c.version,
		Timestamp:   start,
		Duration:    c.clock().Sub(start),
		Results:     results,
	}
}

func (c *Checker) execute(ctx context.Context, check Check) Result {
	ctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	start := c.clock()
	res := Result{Name: check.Name, Critical: check.Critical, Timestamp: start, Status: StatusHealthy}
	if err := check.Func(ctx); err != nil {
		res.Error = err.Error()
		res.Status = StatusUnhealthy
	}
	res.Duration = c.clock().Sub(start)
	return res
}

func overall(results []Result) Status {
	if len(results) == 0 {
		return StatusUnknown
	}
	status := StatusHealthy
	for _, r := range results {
		if r.Status == StatusHealthy {
			continue
		}
		if r.Critical {
			return StatusUnhealthy
		}
		status = StatusDegraded
	}
	return status
}
