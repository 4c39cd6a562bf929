// Package health provides a concurrent health-check framework. The gateway
// registers a Check per backing service (document store, and Redis or
// PostgreSQL when enabled); the Checker runs them in parallel to produce an
// aggregate Report for liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"time"
)

// Status represents the health state of a component or the system overall.
type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

// Check is a function that probes a single dependency and returns its status.
type Check func(ctx context.Context) ComponentHealth

// ComponentHealth holds the result of a single component check.
type ComponentHealth struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Report is the aggregated result of all component checks.
type Report struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  string                     `json:"timestamp"`
}

// PingCheck adapts a ping function into a Check. A failing ping reports the
// component down, or degraded when critical is false.
func PingCheck(ping func(ctx context.Context) error, critical bool) Check {
	return func(ctx context.Context) ComponentHealth {
		if err := ping(ctx); err != nil {
			status := StatusDown
			if !critical {
				status = StatusDegraded
			}
			return ComponentHealth{Status: status, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusUp}
	}
}

// severity orders statuses so the report can carry the worst one.
var severity = map[Status]int{StatusUp: 0, StatusDegraded: 1, StatusDown: 2}

// Checker runs the registered checks for the readiness probe.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]Check
	timeout time.Duration
}

// NewChecker creates an empty Checker. Each readiness run is bounded to five
// seconds.
func NewChecker() *Checker {
	return &Checker{checks: make(map[string]Check), timeout: 5 * time.Second}
}

// Register adds a named check, replacing any earlier check with that name.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	c.checks[name] = check
	c.mu.Unlock()
}

// Run executes every registered check in parallel. The report status is the
// worst component status, or up when nothing is registered.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]Check, len(c.checks))
	maps.Copy(checks, c.checks)
	c.mu.RUnlock()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	components := make(map[string]ComponentHealth, len(checks))
	for name, check := range checks {
		wg.Go(func() {
			start := time.Now()
			result := check(ctx)
			result.Latency = time.Since(start).Round(time.Millisecond).String()
			mu.Lock()
			components[name] = result
			mu.Unlock()
		})
	}
	wg.Wait()

	overall := StatusUp
	for name, comp := range components {
		if severity[comp.Status] > severity[overall] {
			overall = comp.Status
		}
		if comp.Status != StatusUp {
			slog.Warn("health check failing", "component", name, "status", comp.Status, "message", comp.Message)
		}
	}
	return Report{
		Status:     overall,
		Components: components,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
}

// LiveHandler answers the liveness probe. It never touches dependencies.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadyHandler answers the readiness probe with the full Report: 200 when
// every component is up, 503 otherwise.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), c.timeout)
		defer cancel()
		report := c.Run(ctx)
		status := http.StatusOK
		if report.Status != StatusUp {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
