// Package health aggregates subsystem probes into the readiness and
// liveness surface. Checks run concurrently with a shared deadline; a
// single failing dependency marks the service unhealthy, while soft
// conditions (a low signer balance, a stale bundler tick) only degrade it.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/aabundler/aabundler/log"
)

// State is the aggregate or per-check condition.
type State string

const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
)

// checkTimeout bounds each probe.
const checkTimeout = 5 * time.Second

// Checker probes one subsystem. A nil error is healthy; a DegradedError is
// degraded; anything else is unhealthy.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// DegradedError marks a condition that impairs but does not stop service.
type DegradedError struct {
	Reason string
}

func (e *DegradedError) Error() string { return e.Reason }

// Degradedf builds a DegradedError.
func Degradedf(format string, args ...interface{}) error {
	return &DegradedError{Reason: fmt.Sprintf(format, args...)}
}

// CheckResult is one probe's outcome.
type CheckResult struct {
	Name    string        `json:"name"`
	State   State         `json:"state"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latencyMs"`
}

// Report is the aggregate of one probe round.
type Report struct {
	State  State         `json:"status"`
	Checks []CheckResult `json:"checks"`
	Time   time.Time     `json:"time"`
}

// Registry holds the registered checkers.
type Registry struct {
	mu     sync.Mutex
	checks []Checker
	lg     *log.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(lg *log.Logger) *Registry {
	return &Registry{lg: lg.Module("health")}
}

// Register adds a checker. Safe to call before serving only.
func (r *Registry) Register(c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, c)
}

// Run probes every subsystem concurrently and aggregates the results.
func (r *Registry) Run(ctx context.Context) Report {
	r.mu.Lock()
	checks := append([]Checker(nil), r.checks...)
	r.mu.Unlock()

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.runOne(ctx, c)
		}()
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return Report{State: aggregate(results), Checks: results, Time: time.Now().UTC()}
}

func (r *Registry) runOne(ctx context.Context, c Checker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	err := c.Check(ctx)
	result := CheckResult{
		Name:    c.Name(),
		State:   StateHealthy,
		Latency: time.Since(start) / time.Millisecond,
	}
	var degraded *DegradedError
	switch {
	case err == nil:
	case errors.As(err, &degraded):
		result.State = StateDegraded
		result.Error = degraded.Reason
		r.lg.Warn("subsystem degraded", "check", c.Name(), "reason", degraded.Reason)
	default:
		result.State = StateUnhealthy
		result.Error = err.Error()
		r.lg.Error("subsystem unhealthy", "check", c.Name(), "err", err)
	}
	return result
}

func aggregate(results []CheckResult) State {
	state := StateHealthy
	for _, res := range results {
		switch res.State {
		case StateUnhealthy:
			return StateUnhealthy
		case StateDegraded:
			state = StateDegraded
		}
	}
	return state
}

// HealthHandler serves the full report. Degraded still returns 200; only
// unhealthy maps to 503.
func (r *Registry) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		report := r.Run(req.Context())
		status := http.StatusOK
		if report.State == StateUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	})
}

// ReadyHandler reports whether the service can take traffic.
func (r *Registry) ReadyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		report := r.Run(req.Context())
		if report.State == StateUnhealthy {
			writeJSON(w, http.StatusServiceUnavailable, map[string]State{"status": report.State})
			return
		}
		writeJSON(w, http.StatusOK, map[string]State{"status": report.State})
	})
}

// LiveHandler only proves the process is serving.
func (r *Registry) LiveHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// CheckFunc adapts a function to the Checker interface.
type CheckFunc struct {
	name string
	fn   func(ctx context.Context) error
}

// NewCheck wraps fn as a named checker.
func NewCheck(name string, fn func(ctx context.Context) error) *CheckFunc {
	return &CheckFunc{name: name, fn: fn}
}

func (c *CheckFunc) Name() string                    { return c.name }
func (c *CheckFunc) Check(ctx context.Context) error { return c.fn(ctx) }
