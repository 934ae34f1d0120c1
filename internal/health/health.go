// Package health runs a small set of readiness checks (store connectivity,
// cloud reachability) and renders them as a JSON status document, the way
// pkg/health's Checker/Result pair tracked container health checks.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Result is the outcome of a single check.
type Result struct {
	Healthy   bool          `json:"healthy"`
	Message   string        `json:"message"`
	CheckedAt time.Time     `json:"checkedAt"`
	Duration  time.Duration `json:"durationNs"`
}

// Checker performs one readiness check.
type Checker interface {
	Name() string
	Check(ctx context.Context) Result
}

// FuncChecker adapts a plain function into a Checker.
type FuncChecker struct {
	name string
	fn   func(ctx context.Context) Result
}

// NewFuncChecker wraps fn as a named Checker.
func NewFuncChecker(name string, fn func(ctx context.Context) Result) *FuncChecker {
	return &FuncChecker{name: name, fn: fn}
}

// Name returns the checker's name.
func (f *FuncChecker) Name() string { return f.name }

// Check runs the wrapped function.
func (f *FuncChecker) Check(ctx context.Context) Result { return f.fn(ctx) }

// Pinger is satisfied by anything that can report whether it's reachable,
// e.g. *store.SQLStore or *cloudsync.Service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewPingChecker builds a Checker from a Pinger.
func NewPingChecker(name string, p Pinger) *FuncChecker {
	return NewFuncChecker(name, func(ctx context.Context) Result {
		start := time.Now()
		if err := p.Ping(ctx); err != nil {
			return Result{Healthy: false, Message: err.Error(), CheckedAt: start, Duration: time.Since(start)}
		}
		return Result{Healthy: true, Message: "ok", CheckedAt: start, Duration: time.Since(start)}
	})
}

// Registry aggregates checkers and renders a combined status document.
type Registry struct {
	checkers []Checker
}

// NewRegistry builds a Registry over the given checkers.
func NewRegistry(checkers ...Checker) *Registry {
	return &Registry{checkers: checkers}
}

type report struct {
	Healthy bool              `json:"healthy"`
	Checks  map[string]Result `json:"checks"`
}

// Handler returns an http.Handler that runs every check and writes the
// combined status as JSON, responding 503 if any check failed.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		rep := report{Healthy: true, Checks: make(map[string]Result, len(r.checkers))}

		for _, c := range r.checkers {
			res := c.Check(ctx)
			rep.Checks[c.Name()] = res
			if !res.Healthy {
				rep.Healthy = false
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !rep.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(rep)
	})
}
