// Package health provides HTTP health and readiness check handlers for the
// livecap coordination core.
//
// The package exposes three endpoints:
//
//   - /healthz — liveness probe; always returns 200 OK.
//   - /readyz  — readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//   - /statusz — diagnostic snapshot of the telemetry analytics.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "score",
	// "sessions"). It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// ScoreCheck builds a [Checker] from a health-score source. The check fails
// when the score drops below threshold, so a degraded process stops
// receiving traffic before it starts corrupting sessions.
func ScoreCheck(score func() float64, threshold float64) Checker {
	return Checker{
		Name: "score",
		Check: func(context.Context) error {
			if s := score(); s < threshold {
				return fmt.Errorf("health score %.2f below threshold %.2f", s, threshold)
			}
			return nil
		},
	}
}

// ActiveSessionCheck builds a [Checker] that fails when no session is
// active. Intended for deployments where an idle core means the pipeline
// upstream has stalled; omit it otherwise.
func ActiveSessionCheck(active func() []string) Checker {
	return Checker{
		Name: "sessions",
		Check: func(context.Context) error {
			if len(active()) == 0 {
				return fmt.Errorf("no active session")
			}
			return nil
		},
	}
}

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the health endpoints. It is safe for concurrent use; the
// checker list is fixed at construction time.
type Handler struct {
	checkers []Checker

	// statusFn supplies the /statusz payload. May be nil.
	statusFn func() any
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request. The checkers are evaluated sequentially in the order provided.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// WithStatus registers a snapshot source for the /statusz endpoint and
// returns the handler for chaining.
func (h *Handler) WithStatus(fn func() any) *Handler {
	h.statusFn = fn
	return h
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{
		Status: "ok",
		Checks: checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// Statusz serves the registered analytics snapshot, or 404 when no source
// is registered.
func (h *Handler) Statusz(w http.ResponseWriter, r *http.Request) {
	if h.statusFn == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, h.statusFn())
}

// Register adds the health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.Healthz)
	mux.HandleFunc("/readyz", h.Readyz)
	mux.HandleFunc("/statusz", h.Statusz)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
