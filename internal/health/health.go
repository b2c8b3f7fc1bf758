// Package health serves the liveness and readiness probes of the
// orchestrator.
//
// /healthz answers 200 whenever the process can serve HTTP. /readyz answers
// 200 only while the service accepts pipeline triggers: it is not draining
// and every [Checker] passes within its deadline.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultCheckTimeout bounds a single readiness check.
const DefaultCheckTimeout = 5 * time.Second

const (
	statusOK   = "ok"
	statusFail = "fail"
)

// Checker is a named readiness probe. Check returns nil when the dependency
// is usable and must return promptly once ctx is done.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// result is the JSON body of both probes.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
	draining atomic.Bool
}

// New returns a [Handler] that runs checkers on every /readyz request. The
// list is copied and fixed from then on.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers: append([]Checker(nil), checkers...),
		timeout:  DefaultCheckTimeout,
	}
}

// SetDraining fails /readyz from now on so load balancers stop sending
// pipeline triggers while rooms wind down.
func (h *Handler) SetDraining() {
	h.draining.Store(true)
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: statusOK})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := h.evaluate(r.Context())
	code := http.StatusOK
	if res.Status != statusOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, res)
}

// evaluate runs every checker concurrently. Each goroutine owns one slot of
// errs, so no lock is needed.
func (h *Handler) evaluate(ctx context.Context) result {
	if h.draining.Load() {
		return result{Status: statusFail, Checks: map[string]string{"shutdown": "fail: draining"}}
	}

	errs := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			errs[i] = c.Check(cctx)
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: statusOK, Checks: make(map[string]string, len(h.checkers))}
	for i, c := range h.checkers {
		if errs[i] == nil {
			res.Checks[c.Name] = statusOK
			continue
		}
		res.Status = statusFail
		res.Checks[c.Name] = "fail: " + errs[i].Error()
		slog.WarnContext(ctx, "health: readiness check failed", "check", c.Name, "err", errs[i])
	}
	return res
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
