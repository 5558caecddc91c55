// Package http provides the mirror's ops endpoints
package http

import (
	"context"
	stdhttp "net/http"
	"time"

	"telemirror/internal/core/version"
	perr "telemirror/internal/platform/errors"
	phttp "telemirror/internal/platform/net/http"
	"telemirror/internal/services/mirror/domain"
)

// Pinger is satisfied by store.Store (Guard) adapters
type Pinger interface {
	Guard(context.Context) error
}

// Deps are the handler dependencies
type Deps struct {
	Runner    domain.RunnerPort
	Store     Pinger // nil skips the readiness check
	Metrics   stdhttp.Handler
	StartedAt time.Time

	// ReadyTimeout bounds the store ping; <=0 -> 2s
	ReadyTimeout time.Duration
}

type handlers struct {
	deps Deps
}

// Register mounts /healthz, /readyz, /status, /version and /metrics
func Register(r phttp.Router, d Deps) {
	if d.ReadyTimeout <= 0 {
		d.ReadyTimeout = 2 * time.Second
	}
	h := &handlers{deps: d}

	r.Get("/healthz", h.health)
	r.Get("/readyz", h.ready)
	r.Get("/status", h.status)
	r.Get("/version", h.version)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}
}

// HealthResponse is the liveness payload
type HealthResponse struct {
	OK      bool   `json:"ok"`
	Started string `json:"started"`
	Uptime  int64  `json:"uptime"`
}

// ReadyResponse summarizes readiness
type ReadyResponse struct {
	Status string `json:"status"` // ok skipped
}

func (h *handlers) health(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	phttp.RespondOK(w, r, HealthResponse{
		OK:      true,
		Started: h.deps.StartedAt.UTC().Format(time.RFC3339),
		Uptime:  int64(time.Since(h.deps.StartedAt) / time.Second),
	})
}

func (h *handlers) ready(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	if h.deps.Store == nil {
		phttp.RespondOK(w, r, ReadyResponse{Status: "skipped"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.deps.ReadyTimeout)
	defer cancel()
	if err := h.deps.Store.Guard(ctx); err != nil {
		phttp.RespondError(w, r, perr.Wrap(err, perr.ErrorCodeUnavailable, "store not ready"))
		return
	}
	phttp.RespondOK(w, r, ReadyResponse{Status: "ok"})
}

func (h *handlers) status(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	phttp.RespondOK(w, r, h.deps.Runner.Status())
}

func (h *handlers) version(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	phttp.RespondOK(w, r, version.Info())
}
