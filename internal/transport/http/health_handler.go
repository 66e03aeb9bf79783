package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"didimpute/internal/services"
)

type probeFunc func(context.Context) services.HealthStatus

// HealthHandler serves the liveness, readiness and version endpoints.
type HealthHandler struct {
	service *services.HealthService
	logger  *slog.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(service *services.HealthService, logger *slog.Logger) *HealthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "health")),
	}
}

// Routes returns the probes, mounted under /api/health. Every probe also
// answers HEAD with the status code alone.
func (h *HealthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	for path, check := range map[string]probeFunc{
		"/":      h.service.HealthCheck,
		"/ready": h.service.ReadinessCheck,
		"/live":  h.service.LivenessCheck,
	} {
		r.Get(path, h.probe(check))
		r.Head(path, h.probe(check))
	}
	return r
}

// probe renders check's status. Any status other than ok, ready or alive
// answers 503.
func (h *HealthHandler) probe(check probeFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := check(r.Context())
		switch st.Status {
		case "ok", "ready", "alive":
		default:
			h.logger.WarnContext(r.Context(), "health probe failed",
				slog.String("path", r.URL.Path),
				slog.String("status", st.Status),
				slog.Any("services", st.Services))
			render.Status(r, http.StatusServiceUnavailable)
		}
		if r.Method == http.MethodHead {
			if code, ok := r.Context().Value(render.StatusCtxKey).(int); ok {
				w.WriteHeader(code)
			}
			return
		}
		render.JSON(w, r, st)
	}
}

// Version handles GET /api/version
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.service.Version())
}
