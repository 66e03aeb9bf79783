package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "didimpute/internal/errors"
	"didimpute/internal/estimator"
	"didimpute/internal/exporter"
	"didimpute/internal/middleware"
	"didimpute/internal/panel"
	"didimpute/internal/services"
)

// EstimationHandler handles estimation requests
type EstimationHandler struct {
	service      EstimationServiceInterface
	validator    *middleware.ValidationMiddleware
	query        *middleware.QueryParamValidator
	errorHandler *apierrors.ErrorHandler
	timeout      time.Duration
	logger       *slog.Logger
}

// NewEstimationHandler creates a new estimation handler. A zero timeout
// leaves fits bounded only by the request context.
func NewEstimationHandler(service EstimationServiceInterface, errorHandler *apierrors.ErrorHandler, validator *middleware.ValidationMiddleware, timeout time.Duration, logger *slog.Logger) *EstimationHandler {
	if service == nil {
		panic("service cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if errorHandler == nil {
		errorHandler = apierrors.NewErrorHandler(logger, false)
	}
	if validator == nil {
		validator = middleware.NewValidationMiddleware(logger, errorHandler, 0)
	}
	return &EstimationHandler{
		service:      service,
		validator:    validator,
		query:        middleware.NewQueryParamValidator(errorHandler),
		errorHandler: errorHandler,
		timeout:      timeout,
		logger:       logger.With(slog.String("handler", "estimation")),
	}
}

// EstimateRequest is the body of POST /api/v1/estimate. Config is layered
// over the server defaults; its horizons may be given as "kmin:kmax".
// Panel.Columns, when present, replaces config.columns.
type EstimateRequest struct {
	Config json.RawMessage `json:"config,omitempty"`
	Panel  PanelPayload    `json:"panel"`
}

// PanelPayload carries the long-format panel as row objects.
type PanelPayload struct {
	Columns *panel.Columns           `json:"columns,omitempty" validate:"-"`
	Rows    []map[string]interface{} `json:"rows" validate:"required,min=1"`
}

// Bind implements the render.Binder interface
func (req *EstimateRequest) Bind(r *http.Request) error {
	return nil
}

// ListResponse is the body of GET /api/v1/estimate.
type ListResponse struct {
	Runs  []services.RunInfo `json:"runs"`
	Count int                `json:"count"`
}

// Routes returns a chi router for estimation endpoints
func (h *EstimationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(
		middleware.ContentTypeValidator(h.errorHandler, "application/json"),
		h.validator.ValidateRequest,
	).Post("/", h.Estimate)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/summary.csv", h.SummaryCSV)
	return r
}

// Estimate handles POST /api/v1/estimate
func (h *EstimationHandler) Estimate(w http.ResponseWriter, r *http.Request) {
	req := &EstimateRequest{}
	if err := render.Bind(r, req); err != nil {
		h.errorHandler.HandleError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	base, err := h.service.BaseConfig()
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	cfg, err := decodeConfig(base, req.Config)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if req.Panel.Columns != nil {
		cfg.Columns = *req.Panel.Columns
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	h.logger.DebugContext(ctx, "estimate requested",
		slog.Int("rows", len(req.Panel.Rows)),
		slog.String("weight_scheme", string(cfg.WeightScheme)))

	run, err := h.service.Estimate(ctx, cfg, panel.FromRecords(req.Panel.Rows))
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/v1/estimate/"+run.ID)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, run)
}

// List handles GET /api/v1/estimate
func (h *EstimationHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.query.ValidateInt(w, r, "limit", 1, 1000, 100)
	if !ok {
		return
	}
	runs := h.service.List()
	if len(runs) > limit {
		runs = runs[len(runs)-limit:]
	}
	render.JSON(w, r, ListResponse{Runs: runs, Count: len(runs)})
}

// Get handles GET /api/v1/estimate/{id}
func (h *EstimationHandler) Get(w http.ResponseWriter, r *http.Request) {
	run, err := h.lookup(r)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, run)
}

// SummaryCSV handles GET /api/v1/estimate/{id}/summary.csv
func (h *EstimationHandler) SummaryCSV(w http.ResponseWriter, r *http.Request) {
	run, err := h.lookup(r)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := exporter.WriteSummary(&buf, run.Result.Summary()); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="summary-`+run.ID+`.csv"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (h *EstimationHandler) lookup(r *http.Request) (*services.Run, error) {
	id := chi.URLParam(r, "id")
	run, err := h.service.Get(id)
	switch {
	case errors.Is(err, services.ErrInvalidRunID):
		return nil, apierrors.NewWithDetails(http.StatusBadRequest, apierrors.CodeInvalidRequest, "run id must be a UUID", id)
	case errors.Is(err, services.ErrRunNotFound):
		return nil, apierrors.NotFoundError("estimation run " + id)
	case err != nil:
		return nil, err
	}
	return run, nil
}

// decodeConfig layers raw over base. A string "horizons" member is parsed
// with estimator.ParseHorizons.
func decodeConfig(base estimator.Config, raw json.RawMessage) (estimator.Config, error) {
	cfg := base
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return cfg, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return cfg, apierrors.InvalidRequestWithError(err)
	}
	if h, ok := fields["horizons"]; ok {
		var s string
		if json.Unmarshal(h, &s) == nil {
			parsed, err := estimator.ParseHorizons(s)
			if err != nil {
				return cfg, err
			}
			cfg.Horizons = parsed
			delete(fields, "horizons")
		}
	}

	rest, err := json.Marshal(fields)
	if err != nil {
		return cfg, apierrors.InvalidRequestWithError(err)
	}
	if err := json.Unmarshal(rest, &cfg); err != nil {
		return cfg, apierrors.InvalidRequestWithError(err)
	}
	return cfg, nil
}
