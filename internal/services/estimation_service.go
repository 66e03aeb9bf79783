package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"didimpute/internal/aggregate"
	"didimpute/internal/config"
	errs "didimpute/internal/errors"
	"didimpute/internal/estimator"
	"didimpute/internal/infrastructure"
	"didimpute/internal/panel"
	"didimpute/internal/simulate"
)

// DefaultStoreLimit is the number of runs kept when no limit is configured.
const DefaultStoreLimit = 100

// Run is one stored estimation.
type Run struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	ElapsedMS float64           `json:"elapsed_ms"`
	Result    *estimator.Result `json:"result"`
}

// RunInfo is the listing view of a Run.
type RunInfo struct {
	ID           string           `json:"id"`
	CreatedAt    time.Time        `json:"created_at"`
	WeightScheme aggregate.Scheme `json:"weight_scheme"`
	Rows         int              `json:"rows"`
}

// EstimationService runs estimations and keeps their results.
type EstimationService struct {
	defaults config.EstimationConfig
	metrics  *infrastructure.EstimationMetrics
	logger   *slog.Logger
	limit    int

	mu    sync.RWMutex
	runs  map[string]*Run
	order []string
}

// EstimationOption configures an EstimationService.
type EstimationOption func(*EstimationService)

// WithStoreLimit bounds the number of stored runs.
func WithStoreLimit(n int) EstimationOption {
	return func(s *EstimationService) {
		if n > 0 {
			s.limit = n
		}
	}
}

// NewEstimationService creates the service. metrics may be nil.
func NewEstimationService(defaults config.EstimationConfig, metrics *infrastructure.EstimationMetrics, logger *slog.Logger, opts ...EstimationOption) *EstimationService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &EstimationService{
		defaults: defaults,
		metrics:  metrics,
		logger:   infrastructure.WithComponent(logger, "estimation_service"),
		limit:    DefaultStoreLimit,
		runs:     make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BaseConfig returns an estimator configuration carrying the service
// defaults. Zero-valued defaults fall back to estimator.DefaultConfig.
func (s *EstimationService) BaseConfig() (estimator.Config, error) {
	cfg := estimator.DefaultConfig(panel.Columns{})
	d := s.defaults

	if d.Horizons != "" {
		h, err := estimator.ParseHorizons(d.Horizons)
		if err != nil {
			return cfg, err
		}
		cfg.Horizons = h
	}
	if d.MinN > 0 {
		cfg.MinN = d.MinN
	}
	if d.WeightScheme != "" {
		cfg.WeightScheme = aggregate.Scheme(d.WeightScheme)
	}
	if d.CI > 0 {
		cfg.CI = d.CI
	}
	if d.Pretrends > 0 {
		cfg.Pretrends = d.Pretrends
	}
	if d.FE != "" {
		cfg.FE = estimator.FEMode(d.FE)
	}
	return cfg, nil
}

// Estimate fits data under cfg and stores the result.
func (s *EstimationService) Estimate(ctx context.Context, cfg estimator.Config, data *panel.Panel) (*Run, error) {
	start := time.Now()
	est := estimator.New(cfg,
		estimator.WithLogger(s.logger),
		estimator.WithSeedHook(simulate.SetSeed),
	)

	res, err := est.Fit(ctx, data)
	elapsed := time.Since(start)
	scheme := string(cfg.WeightScheme)
	if err != nil {
		kind := errorKind(err)
		s.metrics.RecordRun(ctx, scheme, 0, elapsed, kind)
		s.logger.WarnContext(ctx, "estimation failed",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", elapsed))
		return nil, err
	}

	rows := len(res.Summary())
	s.metrics.RecordRun(ctx, scheme, rows, elapsed, "")

	run := &Run{
		ID:        uuid.NewString(),
		CreatedAt: start.UTC(),
		ElapsedMS: float64(elapsed.Microseconds()) / 1000,
		Result:    res,
	}
	s.put(run)

	s.logger.InfoContext(ctx, "estimation stored",
		slog.String("run_id", run.ID),
		slog.Int("rows", rows),
		slog.Duration("elapsed", elapsed))
	return run, nil
}

// Get returns a stored run.
func (s *EstimationService) Get(id string) (*Run, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrInvalidRunID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return run, nil
}

// List returns the stored runs, oldest first.
func (s *EstimationService) List() []RunInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RunInfo, 0, len(s.order))
	for _, id := range s.order {
		run := s.runs[id]
		out = append(out, RunInfo{
			ID:           run.ID,
			CreatedAt:    run.CreatedAt,
			WeightScheme: run.Result.Config.WeightScheme,
			Rows:         len(run.Result.Summary()),
		})
	}
	return out
}

// Len returns the number of stored runs.
func (s *EstimationService) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Limit is the number of runs kept before the oldest is evicted.
func (s *EstimationService) Limit() int { return s.limit }

func (s *EstimationService) put(run *Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	s.order = append(s.order, run.ID)
	for len(s.order) > s.limit {
		delete(s.runs, s.order[0])
		s.order = s.order[1:]
	}
}

// errorKind labels err for the estimation_errors_total metric.
func errorKind(err error) string {
	switch {
	case errors.Is(err, errs.ErrAbsorbingNotImplemented):
		return "not_implemented"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	if kind := errs.KindOf(err); kind != "" {
		return strings.ToLower(string(kind))
	}
	return "internal"
}
