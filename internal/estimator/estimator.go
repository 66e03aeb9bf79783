// Package estimator runs the imputation difference-in-differences pipeline:
// panel preparation, the untreated first stage, cell effects, event-time
// aggregation, standard errors and the pretrend test.
package estimator

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"didimpute/internal/aggregate"
	"didimpute/internal/effects"
	"didimpute/internal/firststage"
	"didimpute/internal/inference"
	"didimpute/internal/panel"
)

// TracerName is the instrumentation scope of estimator spans.
const TracerName = "didimpute/estimator"

// Estimator fits one configuration. It holds no state between fits and may
// be reused.
type Estimator struct {
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
	seedHook func(int64)
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Estimator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTracer sets the tracer used for stage spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Estimator) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithSeedHook registers a function called with Config.Seed before fitting.
func WithSeedHook(hook func(int64)) Option {
	return func(e *Estimator) { e.seedHook = hook }
}

// New creates an estimator.
func New(cfg Config, opts ...Option) *Estimator {
	e := &Estimator{
		cfg:    cfg,
		logger: slog.Default(),
		tracer: otel.Tracer(TracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the estimator configuration.
func (e *Estimator) Config() Config { return e.cfg }

// Fit runs the pipeline on data. The input panel is not modified.
func (e *Estimator) Fit(ctx context.Context, data *panel.Panel) (res *Result, err error) {
	cfg := e.cfg
	ctx, span := e.tracer.Start(ctx, "estimator.fit",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("estimator.weight_scheme", string(cfg.WeightScheme)),
			attribute.Int("estimator.horizon.min", cfg.Horizons.Min),
			attribute.Int("estimator.horizon.max", cfg.Horizons.Max),
			attribute.Int("estimator.min_n", cfg.MinN),
		),
	)
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.logger.WarnContext(ctx, "estimation failed",
				slog.String("error", err.Error()),
				slog.Duration("duration", time.Since(start)))
		} else {
			span.SetAttributes(attribute.Int("estimator.summary_rows", len(res.summary)))
			span.SetStatus(codes.Ok, "estimation completed")
			e.logger.InfoContext(ctx, "estimation completed",
				slog.Int("summary_rows", len(res.summary)),
				slog.Duration("duration", time.Since(start)))
		}
		span.End()
	}()

	if err := cfg.checkFE(); err != nil {
		return nil, err
	}
	if cfg.Seed != nil && e.seedHook != nil {
		e.seedHook(*cfg.Seed)
	}
	if err := cfg.checkFields(); err != nil {
		return nil, err
	}

	var prep *panel.Prepared
	if err := e.stage(ctx, "prepare", func(context.Context) error {
		var err error
		prep, err = panel.Prepare(data, cfg.Columns)
		return err
	}); err != nil {
		return nil, err
	}
	for _, w := range prep.Diagnostics.Warnings {
		e.logger.WarnContext(ctx, "panel warning", slog.String("warning", w))
	}

	model := firststage.New(firststage.WithLogger(e.logger))
	if err := e.stage(ctx, "first_stage", func(ctx context.Context) error {
		return model.Fit(ctx, prep)
	}); err != nil {
		return nil, err
	}

	var cells *effects.CellEffects
	if err := e.stage(ctx, "effects", func(context.Context) error {
		var err error
		cells, err = effects.Compute(prep, model)
		return err
	}); err != nil {
		return nil, err
	}

	var rows []aggregate.Row
	if err := e.stage(ctx, "aggregate", func(context.Context) error {
		var err error
		rows, err = aggregate.EventTime(aggregate.Input{
			Tau:     cells.Tau,
			K:       prep.K,
			Mask:    cells.Masks.TreatedPost,
			Cohort:  prep.Adoption,
			Scheme:  cfg.WeightScheme,
			Horizon: cfg.Horizons,
			MinN:    cfg.MinN,
		})
		return err
	}); err != nil {
		return nil, err
	}

	in := inference.Input{Prepared: prep, Cells: cells, Source: model}
	var summary []SummaryRow
	if err := e.stage(ctx, "inference", func(context.Context) error {
		summary = inference.AttachConfidenceIntervals(inference.AttachStandardErrors(in, rows), cfg.CI)
		return nil
	}); err != nil {
		return nil, err
	}

	var pretrend inference.PretrendResult
	if err := e.stage(ctx, "pretrend", func(context.Context) error {
		pretrend = inference.PretrendTest(in, cfg.Pretrends)
		return nil
	}); err != nil {
		return nil, err
	}

	return &Result{
		Config: cfg,
		Meta: Meta{
			Pretrend: pretrend,
			Panel:    prep.Diagnostics,
			Aggregation: Aggregation{
				Scheme:   cfg.WeightScheme,
				Horizons: cfg.Horizons,
				MinN:     cfg.MinN,
			},
			Seed: cfg.Seed,
		},
		Intermediate: Intermediate{
			FirstStage: model.Info(),
			Masks:      cells.Masks,
		},
		summary: summary,
	}, nil
}

// stage runs fn inside a child span, stopping early if ctx is done.
func (e *Estimator) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, span := e.tracer.Start(ctx, "estimator."+name, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	span.SetAttributes(attribute.Float64("stage.duration_seconds", time.Since(start).Seconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	e.logger.DebugContext(ctx, "stage completed",
		slog.String("stage", name),
		slog.Duration("duration", time.Since(start)))
	return nil
}
