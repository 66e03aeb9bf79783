// Package montecarlo repeats simulate-then-estimate runs and summarises bias,
// interval coverage and pretrend rejection.
package montecarlo

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"didimpute/internal/estimator"
	"didimpute/internal/simulate"
)

// RejectionLevel is the pretrend test size used for rejection rates.
const RejectionLevel = 0.05

// Config describes a Monte Carlo study.
type Config struct {
	DGP       simulate.DGP
	Params    simulate.Params // Params.Seed is the master seed
	Reps      int
	Workers   int
	Estimator estimator.Config
}

// Replicate is the outcome of one simulated fit.
type Replicate struct {
	Index   int
	Seed    int64
	Summary []estimator.SummaryRow
	PValue  float64
	Err     error
}

// KStat summarises the estimates at one event time across replicates.
type KStat struct {
	K            int
	Reps         int
	MeanEstimate float64
	SDEstimate   float64
	Coverage     float64
}

// Summary aggregates a study.
type Summary struct {
	Reps              int
	Failed            int
	Truth             float64
	MeanEstimate      float64
	Coverage          float64
	PretrendDefined   int
	PretrendRejection float64
	ByK               []KStat
}

// Runner executes studies.
type Runner struct {
	logger   *slog.Logger
	progress func(done, total int)
	observe  func(Replicate)
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithProgress registers a callback invoked after each replicate.
func WithProgress(fn func(done, total int)) Option {
	return func(r *Runner) { r.progress = fn }
}

// WithObserver registers a callback receiving each replicate. Calls are
// serialised.
func WithObserver(fn func(Replicate)) Option {
	return func(r *Runner) { r.observe = fn }
}

// NewRunner creates a runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run simulates cfg.Reps panels and fits each one. Per-replicate seeds are
// drawn from a generator seeded with cfg.Params.Seed, so a study is
// reproducible regardless of worker count. A failing replicate is counted,
// not fatal.
func (r *Runner) Run(ctx context.Context, cfg Config) (*Summary, error) {
	if cfg.Reps < 1 {
		return nil, fmt.Errorf("reps must be positive, got %d", cfg.Reps)
	}
	if _, err := simulate.ParseDGP(string(cfg.DGP)); err != nil {
		return nil, err
	}
	if err := cfg.Estimator.Validate(); err != nil {
		return nil, err
	}

	master := simulate.NewSource(cfg.Params.Seed)
	seeds := make([]int64, cfg.Reps)
	for i := range seeds {
		seeds[i] = master.Int63()
	}

	reps := make([]Replicate, cfg.Reps)
	var mu sync.Mutex
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cfg.Workers, 1))
	for i := range reps {
		g.Go(func() error {
			rep := r.replicate(gctx, cfg, i, seeds[i])
			if gctx.Err() != nil {
				return gctx.Err()
			}
			reps[i] = rep

			mu.Lock()
			defer mu.Unlock()
			done++
			if r.observe != nil {
				r.observe(rep)
			}
			if r.progress != nil {
				r.progress(done, cfg.Reps)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s := summarise(reps, cfg.Params.TE)
	r.logger.InfoContext(ctx, "monte carlo completed",
		slog.String("dgp", string(cfg.DGP)),
		slog.Int("reps", s.Reps),
		slog.Int("failed", s.Failed),
		slog.Float64("mean_estimate", s.MeanEstimate),
		slog.Float64("coverage", s.Coverage),
		slog.Float64("pretrend_rejection", s.PretrendRejection))
	return s, nil
}

func (r *Runner) replicate(ctx context.Context, cfg Config, index int, seed int64) Replicate {
	rep := Replicate{Index: index, Seed: seed, PValue: math.NaN()}
	params := cfg.Params
	params.Seed = seed
	data, err := simulate.Generate(cfg.DGP, params)
	if err != nil {
		rep.Err = err
		return rep
	}
	res, err := estimator.New(cfg.Estimator, estimator.WithLogger(r.logger)).Fit(ctx, data)
	if err != nil {
		rep.Err = err
		r.logger.DebugContext(ctx, "replicate failed", slog.Int("index", index), slog.String("error", err.Error()))
		return rep
	}
	rep.Summary = res.Summary()
	rep.PValue = res.Meta.Pretrend.PValue
	return rep
}

// summarise pools post-period rows (k >= 0) for the headline numbers; the
// truth is te there.
func summarise(reps []Replicate, te float64) *Summary {
	s := &Summary{Reps: len(reps), Truth: te}
	type acc struct {
		estimates []float64
		intervals int
		covered   int
	}
	byK := make(map[int]*acc)
	var pooled []float64
	covered, intervals, rejected := 0, 0, 0

	for _, rep := range reps {
		if rep.Err != nil {
			s.Failed++
			continue
		}
		if !math.IsNaN(rep.PValue) {
			s.PretrendDefined++
			if rep.PValue < RejectionLevel {
				rejected++
			}
		}
		for _, row := range rep.Summary {
			if row.K < 0 {
				continue
			}
			a, ok := byK[row.K]
			if !ok {
				a = &acc{}
				byK[row.K] = a
			}
			a.estimates = append(a.estimates, row.Estimate)
			pooled = append(pooled, row.Estimate)
			if !math.IsNaN(row.CILow) && !math.IsNaN(row.CIHigh) {
				intervals++
				a.intervals++
				if row.CILow <= te && te <= row.CIHigh {
					a.covered++
					covered++
				}
			}
		}
	}

	s.MeanEstimate = math.NaN()
	if len(pooled) > 0 {
		s.MeanEstimate = stat.Mean(pooled, nil)
	}
	s.Coverage = math.NaN()
	if intervals > 0 {
		s.Coverage = float64(covered) / float64(intervals)
	}
	s.PretrendRejection = math.NaN()
	if s.PretrendDefined > 0 {
		s.PretrendRejection = float64(rejected) / float64(s.PretrendDefined)
	}

	ks := make([]int, 0, len(byK))
	for k := range byK {
		ks = append(ks, k)
	}
	sort.Ints(ks)
	for _, k := range ks {
		a := byK[k]
		st := KStat{K: k, Reps: len(a.estimates), MeanEstimate: stat.Mean(a.estimates, nil), SDEstimate: math.NaN(), Coverage: math.NaN()}
		if len(a.estimates) > 1 {
			st.SDEstimate = stat.StdDev(a.estimates, nil)
		}
		if a.intervals > 0 {
			st.Coverage = float64(a.covered) / float64(a.intervals)
		}
		s.ByK = append(s.ByK, st)
	}
	return s
}
