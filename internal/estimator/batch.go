package estimator

import (
	"context"

	"golang.org/x/sync/errgroup"

	"didimpute/internal/panel"
)

// Job is one independent fit.
type Job struct {
	Name   string
	Config Config
	Panel  *panel.Panel
}

// JobResult pairs a job with its outcome. A failed job does not stop the
// others.
type JobResult struct {
	Name   string
	Result *Result
	Err    error
}

// FitAll fits jobs concurrently with at most limit in flight. Results keep
// the order of jobs. The returned error is non-nil only if ctx ended.
func FitAll(ctx context.Context, jobs []Job, limit int, opts ...Option) ([]JobResult, error) {
	results := make([]JobResult, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, job := range jobs {
		g.Go(func() error {
			res, err := New(job.Config, opts...).Fit(gctx, job.Panel)
			results[i] = JobResult{Name: job.Name, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results, ctx.Err()
}
