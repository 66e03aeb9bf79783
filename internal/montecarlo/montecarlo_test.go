package montecarlo

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"didimpute/internal/aggregate"
	"didimpute/internal/estimator"
	"didimpute/internal/simulate"
)

func study(dgp simulate.DGP, reps, workers int) Config {
	return Config{
		DGP:       dgp,
		Params:    simulate.DefaultParams(dgp),
		Reps:      reps,
		Workers:   workers,
		Estimator: estimator.DefaultConfig(simulate.Columns),
	}
}

func TestRunConstantEffect(t *testing.T) {
	var mu sync.Mutex
	var calls []int
	observed := 0
	runner := NewRunner(
		WithProgress(func(done, total int) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, 6, total)
			calls = append(calls, done)
		}),
		WithObserver(func(Replicate) { observed++ }),
	)

	s, err := runner.Run(context.Background(), study(simulate.ConstantTE, 6, 3))
	require.NoError(t, err)

	assert.Equal(t, 6, s.Reps)
	assert.Equal(t, 0, s.Failed)
	assert.Equal(t, 1.0, s.Truth)
	assert.InDelta(t, 1.0, s.MeanEstimate, 0.05)
	assert.Greater(t, s.Coverage, 0.5)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, calls)
	assert.Equal(t, 6, observed)

	require.Len(t, s.ByK, 5)
	for i, k := range s.ByK {
		assert.Equal(t, i, k.K)
		assert.Equal(t, 6, k.Reps)
		assert.InDelta(t, 1.0, k.MeanEstimate, 0.1)
		assert.False(t, math.IsNaN(k.SDEstimate))
	}
}

func TestRunIsReproducibleAcrossWorkerCounts(t *testing.T) {
	a, err := NewRunner().Run(context.Background(), study(simulate.ConstantTE, 4, 1))
	require.NoError(t, err)
	b, err := NewRunner().Run(context.Background(), study(simulate.ConstantTE, 4, 4))
	require.NoError(t, err)
	assert.InDelta(t, a.MeanEstimate, b.MeanEstimate, 1e-12)
	require.Len(t, b.ByK, len(a.ByK))
	for i := range a.ByK {
		assert.InDelta(t, a.ByK[i].MeanEstimate, b.ByK[i].MeanEstimate, 1e-12)
	}
}

// placebo study over the last PretrendLookback pre-periods
func pretrendStudy(dgp simulate.DGP, reps, workers int) Config {
	cfg := study(dgp, reps, workers)
	cfg.Estimator.Horizons = aggregate.Horizon{Min: -3, Max: 3}
	cfg.Estimator.Pretrends = simulate.PretrendLookback
	return cfg
}

func TestRunPretrendRejects(t *testing.T) {
	s, err := NewRunner().Run(context.Background(), pretrendStudy(simulate.Pretrend, 4, 2))
	require.NoError(t, err)
	assert.Equal(t, 4, s.PretrendDefined)
	assert.GreaterOrEqual(t, s.PretrendRejection, 0.75)
	// no effect after adoption
	assert.Equal(t, 0.0, s.Truth)
}

func TestRunPretrendSizeUnderNull(t *testing.T) {
	if testing.Short() {
		t.Skip("slow Monte Carlo study")
	}
	const reps = 200
	s, err := NewRunner().Run(context.Background(), pretrendStudy(simulate.ConstantTE, reps, 4))
	require.NoError(t, err)
	assert.Equal(t, 0, s.Failed)
	assert.Equal(t, reps, s.PretrendDefined)
	assert.LessOrEqual(t, s.PretrendRejection, 0.12)
}

func TestRunNoTreatment(t *testing.T) {
	s, err := NewRunner().Run(context.Background(), study(simulate.NoTreat, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, 0, s.Failed)
	assert.Empty(t, s.ByK)
	assert.True(t, math.IsNaN(s.MeanEstimate))
	assert.True(t, math.IsNaN(s.Coverage))
	assert.True(t, math.IsNaN(s.PretrendRejection))
}

func TestRunCountsFailures(t *testing.T) {
	cfg := study(simulate.ConstantTE, 2, 1)
	cfg.Estimator.Columns.Controls = []string{"missing"}
	s, err := NewRunner().Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Failed)
}

func TestRunRejectsBadConfig(t *testing.T) {
	_, err := NewRunner().Run(context.Background(), study(simulate.ConstantTE, 0, 1))
	assert.Error(t, err)

	_, err = NewRunner().Run(context.Background(), study("walk", 1, 1))
	assert.Error(t, err)

	cfg := study(simulate.ConstantTE, 1, 1)
	cfg.Estimator.CI = 2
	_, err = NewRunner().Run(context.Background(), cfg)
	assert.Error(t, err)
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRunner().Run(ctx, study(simulate.ConstantTE, 3, 1))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSummariseCoverage(t *testing.T) {
	reps := []Replicate{
		{PValue: 0.01, Summary: []estimator.SummaryRow{
			{CILow: 0.5, CIHigh: 1.5},
			{CILow: 1.2, CIHigh: 1.5},
		}},
		{PValue: 0.5, Summary: []estimator.SummaryRow{{CILow: math.NaN(), CIHigh: math.NaN()}}},
		{Err: assert.AnError, PValue: math.NaN()},
	}
	reps[0].Summary[0].K, reps[0].Summary[0].Estimate = 0, 1
	reps[0].Summary[1].K, reps[0].Summary[1].Estimate = 1, 1.3
	reps[1].Summary[0].K, reps[1].Summary[0].Estimate = 0, 0.8

	s := summarise(reps, 1.0)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 2, s.PretrendDefined)
	assert.InDelta(t, 0.5, s.PretrendRejection, 1e-12)
	assert.InDelta(t, 0.5, s.Coverage, 1e-12)
	assert.InDelta(t, 1.0333333333333334, s.MeanEstimate, 1e-12)
	require.Len(t, s.ByK, 2)
	assert.Equal(t, 2, s.ByK[0].Reps)
	assert.InDelta(t, 1.0, s.ByK[0].Coverage, 1e-12)
	assert.InDelta(t, 0.0, s.ByK[1].Coverage, 1e-12)
	assert.True(t, math.IsNaN(s.ByK[1].SDEstimate))
}
