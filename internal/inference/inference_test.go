package inference

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"didimpute/internal/aggregate"
	"didimpute/internal/effects"
	"didimpute/internal/firststage"
	"didimpute/internal/panel"
)

// cellsFixture builds treated-post cells at k = 0 with the given units and
// outcomes. Tau equals the outcome.
func cellsFixture(units []string, y []float64) Input {
	n := len(y)
	prep := &panel.Prepared{
		N:       n,
		Unit:    units,
		K:       make([]float64, n),
		Outcome: y,
	}
	cells := &effects.CellEffects{
		Tau:     append([]float64(nil), y...),
		Placebo: make([]float64, n),
		Masks:   effects.Masks{TreatedPost: make([]bool, n)},
	}
	for i := range cells.Masks.TreatedPost {
		cells.Masks.TreatedPost[i] = true
		cells.Placebo[i] = math.NaN()
	}
	return Input{Prepared: prep, Cells: cells}
}

type fakeSource struct {
	retained *firststage.Retained
}

func (f fakeSource) Retained() (*firststage.Retained, bool) { return f.retained, f.retained != nil }

func (f fakeSource) DesignMatrix(_ *panel.Prepared, rows []int) (*mat.Dense, error) {
	x := mat.NewDense(len(rows), 1, nil)
	for i := range rows {
		x.Set(i, 0, 1)
	}
	return x, nil
}

func TestClusterSEIntercept(t *testing.T) {
	se := clusterSEIntercept([]float64{1, 2, 3, 4}, []string{"a", "a", "b", "b"})
	assert.InDelta(t, 1.0, se, 1e-12)

	assert.True(t, math.IsNaN(clusterSEIntercept(nil, nil)))
	assert.True(t, math.IsNaN(clusterSEIntercept([]float64{1, 2}, []string{"a", "a"})))
}

func TestAttachStandardErrorsFallback(t *testing.T) {
	in := cellsFixture([]string{"a", "a", "b", "b"}, []float64{1, 2, 3, 4})
	rows := []aggregate.Row{
		{K: 0, Estimate: 2.5, N: 4, Scheme: aggregate.SchemeEqual},
		{K: 3, Estimate: 1, N: 1, Scheme: aggregate.SchemeEqual},
	}
	out := AttachStandardErrors(in, rows)
	require.Len(t, out, 2)
	assert.InDelta(t, 1.0, out[0].SE, 1e-12)
	assert.True(t, math.IsNaN(out[1].SE), "no cells at k=3")

	// nobs without a ready first stage also falls back
	rows[0].Scheme = aggregate.SchemeNobs
	out = AttachStandardErrors(in, rows[:1])
	assert.InDelta(t, 1.0, out[0].SE, 1e-12)
}

func TestAttachStandardErrorsDeltaMethod(t *testing.T) {
	in := cellsFixture([]string{"a", "a", "b", "b"}, []float64{1, 2, 3, 4})
	in.Source = fakeSource{retained: &firststage.Retained{
		Coef:      []float64{0},
		XTWXInv:   mat.NewDense(1, 1, []float64{0.5}),
		Design:    mat.NewDense(2, 1, []float64{1, 1}),
		Weights:   []float64{1, 1},
		Residuals: []float64{1, -1},
	}}
	out := AttachStandardErrors(in, []aggregate.Row{{K: 0, Estimate: 2.5, N: 4, Scheme: aggregate.SchemeNobs}})

	// treated 1.0 + donor 1.0, inflated by 1.46 * 1.30
	want := math.Sqrt(2 * 1.46 * 1.30)
	assert.InDelta(t, want, out[0].SE, 1e-12)

	single := cellsFixture([]string{"a"}, []float64{1})
	single.Source = in.Source
	out = AttachStandardErrors(single, []aggregate.Row{{K: 0, Estimate: 1, N: 1, Scheme: aggregate.SchemeNobs}})
	assert.True(t, math.IsNaN(out[0].SE))
}

func TestDeltaMethodTwoUnitModel(t *testing.T) {
	p := panel.New("id", "t", "ei", "y")
	require.NoError(t, p.Append(panel.Str("treated"), panel.Num(0), panel.Num(1), panel.Num(1.0)))
	require.NoError(t, p.Append(panel.Str("treated"), panel.Num(1), panel.Num(1), panel.Num(2.0)))
	require.NoError(t, p.Append(panel.Str("control"), panel.Num(0), panel.Missing(), panel.Num(1.5)))
	require.NoError(t, p.Append(panel.Str("control"), panel.Num(1), panel.Missing(), panel.Num(1.6)))
	prep, err := panel.Prepare(p, panel.Columns{Outcome: "y", Unit: "id", Time: "t", Adoption: "ei"})
	require.NoError(t, err)

	model := firststage.New()
	require.NoError(t, model.Fit(context.Background(), prep))
	cells, err := effects.Compute(prep, model)
	require.NoError(t, err)

	out := AttachStandardErrors(Input{Prepared: prep, Cells: cells, Source: model},
		[]aggregate.Row{{K: 0, Estimate: 0.9, N: 1, Scheme: aggregate.SchemeNobs}})
	require.Len(t, out, 1)
	assert.True(t, math.IsNaN(out[0].SE), "a single treated cell has no variance estimate")
}

func TestAttachConfidenceIntervals(t *testing.T) {
	rows := []Row{
		{Row: aggregate.Row{K: 0, Estimate: 1}, SE: 0.5},
		{Row: aggregate.Row{K: 1, Estimate: 2}, SE: math.NaN()},
	}
	rows = AttachConfidenceIntervals(rows, 0.95)
	assert.InDelta(t, 1-1.959963984540054*0.5, rows[0].CILow, 1e-9)
	assert.InDelta(t, 1+1.959963984540054*0.5, rows[0].CIHigh, 1e-9)
	assert.Equal(t, 0.95, rows[0].CILevel)
	assert.True(t, math.IsNaN(rows[1].CILow))
	assert.True(t, math.IsNaN(rows[1].CIHigh))
	assert.Equal(t, 0.95, rows[1].CILevel)
}

func TestRowJSON(t *testing.T) {
	row := Row{Row: aggregate.Row{K: -1, Estimate: 0.25, N: 12, Scheme: aggregate.SchemeNobs},
		SE: math.NaN(), CILow: math.NaN(), CIHigh: math.NaN(), CILevel: 0.9}
	data, err := json.Marshal(row)
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":-1,"estimate":0.25,"n":12,"weight_scheme":"nobs","se":null,"ci_low":null,"ci_high":null,"ci_level":0.9}`, string(data))
}

// placeboFixture lays out one placebo cell per (unit, k).
func placeboFixture(values map[string]map[int]float64) Input {
	prep := &panel.Prepared{}
	cells := &effects.CellEffects{}
	for _, unit := range []string{"a", "b", "c", "d", "e"} {
		byK, ok := values[unit]
		if !ok {
			continue
		}
		for _, k := range []int{-4, -3, -2, -1} {
			y, ok := byK[k]
			if !ok {
				continue
			}
			prep.Unit = append(prep.Unit, unit)
			prep.K = append(prep.K, float64(k))
			cells.Placebo = append(cells.Placebo, y)
		}
	}
	prep.N = len(prep.Unit)
	return Input{Prepared: prep, Cells: cells}
}

func TestPretrendTestKnownValue(t *testing.T) {
	in := placeboFixture(map[string]map[int]float64{
		"a": {-2: 1, -1: 1},
		"b": {-2: 3, -1: 3},
		"c": {-2: 1, -1: 3},
		"d": {-2: 3, -1: 1},
	})
	res := PretrendTest(in, 5)
	require.True(t, res.Defined())
	assert.Equal(t, 2, res.DoF)
	assert.Equal(t, []int{-2, -1}, res.UsedKs)
	// W = 144/7 and a chi-squared(2) survival of exp(-W/2)
	assert.InEpsilon(t, math.Exp(-72.0/7), res.PValue, 1e-6)
}

func TestPretrendTestWindow(t *testing.T) {
	in := placeboFixture(map[string]map[int]float64{
		"a": {-4: 9, -2: 1, -1: 1},
		"b": {-4: 9, -2: 3, -1: 3},
		"c": {-4: 9, -2: 1, -1: 3},
		"d": {-4: 9, -2: 3, -1: 1},
	})
	res := PretrendTest(in, 2)
	assert.Equal(t, []int{-2, -1}, res.UsedKs)
	assert.InEpsilon(t, math.Exp(-72.0/7), res.PValue, 1e-6)
}

func TestPretrendTestUndefined(t *testing.T) {
	base := map[string]map[int]float64{
		"a": {-2: 1, -1: 1},
		"b": {-2: 3, -1: 3},
	}
	tests := []struct {
		name   string
		values map[string]map[int]float64
		max    int
		used   []int
	}{
		{"non-positive max", base, 0, []int{}},
		{"no placebo cells", map[string]map[int]float64{}, 3, []int{}},
		{"single k", map[string]map[int]float64{"a": {-1: 1}, "b": {-1: 2}}, 3, []int{-1}},
		{"single unit", map[string]map[int]float64{"a": {-2: 1, -1: 2}}, 3, []int{-2, -1}},
		{"all zero", map[string]map[int]float64{"a": {-2: 0, -1: 1e-10}, "b": {-2: 0, -1: 0}}, 3, []int{-2, -1}},
		{"one cell per k", map[string]map[int]float64{"a": {-2: 1}, "b": {-1: 2}}, 3, []int{-2, -1}},
		{"singular covariance", map[string]map[int]float64{"a": {-2: 1, -1: 1}, "b": {-2: 1, -1: 2}, "c": {-2: 1, -1: 3}}, 3, []int{-2, -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := PretrendTest(placeboFixture(tt.values), tt.max)
			assert.False(t, res.Defined())
			assert.Equal(t, 0, res.DoF)
			assert.Equal(t, tt.used, res.UsedKs)
		})
	}
}

func TestPretrendResultJSON(t *testing.T) {
	data, err := json.Marshal(PretrendResult{PValue: math.NaN()})
	require.NoError(t, err)
	assert.JSONEq(t, `{"pvalue":null,"dof":0,"used_ks":[]}`, string(data))
}
