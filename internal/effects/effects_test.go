package effects

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"didimpute/internal/panel"
)

type constPredictor struct {
	value float64
	err   error
}

func (c constPredictor) Predict(p *panel.Prepared) ([]float64, error) {
	if c.err != nil {
		return nil, c.err
	}
	out := make([]float64, p.N)
	for i := range out {
		out[i] = c.value
	}
	return out, nil
}

type shortPredictor struct{}

func (shortPredictor) Predict(*panel.Prepared) ([]float64, error) { return []float64{1}, nil }

func prepared(t *testing.T) *panel.Prepared {
	t.Helper()
	p := panel.New("id", "t", "ei", "y")
	// unit a adopts at 1, unit b never
	require.NoError(t, p.Append(panel.Str("a"), panel.Num(0), panel.Num(1), panel.Num(1)))
	require.NoError(t, p.Append(panel.Str("a"), panel.Num(1), panel.Num(1), panel.Num(3)))
	require.NoError(t, p.Append(panel.Str("a"), panel.Num(2), panel.Num(1), panel.Num(4)))
	require.NoError(t, p.Append(panel.Str("b"), panel.Num(0), panel.Missing(), panel.Num(2)))
	require.NoError(t, p.Append(panel.Str("b"), panel.Num(1), panel.Missing(), panel.Num(2)))
	prep, err := panel.Prepare(p, panel.Columns{Outcome: "y", Unit: "id", Time: "t", Adoption: "ei"})
	require.NoError(t, err)
	return prep
}

func TestCompute(t *testing.T) {
	prep := prepared(t)
	cells, err := Compute(prep, constPredictor{value: 1.5})
	require.NoError(t, err)

	assert.Equal(t, []bool{false, true, true, false, false}, cells.Masks.TreatedPost)
	assert.Equal(t, []bool{true, false, false, false, false}, cells.Masks.TreatedPre)
	assert.Equal(t, []bool{false, false, false, true, true}, cells.Masks.NeverTreated)
	assert.Equal(t, []bool{true, false, false, true, true}, cells.Masks.UntreatedAll)

	assert.InDelta(t, 1.5, cells.Tau[1], 1e-12)
	assert.InDelta(t, 2.5, cells.Tau[2], 1e-12)
	assert.True(t, math.IsNaN(cells.Tau[0]))
	assert.True(t, math.IsNaN(cells.Tau[3]))

	assert.InDelta(t, -0.5, cells.Placebo[0], 1e-12)
	for _, i := range []int{1, 2, 3, 4} {
		assert.True(t, math.IsNaN(cells.Placebo[i]), "row %d", i)
	}

	assert.Equal(t, map[string]int{
		"treated_post":  2,
		"treated_pre":   1,
		"never_treated": 2,
		"untreated_all": 3,
	}, cells.Masks.Count())
}

func TestComputePropagatesPredictorErrors(t *testing.T) {
	boom := errors.New("boom")
	_, err := Compute(prepared(t), constPredictor{err: boom})
	assert.ErrorIs(t, err, boom)

	_, err = Compute(prepared(t), shortPredictor{})
	assert.Error(t, err)
}
