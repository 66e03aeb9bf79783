package aggregate

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "didimpute/internal/errors"
)

// two cohorts at k = 0: cohort 3 has three cells averaging 1, cohort 5 has
// one cell equal to 2.
func twoCohorts(scheme Scheme) Input {
	return Input{
		Tau:     []float64{0.5, 1.0, 1.5, 2.0},
		K:       []float64{0, 0, 0, 0},
		Mask:    []bool{true, true, true, true},
		Cohort:  []float64{3, 3, 3, 5},
		Scheme:  scheme,
		Horizon: Horizon{Min: -5, Max: 10},
		MinN:    1,
	}
}

func TestEventTimeSchemes(t *testing.T) {
	tests := []struct {
		scheme Scheme
		want   float64
	}{
		{SchemeNobs, 1.25},
		{SchemeEqual, 1.5},
		{SchemeCohortShare, 1.25},
	}
	for _, tt := range tests {
		t.Run(string(tt.scheme), func(t *testing.T) {
			rows, err := EventTime(twoCohorts(tt.scheme))
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, 0, rows[0].K)
			assert.Equal(t, 4, rows[0].N)
			assert.Equal(t, tt.scheme, rows[0].Scheme)
			assert.InDelta(t, tt.want, rows[0].Estimate, 1e-12)
		})
	}
}

func TestEventTimeFilters(t *testing.T) {
	in := Input{
		Tau:     []float64{1, 2, 3, math.NaN(), 5, 6, 7},
		K:       []float64{-1, 0, 0, 0, 2, 11, 1},
		Mask:    []bool{true, true, true, true, true, true, false},
		Cohort:  []float64{4, 4, 4, 4, math.NaN(), 4, 4},
		Scheme:  SchemeNobs,
		Horizon: Horizon{Min: -1, Max: 10},
		MinN:    1,
	}
	rows, err := EventTime(in)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, Row{K: -1, Estimate: 1, N: 1, Scheme: SchemeNobs}, rows[0])
	assert.Equal(t, Row{K: 0, Estimate: 2.5, N: 2, Scheme: SchemeNobs}, rows[1])

	in.MinN = 2
	rows, err = EventTime(in)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 0, rows[0].K)

	in.MinN = 10
	rows, err = EventTime(in)
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}

func TestEventTimeSortedAndBounded(t *testing.T) {
	in := Input{Scheme: SchemeEqual, Horizon: Horizon{Min: -2, Max: 3}, MinN: 2}
	for k := 5; k >= -4; k-- {
		for c := 0; c < 3; c++ {
			in.Tau = append(in.Tau, float64(k))
			in.K = append(in.K, float64(k))
			in.Mask = append(in.Mask, true)
			in.Cohort = append(in.Cohort, float64(10+c))
		}
	}
	rows, err := EventTime(in)
	require.NoError(t, err)
	require.Len(t, rows, 6)
	for i, row := range rows {
		assert.Equal(t, i-2, row.K)
		assert.GreaterOrEqual(t, row.N, in.MinN)
		assert.InDelta(t, float64(row.K), row.Estimate, 1e-12)
	}
}

func TestParseScheme(t *testing.T) {
	s, err := ParseScheme("cohort_share")
	require.NoError(t, err)
	assert.Equal(t, SchemeCohortShare, s)

	_, err = ParseScheme("median")
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
	assert.Contains(t, err.Error(), "weight_scheme must be one of")

	_, err = EventTime(Input{Scheme: "median"})
	assert.Error(t, err)
}
