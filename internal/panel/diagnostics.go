package panel

import (
	"encoding/json"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Diagnostics summarises panel structure for the result metadata.
type Diagnostics struct {
	Balanced      bool         `json:"balanced"`
	NUnits        int          `json:"n_units"`
	PeriodsByUnit Distribution `json:"n_periods_by_unit"`
	Warnings      []string     `json:"warnings"`
	Cluster       string       `json:"cluster"`
}

// Distribution is a descriptive summary of a sample.
type Distribution struct {
	Count float64
	Mean  float64
	Std   float64
	Min   float64
	Q25   float64
	Q50   float64
	Q75   float64
	Max   float64
}

// MarshalJSON uses the conventional describe() keys; undefined entries are null.
func (d Distribution) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]*float64{
		"count": finite(d.Count),
		"mean":  finite(d.Mean),
		"std":   finite(d.Std),
		"min":   finite(d.Min),
		"25%":   finite(d.Q25),
		"50%":   finite(d.Q50),
		"75%":   finite(d.Q75),
		"max":   finite(d.Max),
	})
}

func finite(f float64) *float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func describe(x []float64) Distribution {
	if len(x) == 0 {
		nan := math.NaN()
		return Distribution{Mean: nan, Std: nan, Min: nan, Q25: nan, Q50: nan, Q75: nan, Max: nan}
	}
	sorted := append([]float64(nil), x...)
	sort.Float64s(sorted)

	std := math.NaN()
	if len(x) > 1 {
		std = stat.StdDev(sorted, nil)
	}
	return Distribution{
		Count: float64(len(x)),
		Mean:  stat.Mean(sorted, nil),
		Std:   std,
		Min:   floats.Min(sorted),
		Q25:   quantile(sorted, 0.25),
		Q50:   quantile(sorted, 0.50),
		Q75:   quantile(sorted, 0.75),
		Max:   floats.Max(sorted),
	}
}

// quantile interpolates linearly between order statistics at position
// p*(n-1), the definition used by the usual describe() summaries.
func quantile(sorted []float64, p float64) float64 {
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// FormatWarnings renders warnings for terminal output, or "" when there are none.
func FormatWarnings(warnings []string) string {
	if len(warnings) == 0 {
		return ""
	}
	return "Warnings:\n" + strings.Join(warnings, "\n")
}
