// Package effects turns first-stage counterfactuals into cell-level
// treatment effects and pre-period placebo residuals.
package effects

import (
	"fmt"
	"math"

	"didimpute/internal/panel"
)

// Predictor produces untreated-outcome predictions for every row.
type Predictor interface {
	Predict(p *panel.Prepared) ([]float64, error)
}

// Masks are row selectors shared by the later stages.
type Masks struct {
	TreatedPost  []bool `json:"treated_post"`
	TreatedPre   []bool `json:"treated_pre"`
	NeverTreated []bool `json:"never_treated"`
	UntreatedAll []bool `json:"untreated_all"`
}

// Count returns the number of selected rows per mask.
func (m Masks) Count() map[string]int {
	count := func(mask []bool) int {
		n := 0
		for _, b := range mask {
			if b {
				n++
			}
		}
		return n
	}
	return map[string]int{
		"treated_post":  count(m.TreatedPost),
		"treated_pre":   count(m.TreatedPre),
		"never_treated": count(m.NeverTreated),
		"untreated_all": count(m.UntreatedAll),
	}
}

// CellEffects holds per-row outputs. Tau is NaN outside treated-post rows and
// Placebo is NaN outside treated-pre rows.
type CellEffects struct {
	Y0Hat   []float64
	Tau     []float64
	Placebo []float64
	Masks   Masks
}

// Compute predicts Y(0) for every row and derives tau and placebo residuals.
func Compute(p *panel.Prepared, model Predictor) (*CellEffects, error) {
	y0, err := model.Predict(p)
	if err != nil {
		return nil, err
	}
	if len(y0) != p.N {
		return nil, fmt.Errorf("predictor returned %d values for %d rows", len(y0), p.N)
	}

	out := &CellEffects{
		Y0Hat:   y0,
		Tau:     make([]float64, p.N),
		Placebo: make([]float64, p.N),
		Masks: Masks{
			TreatedPost:  make([]bool, p.N),
			TreatedPre:   make([]bool, p.N),
			NeverTreated: make([]bool, p.N),
			UntreatedAll: make([]bool, p.N),
		},
	}
	for i := 0; i < p.N; i++ {
		out.Tau[i] = math.NaN()
		out.Placebo[i] = math.NaN()

		finite := p.AdoptionFinite[i]
		post := finite && float64(p.Time[i]) >= p.Adoption[i]
		pre := finite && float64(p.Time[i]) < p.Adoption[i]
		out.Masks.TreatedPost[i] = post
		out.Masks.TreatedPre[i] = pre
		out.Masks.NeverTreated[i] = !finite
		out.Masks.UntreatedAll[i] = p.Untreated[i]

		switch {
		case post:
			out.Tau[i] = p.Outcome[i] - y0[i]
		case pre:
			out.Placebo[i] = p.Outcome[i] - y0[i]
		}
	}
	return out, nil
}
