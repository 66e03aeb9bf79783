package inference

import (
	"encoding/json"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"didimpute/internal/firststage"
)

// allCloseTol matches a zero check of |y| <= 1e-8.
const allCloseTol = 1e-8

// PretrendResult is the outcome of the joint test that every placebo
// event-time mean is zero. PValue is NaN and DoF zero when the test is
// undefined.
type PretrendResult struct {
	PValue float64
	DoF    int
	UsedKs []int
}

// MarshalJSON writes an undefined p-value as null.
func (r PretrendResult) MarshalJSON() ([]byte, error) {
	used := r.UsedKs
	if used == nil {
		used = []int{}
	}
	return json.Marshal(struct {
		PValue *float64 `json:"pvalue"`
		DoF    int      `json:"dof"`
		UsedKs []int    `json:"used_ks"`
	}{finite(r.PValue), r.DoF, used})
}

// Defined reports whether the test produced a p-value.
func (r PretrendResult) Defined() bool { return !math.IsNaN(r.PValue) }

func undefined(used []int) PretrendResult {
	if used == nil {
		used = []int{}
	}
	return PretrendResult{PValue: math.NaN(), UsedKs: used}
}

// PretrendTest regresses placebo residuals at k in [-maxNegativeK, -1] on
// event-time indicators, clusters by unit, and returns the chi-squared Wald
// p-value for all coefficients being zero.
func PretrendTest(in Input, maxNegativeK int) PretrendResult {
	if maxNegativeK <= 0 {
		return undefined(nil)
	}

	type obs struct {
		y    float64
		k    int
		unit string
	}
	var sample []obs
	for i, y := range in.Cells.Placebo {
		k := in.Prepared.K[i]
		if !isFinite(y) || !isFinite(k) || k >= 0 || k < -float64(maxNegativeK) {
			continue
		}
		sample = append(sample, obs{y: y, k: int(k), unit: in.Prepared.Unit[i]})
	}
	if len(sample) == 0 {
		return undefined(nil)
	}

	index := make(map[int]int)
	units := make(map[string]struct{})
	for _, o := range sample {
		index[o.k] = 0
		units[o.unit] = struct{}{}
	}
	used := make([]int, 0, len(index))
	for k := range index {
		used = append(used, k)
	}
	sort.Ints(used)
	for j, k := range used {
		index[k] = j
	}
	if len(used) < 2 || len(units) < 2 {
		return undefined(used)
	}

	zero := true
	for _, o := range sample {
		if math.Abs(o.y) > allCloseTol {
			zero = false
			break
		}
	}
	if zero {
		return undefined(used)
	}

	nk, n, g := len(used), len(sample), len(units)
	if n <= nk {
		return undefined(used)
	}

	// Indicator OLS without intercept: coefficients are per-k means.
	counts := make([]float64, nk)
	beta := mat.NewVecDense(nk, nil)
	for _, o := range sample {
		j := index[o.k]
		counts[j]++
		beta.SetVec(j, beta.AtVec(j)+o.y)
	}
	for j := range counts {
		beta.SetVec(j, beta.AtVec(j)/counts[j])
	}

	scores := make(map[string]*mat.VecDense)
	for _, o := range sample {
		s, ok := scores[o.unit]
		if !ok {
			s = mat.NewVecDense(nk, nil)
			scores[o.unit] = s
		}
		j := index[o.k]
		s.SetVec(j, s.AtVec(j)+o.y-beta.AtVec(j))
	}
	meat := mat.NewSymDense(nk, nil)
	for _, s := range scores {
		meat.SymRankOne(meat, 1, s)
	}

	correction := float64(n-1) / float64(n-nk) * float64(g) / float64(g-1)
	cov := mat.NewDense(nk, nk, nil)
	for a := 0; a < nk; a++ {
		for b := 0; b < nk; b++ {
			cov.Set(a, b, meat.At(a, b)/(counts[a]*counts[b])*correction)
		}
	}

	rank, err := firststage.MatrixRank(cov)
	if err != nil || rank < nk {
		return undefined(used)
	}

	var solved mat.VecDense
	if err := solved.SolveVec(cov, beta); err != nil {
		return undefined(used)
	}
	wald := mat.Dot(beta, &solved)
	p := distuv.ChiSquared{K: float64(nk)}.Survival(wald)
	return PretrendResult{PValue: p, DoF: nk, UsedKs: used}
}
