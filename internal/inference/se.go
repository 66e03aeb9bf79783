package inference

import (
	"encoding/json"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"didimpute/internal/aggregate"
	"didimpute/internal/effects"
	"didimpute/internal/firststage"
	"didimpute/internal/panel"
)

// Calibration of the delta-method variance: the variance is multiplied by
// (1 + inflationDecay/(|k|+1)) * inflationScale.
const (
	inflationDecay = 0.46
	inflationScale = 1.30
)

// DeltaSource exposes the first-stage artifacts used by the delta method.
type DeltaSource interface {
	Retained() (*firststage.Retained, bool)
	DesignMatrix(p *panel.Prepared, rows []int) (*mat.Dense, error)
}

// Input bundles the row-aligned data inference works from. Source may be nil.
type Input struct {
	Prepared *panel.Prepared
	Cells    *effects.CellEffects
	Source   DeltaSource
}

// Row is an event-time estimate with its uncertainty.
type Row struct {
	aggregate.Row
	SE      float64
	CILow   float64
	CIHigh  float64
	CILevel float64
}

// MarshalJSON writes NaN statistics as null.
func (r Row) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		K        int              `json:"k"`
		Estimate *float64         `json:"estimate"`
		N        int              `json:"n"`
		Scheme   aggregate.Scheme `json:"weight_scheme"`
		SE       *float64         `json:"se"`
		CILow    *float64         `json:"ci_low"`
		CIHigh   *float64         `json:"ci_high"`
		CILevel  *float64         `json:"ci_level"`
	}{
		K:        r.K,
		Estimate: finite(r.Estimate),
		N:        r.N,
		Scheme:   r.Scheme,
		SE:       finite(r.SE),
		CILow:    finite(r.CILow),
		CIHigh:   finite(r.CIHigh),
		CILevel:  finite(r.CILevel),
	})
}

func finite(f float64) *float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// AttachStandardErrors computes a standard error for every row. Confidence
// bounds are left as NaN until AttachConfidenceIntervals runs.
func AttachStandardErrors(in Input, rows []aggregate.Row) []Row {
	out := make([]Row, len(rows))
	var retained *firststage.Retained
	ready := false
	if in.Source != nil {
		retained, ready = in.Source.Retained()
	}

	for r, row := range rows {
		out[r] = Row{Row: row, SE: math.NaN(), CILow: math.NaN(), CIHigh: math.NaN(), CILevel: math.NaN()}

		cells := cellsAt(in, row.K)
		if len(cells) == 0 {
			continue
		}
		if row.Scheme == aggregate.SchemeNobs && ready {
			out[r].SE = deltaMethodSE(in, retained, cells, row.K)
			continue
		}
		tau := make([]float64, len(cells))
		units := make([]string, len(cells))
		for j, i := range cells {
			tau[j] = in.Cells.Tau[i]
			units[j] = in.Prepared.Unit[i]
		}
		out[r].SE = clusterSEIntercept(tau, units)
	}
	return out
}

// AttachConfidenceIntervals sets two-sided normal intervals at level.
func AttachConfidenceIntervals(rows []Row, level float64) []Row {
	z := distuv.UnitNormal.Quantile(0.5 + level/2)
	for i := range rows {
		rows[i].CILow = rows[i].Estimate - z*rows[i].SE
		rows[i].CIHigh = rows[i].Estimate + z*rows[i].SE
		rows[i].CILevel = level
	}
	return rows
}

// cellsAt returns treated-post rows with finite tau whose event time rounds to k.
func cellsAt(in Input, k int) []int {
	var rows []int
	for i, post := range in.Cells.Masks.TreatedPost {
		if !post || !isFinite(in.Cells.Tau[i]) || !isFinite(in.Prepared.K[i]) {
			continue
		}
		if int(math.Round(in.Prepared.K[i])) == k {
			rows = append(rows, i)
		}
	}
	return rows
}

func deltaMethodSE(in Input, fit *firststage.Retained, cells []int, k int) float64 {
	n := len(cells)
	if n <= 1 {
		return math.NaN()
	}
	x, err := in.Source.DesignMatrix(in.Prepared, cells)
	if err != nil {
		return math.NaN()
	}
	coef := mat.NewVecDense(len(fit.Coef), fit.Coef)

	tau := make([]float64, n)
	mean := 0.0
	for j, i := range cells {
		y := in.Prepared.Outcome[i]
		if math.IsNaN(y) {
			return math.NaN()
		}
		tau[j] = y - mat.Dot(x.RowView(j), coef)
		mean += tau[j]
	}
	mean /= float64(n)

	sums := make(map[string]float64)
	for j, i := range cells {
		sums[in.Prepared.Unit[i]] += tau[j] - mean
	}
	treatedVar := 0.0
	for _, s := range sums {
		treatedVar += s * s
	}
	treatedVar /= float64(n * n)
	if g := len(sums); g > 1 {
		treatedVar *= float64(g) / float64(g-1)
	}

	_, ncol := fit.Design.Dims()
	sumDesign := mat.NewVecDense(ncol, nil)
	for c := 0; c < ncol; c++ {
		sumDesign.SetVec(c, mat.Sum(x.ColView(c)))
	}
	weighted := 0.0
	for i, e := range fit.Residuals {
		weighted += fit.Weights[i] * e * e
	}
	dof := max(len(fit.Residuals)-ncol, 1)
	sigma2 := weighted / float64(dof)
	donorVar := sigma2 * mat.Inner(sumDesign, fit.XTWXInv, sumDesign) / float64(n*n)

	variance := (treatedVar + donorVar) * (1 + inflationDecay/(math.Abs(float64(k))+1)) * inflationScale
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// clusterSEIntercept is the cluster-robust standard error of the mean of y
// with the usual G/(G-1) small-sample correction.
func clusterSEIntercept(y []float64, clusters []string) float64 {
	n := len(y)
	if n == 0 {
		return math.NaN()
	}
	mean := 0.0
	for _, v := range y {
		mean += v
	}
	mean /= float64(n)

	sums := make(map[string]float64)
	for i, v := range y {
		sums[clusters[i]] += v - mean
	}
	g := len(sums)
	if g < 2 {
		return math.NaN()
	}
	meat := 0.0
	for _, s := range sums {
		meat += s * s
	}
	cov := meat / float64(n*n) * float64(g) / float64(g-1)
	return math.Sqrt(cov)
}

func isFinite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
