package firststage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"

	"gonum.org/v1/gonum/mat"

	errs "didimpute/internal/errors"
	"didimpute/internal/panel"
)

const epsilon = 2.220446049250313e-16

// Model is a weighted two-way fixed-effects regression of the outcome on an
// intercept, controls, unit dummies and time dummies, fit on untreated rows.
// A Model is fit once and read-only afterwards.
type Model struct {
	logger *slog.Logger
	retain bool

	fitted   bool
	unitCol  string
	timeCol  string
	controls []string
	units    encoder[string]
	times    encoder[int]
	coef     []float64
	xtwxInv  *mat.Dense
	columns  []string
	info     Info
	retained *Retained
}

// Info describes a fitted model.
type Info struct {
	NObs          int      `json:"n_obs"`
	Rank          int      `json:"rank"`
	Controls      []string `json:"controls"`
	BaselineUnit  string   `json:"baseline_id"`
	BaselineTime  int      `json:"baseline_time"`
	DesignColumns []string `json:"design_columns"`
}

// Retained holds the fit artifacts needed for delta-method variances.
type Retained struct {
	Coef      []float64
	XTWXInv   *mat.Dense
	Design    *mat.Dense // untreated design rows
	Weights   []float64
	Residuals []float64 // unweighted y - X*coef on untreated rows
	Units     []string
}

// Option configures a Model.
type Option func(*Model)

// WithRetention controls whether the untreated design, weights and residuals
// are kept after fitting. Retention is on by default.
func WithRetention(retain bool) Option {
	return func(m *Model) { m.retain = retain }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Model) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New creates an unfitted model.
func New(opts ...Option) *Model {
	m := &Model{logger: slog.Default(), retain: true}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Fit estimates the model by WLS on the untreated rows of p.
func (m *Model) Fit(ctx context.Context, p *panel.Prepared) error {
	const op = "firststage.Fit"
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.fitted {
		return errs.Estimation(op, "model is already fitted")
	}

	var rows []int
	for i, untreated := range p.Untreated {
		if untreated {
			rows = append(rows, i)
		}
	}
	if len(rows) == 0 {
		return errs.Estimation(op, "untreated sample is empty; cannot fit first stage")
	}

	weights := make([]float64, len(rows))
	positive := false
	for j, i := range rows {
		w := p.Weight[i]
		if w < 0 {
			return errs.Estimation(op, "weights must be non-negative in the first stage")
		}
		positive = positive || w > 0
		weights[j] = w
	}
	if !positive {
		return errs.Estimation(op, "at least one untreated observation must carry positive weight")
	}

	m.unitCol = p.Columns.Unit
	m.timeCol = p.Columns.Time
	m.controls = slices.Clone(p.Columns.Controls)

	unitVals := make([]string, len(rows))
	timeVals := make([]int, len(rows))
	for j, i := range rows {
		unitVals[j] = p.Unit[i]
		timeVals[j] = p.Time[i]
	}
	m.units = newEncoder(unitVals)
	m.times = newEncoder(timeVals)

	design, err := m.buildDesign(op, p, rows, false)
	if err != nil {
		return err
	}

	y := make([]float64, len(rows))
	for j, i := range rows {
		if math.IsNaN(p.Outcome[i]) {
			return errs.Estimation(op, "outcome contains non-numeric values in the untreated sample")
		}
		y[j] = p.Outcome[i]
	}

	nrow, ncol := design.Dims()
	xw := mat.NewDense(nrow, ncol, nil)
	yw := mat.NewVecDense(nrow, nil)
	for j := 0; j < nrow; j++ {
		s := math.Sqrt(weights[j])
		for c := 0; c < ncol; c++ {
			xw.Set(j, c, design.At(j, c)*s)
		}
		yw.SetVec(j, y[j]*s)
	}

	rank, err := MatrixRank(xw)
	if err != nil {
		return errs.WrapEstimation(op, err, "unable to factorize first-stage design")
	}
	if rank < ncol {
		return errs.Estimation(op, "first-stage design matrix is rank deficient (rank %d < %d columns)", rank, ncol).
			WithContext("rank", rank).WithContext("columns", ncol)
	}

	var xtwx mat.Dense
	xtwx.Mul(xw.T(), xw)
	var inv mat.Dense
	if err := fatalCondition(inv.Inverse(&xtwx)); err != nil {
		return errs.WrapEstimation(op, err, "unable to invert first-stage information matrix")
	}

	var beta mat.VecDense
	if err := fatalCondition(beta.SolveVec(xw, yw)); err != nil {
		return errs.WrapEstimation(op, err, "weighted least squares failed")
	}
	m.coef = make([]float64, ncol)
	for c := range m.coef {
		m.coef[c] = beta.AtVec(c)
	}
	m.xtwxInv = &inv
	m.columns = m.designColumnNames()

	if m.retain {
		resid := make([]float64, nrow)
		for j := 0; j < nrow; j++ {
			resid[j] = y[j] - mat.Dot(design.RowView(j), &beta)
		}
		m.retained = &Retained{
			Coef:      m.coef,
			XTWXInv:   m.xtwxInv,
			Design:    design,
			Weights:   weights,
			Residuals: resid,
			Units:     unitVals,
		}
	}

	m.info = Info{
		NObs:          len(rows),
		Rank:          rank,
		Controls:      slices.Clone(m.controls),
		BaselineUnit:  m.units.baseline,
		BaselineTime:  m.times.baseline,
		DesignColumns: m.columns,
	}
	m.fitted = true

	m.logger.DebugContext(ctx, "first stage fitted",
		slog.Int("n_obs", len(rows)),
		slog.Int("columns", ncol),
		slog.Int("rank", rank),
		slog.String("baseline_unit", m.units.baseline),
		slog.Int("baseline_time", m.times.baseline),
	)
	return nil
}

// Predict returns the counterfactual untreated outcome for every row of p.
func (m *Model) Predict(p *panel.Prepared) ([]float64, error) {
	const op = "firststage.Predict"
	if !m.fitted {
		return nil, errs.Estimation(op, "first-stage model is not fitted")
	}
	if p.Columns.Unit != m.unitCol || p.Columns.Time != m.timeCol {
		return nil, errs.Estimation(op, "column bindings differ from the fitted configuration")
	}
	if !slices.Equal(p.Columns.Controls, m.controls) {
		return nil, errs.Estimation(op, "control bindings changed between fit and predict")
	}

	rows := make([]int, p.N)
	for i := range rows {
		rows[i] = i
	}
	design, err := m.buildDesign(op, p, rows, true)
	if err != nil {
		return nil, err
	}

	out := make([]float64, p.N)
	coef := mat.NewVecDense(len(m.coef), m.coef)
	for i := range out {
		out[i] = mat.Dot(design.RowView(i), coef)
	}
	return out, nil
}

// DesignMatrix builds the fitted design for the given rows of p.
func (m *Model) DesignMatrix(p *panel.Prepared, rows []int) (*mat.Dense, error) {
	const op = "firststage.DesignMatrix"
	if !m.fitted {
		return nil, errs.Estimation(op, "first-stage model is not fitted")
	}
	if !slices.Equal(p.Columns.Controls, m.controls) {
		return nil, errs.Estimation(op, "control bindings changed between fit and predict")
	}
	return m.buildDesign(op, p, rows, true)
}

// Retained returns the retained fit artifacts. The flag is false before
// fitting or when retention was disabled.
func (m *Model) Retained() (*Retained, bool) {
	if !m.fitted || m.retained == nil {
		return nil, false
	}
	return m.retained, true
}

// Info returns fit metadata.
func (m *Model) Info() Info { return m.info }

// Fitted reports whether Fit succeeded.
func (m *Model) Fitted() bool { return m.fitted }

// Coefficients returns a copy of the coefficient vector, ordered as Info().DesignColumns.
func (m *Model) Coefficients() []float64 { return slices.Clone(m.coef) }

func (m *Model) width() int {
	return 1 + len(m.controls) + m.units.width() + m.times.width()
}

func (m *Model) buildDesign(op string, p *panel.Prepared, rows []int, checkUnseen bool) (*mat.Dense, error) {
	if len(rows) == 0 {
		return nil, errs.Estimation(op, "no rows to build a design matrix for")
	}
	if m.width() == 1 {
		return nil, errs.Estimation(op, "design matrix lacks regressors; check untreated sample variation")
	}

	for j := range m.controls {
		for _, i := range rows {
			if math.IsNaN(p.Controls[j][i]) {
				return nil, errs.Estimation(op, "controls must be numeric for first-stage estimation")
			}
		}
	}

	if checkUnseen {
		units := make([]string, len(rows))
		times := make([]int, len(rows))
		for j, i := range rows {
			units[j] = p.Unit[i]
			times[j] = p.Time[i]
		}
		if unseen := m.units.unseen(units); len(unseen) > 0 {
			return nil, errs.Estimation(op, "encountered unseen unit ids during prediction: %v", unseen).
				WithContext("unseen_ids", unseen)
		}
		if unseen := m.times.unseen(times); len(unseen) > 0 {
			return nil, errs.Estimation(op, "encountered unseen time indices during prediction: %v", unseen).
				WithContext("unseen_times", unseen)
		}
	}

	ncontrols := len(m.controls)
	unitStart := 1 + ncontrols
	timeStart := unitStart + m.units.width()

	x := mat.NewDense(len(rows), m.width(), nil)
	for r, i := range rows {
		x.Set(r, 0, 1)
		for j := 0; j < ncontrols; j++ {
			x.Set(r, 1+j, p.Controls[j][i])
		}
		if off, _ := m.units.offset(p.Unit[i]); off >= 0 {
			x.Set(r, unitStart+off, 1)
		}
		if off, _ := m.times.offset(p.Time[i]); off >= 0 {
			x.Set(r, timeStart+off, 1)
		}
	}
	return x, nil
}

func (m *Model) designColumnNames() []string {
	cols := make([]string, 0, m.width())
	cols = append(cols, "intercept")
	cols = append(cols, m.controls...)
	for _, u := range m.units.levels {
		cols = append(cols, "id::"+u)
	}
	for _, t := range m.times.levels {
		cols = append(cols, "time::"+strconv.Itoa(t))
	}
	return cols
}

// MatrixRank counts singular values above max(r, c) * eps * sigma_max.
func MatrixRank(a mat.Matrix) (int, error) {
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDNone); !ok {
		return 0, fmt.Errorf("SVD did not converge")
	}
	values := svd.Values(nil)
	if len(values) == 0 {
		return 0, nil
	}
	r, c := a.Dims()
	tol := float64(max(r, c)) * epsilon * values[0]
	rank := 0
	for _, s := range values {
		if s > tol {
			rank++
		}
	}
	return rank, nil
}

// fatalCondition filters gonum's ill-conditioning warnings: only an exactly
// singular matrix is an error.
func fatalCondition(err error) error {
	if err == nil {
		return nil
	}
	var cond mat.Condition
	if errors.As(err, &cond) && !math.IsInf(float64(cond), 1) {
		return nil
	}
	return err
}
