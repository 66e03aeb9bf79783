package panel

import (
	"fmt"
	"math"
	"sort"
	"strings"

	errs "didimpute/internal/errors"
)

const opPrepare = "panel.Prepare"

// Columns binds panel columns to their roles. Controls, Weight and Cluster
// are optional.
type Columns struct {
	Outcome  string   `json:"y" yaml:"y" validate:"required"`
	Unit     string   `json:"id" yaml:"id" validate:"required"`
	Time     string   `json:"time" yaml:"time" validate:"required"`
	Adoption string   `json:"ei" yaml:"ei" validate:"required"`
	Controls []string `json:"controls,omitempty" yaml:"controls,omitempty"`
	Weight   string   `json:"weight,omitempty" yaml:"weight,omitempty"`
	Cluster  string   `json:"cluster,omitempty" yaml:"cluster,omitempty"`
}

// Prepared is a validated copy of a panel with per-row helper fields.
// Slices are indexed by row and must be treated as read-only.
type Prepared struct {
	Columns Columns
	Data    *Panel
	N       int

	Unit           []string
	Time           []int
	Adoption       []float64 // NaN for never-treated rows
	AdoptionFinite []bool
	K              []float64 // event time, NaN when never treated
	Treated        []bool    // post-adoption
	Untreated      []bool
	Weight         []float64
	Outcome        []float64   // NaN when non-numeric
	Controls       [][]float64 // [control][row], NaN when non-numeric
	Cluster        []string

	Diagnostics Diagnostics
}

// Prepare validates p against cols and derives the helper fields. The input
// panel is copied and never modified.
func Prepare(p *Panel, cols Columns) (*Prepared, error) {
	if p == nil {
		return nil, errs.Validation(opPrepare, "panel is nil")
	}
	if err := checkColumns(p, cols); err != nil {
		return nil, err
	}

	data := p.Clone()
	n := data.Len()
	out := &Prepared{
		Columns:        cols,
		Data:           data,
		N:              n,
		Unit:           make([]string, n),
		Time:           make([]int, n),
		Adoption:       make([]float64, n),
		AdoptionFinite: make([]bool, n),
		K:              make([]float64, n),
		Treated:        make([]bool, n),
		Untreated:      make([]bool, n),
		Weight:         make([]float64, n),
		Outcome:        make([]float64, n),
		Cluster:        make([]string, n),
	}

	for i, v := range data.Column(cols.Time) {
		f, ok := v.Float()
		if !ok || math.IsInf(f, 0) {
			return nil, errs.Validation(opPrepare,
				"time column %q must be integer-castable; row %d holds %q", cols.Time, i, v.String())
		}
		out.Time[i] = int(f)
	}

	for i, v := range data.Column(cols.Unit) {
		if v.IsNull() {
			return nil, errs.Validation(opPrepare, "unit column %q has a missing value in row %d", cols.Unit, i)
		}
		out.Unit[i] = v.String()
	}

	if err := checkDuplicates(out); err != nil {
		return nil, err
	}

	for i, v := range data.Column(cols.Adoption) {
		f, ok := v.Float()
		if !ok || math.IsInf(f, 0) {
			out.Adoption[i] = math.NaN()
			out.K[i] = math.NaN()
			out.Untreated[i] = true
			continue
		}
		adopt := math.Trunc(f)
		out.Adoption[i] = adopt
		out.AdoptionFinite[i] = true
		out.K[i] = float64(out.Time[i]) - adopt
		out.Treated[i] = float64(out.Time[i]) >= adopt
		out.Untreated[i] = !out.Treated[i]
	}

	if err := prepareWeights(out, data, cols.Weight); err != nil {
		return nil, err
	}

	for i, v := range data.Column(cols.Outcome) {
		out.Outcome[i] = v.FloatOrNaN()
	}
	out.Controls = make([][]float64, len(cols.Controls))
	for j, name := range cols.Controls {
		vals := make([]float64, n)
		for i, v := range data.Column(name) {
			vals[i] = v.FloatOrNaN()
		}
		out.Controls[j] = vals
	}

	clusterCol := cols.Unit
	if cols.Cluster != "" {
		clusterCol = cols.Cluster
		for i, v := range data.Column(cols.Cluster) {
			out.Cluster[i] = v.String()
		}
	} else {
		copy(out.Cluster, out.Unit)
	}

	untreated := 0
	for i := 0; i < n; i++ {
		if out.Untreated[i] && out.Weight[i] > 0 {
			untreated++
		}
	}
	if untreated == 0 {
		return nil, errs.Validation(opPrepare,
			"untreated sample is empty (no never-treated units and no not-yet-treated periods with positive weight); check adoption coding, weights, or extend the time window")
	}

	out.Diagnostics = diagnose(out, clusterCol)
	return out, nil
}

func checkColumns(p *Panel, cols Columns) error {
	var missing []string
	for _, name := range []string{cols.Outcome, cols.Unit, cols.Time, cols.Adoption} {
		if !p.Has(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return errs.Validation(opPrepare, "missing required columns: [%s]", strings.Join(missing, ", ")).
			WithContext("missing_columns", missing)
	}

	var missingControls []string
	for _, name := range cols.Controls {
		if !p.Has(name) {
			missingControls = append(missingControls, name)
		}
	}
	if len(missingControls) > 0 {
		return errs.Validation(opPrepare, "control columns not found: [%s]", strings.Join(missingControls, ", ")).
			WithContext("missing_columns", missingControls)
	}
	if cols.Weight != "" && !p.Has(cols.Weight) {
		return errs.Validation(opPrepare, "weight column %q not found", cols.Weight)
	}
	if cols.Cluster != "" && !p.Has(cols.Cluster) {
		return errs.Validation(opPrepare, "cluster column %q not found", cols.Cluster)
	}
	return nil
}

type unitTime struct {
	unit string
	time int
}

func checkDuplicates(p *Prepared) error {
	seen := make(map[unitTime]struct{}, p.N)
	var dups []string
	count := 0
	for i := 0; i < p.N; i++ {
		key := unitTime{p.Unit[i], p.Time[i]}
		if _, ok := seen[key]; ok {
			count++
			if len(dups) < 5 {
				dups = append(dups, fmt.Sprintf("(%s=%s, %s=%d)", p.Columns.Unit, key.unit, p.Columns.Time, key.time))
			}
			continue
		}
		seen[key] = struct{}{}
	}
	if count > 0 {
		return errs.Validation(opPrepare,
			"duplicate (id, time) rows detected (first five shown): [%s]; deduplicate or aggregate prior to estimation",
			strings.Join(dups, ", ")).WithContext("duplicates", count)
	}
	return nil
}

func prepareWeights(out *Prepared, data *Panel, column string) error {
	if column == "" {
		for i := range out.Weight {
			out.Weight[i] = 1.0
		}
		return nil
	}
	for i, v := range data.Column(column) {
		w, ok := v.Float()
		if !ok {
			out.Weight[i] = 0
			continue
		}
		if w < 0 {
			return errs.Validation(opPrepare,
				"weights must be non-negative; replace negatives with zero or drop affected rows (row %d)", i)
		}
		out.Weight[i] = w
	}
	return nil
}

func diagnose(p *Prepared, clusterCol string) Diagnostics {
	var order []string
	periods := make(map[string]map[int]struct{})
	pre := make(map[string]int)
	var treatedOrder []string

	for i := 0; i < p.N; i++ {
		u := p.Unit[i]
		if _, ok := periods[u]; !ok {
			periods[u] = make(map[int]struct{})
			order = append(order, u)
		}
		periods[u][p.Time[i]] = struct{}{}

		if p.AdoptionFinite[i] {
			if _, ok := pre[u]; !ok {
				pre[u] = 0
				treatedOrder = append(treatedOrder, u)
			}
			if float64(p.Time[i]) < p.Adoption[i] {
				pre[u]++
			}
		}
	}

	counts := make([]float64, len(order))
	distinct := make(map[int]struct{})
	for i, u := range order {
		c := len(periods[u])
		counts[i] = float64(c)
		distinct[c] = struct{}{}
	}

	var narrow []string
	for _, u := range treatedOrder {
		if pre[u] < 2 {
			narrow = append(narrow, u)
		}
	}
	sort.Strings(narrow)

	diag := Diagnostics{
		Balanced:      len(distinct) == 1,
		NUnits:        len(order),
		PeriodsByUnit: describe(counts),
		Warnings:      []string{},
		Cluster:       clusterCol,
	}
	if len(narrow) > 0 {
		diag.Warnings = append(diag.Warnings, narrowPreWarning(narrow))
	}
	return diag
}

func narrowPreWarning(units []string) string {
	shown := units
	suffix := ""
	if len(units) > 5 {
		shown = units[:5]
		suffix = "..."
	}
	quoted := make([]string, len(shown))
	for i, u := range shown {
		quoted[i] = fmt.Sprintf("'%s'", u)
	}
	return fmt.Sprintf("Units with fewer than two pre-periods: [%s]%s. Pretrend test may be unstable.",
		strings.Join(quoted, ", "), suffix)
}
