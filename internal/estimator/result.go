package estimator

import (
	"encoding/json"
	"slices"

	"didimpute/internal/aggregate"
	"didimpute/internal/effects"
	"didimpute/internal/firststage"
	"didimpute/internal/inference"
	"didimpute/internal/panel"
)

// SummaryRow is one event-time row of the summary table.
type SummaryRow = inference.Row

// SummaryColumns is the column order of the summary table.
var SummaryColumns = []string{"k", "estimate", "n", "weight_scheme", "se", "ci_low", "ci_high", "ci_level"}

// Result is the output of a fit.
type Result struct {
	Config       Config
	Meta         Meta
	Intermediate Intermediate

	summary []SummaryRow
}

// Meta carries run-level diagnostics.
type Meta struct {
	Pretrend    inference.PretrendResult `json:"pretrend"`
	Panel       panel.Diagnostics        `json:"panel"`
	Aggregation Aggregation              `json:"aggregation"`
	Seed        *int64                   `json:"seed,omitempty"`
}

// Aggregation records the settings the summary was built with.
type Aggregation struct {
	Scheme   aggregate.Scheme  `json:"scheme"`
	Horizons aggregate.Horizon `json:"horizons"`
	MinN     int               `json:"minN"`
}

// Intermediate exposes pipeline internals for inspection. Masks are
// row-aligned with the prepared panel and are summarised as counts in JSON.
type Intermediate struct {
	FirstStage firststage.Info `json:"first_stage"`
	Masks      effects.Masks   `json:"-"`
}

// Summary returns a copy of the summary rows sorted by k. It is empty, not
// nil, when no event time qualified.
func (r *Result) Summary() []SummaryRow {
	out := make([]SummaryRow, len(r.summary))
	copy(out, r.summary)
	slices.SortFunc(out, func(a, b SummaryRow) int { return a.K - b.K })
	return out
}

// Warnings returns the panel warnings collected during preparation.
func (r *Result) Warnings() []string { return r.Meta.Panel.Warnings }

// MarshalJSON writes the result with its summary table.
func (r *Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Config     Config          `json:"config"`
		Summary    []SummaryRow    `json:"summary"`
		Meta       Meta            `json:"meta"`
		FirstStage firststage.Info `json:"first_stage"`
		MaskCounts map[string]int  `json:"mask_counts"`
	}{
		Config:     r.Config,
		Summary:    r.Summary(),
		Meta:       r.Meta,
		FirstStage: r.Intermediate.FirstStage,
		MaskCounts: r.Intermediate.Masks.Count(),
	})
}
