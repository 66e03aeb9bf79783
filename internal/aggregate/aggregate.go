// Package aggregate averages cell-level effects into event-time estimates.
package aggregate

import (
	"math"
	"sort"

	errs "didimpute/internal/errors"
)

// Scheme selects how cells are weighted within an event time.
type Scheme string

const (
	SchemeNobs        Scheme = "nobs"
	SchemeEqual       Scheme = "equal"
	SchemeCohortShare Scheme = "cohort_share"
)

// ParseScheme validates a weighting scheme name.
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(s) {
	case SchemeNobs, SchemeEqual, SchemeCohortShare:
		return Scheme(s), nil
	}
	return "", errs.Validation("aggregate.ParseScheme",
		"weight_scheme must be one of {'nobs','equal','cohort_share'}").WithContext("weight_scheme", s)
}

// Horizon is an inclusive event-time window.
type Horizon struct {
	Min int `json:"k_min" yaml:"k_min"`
	Max int `json:"k_max" yaml:"k_max" validate:"gtefield=Min"`
}

// Contains reports whether k lies in the window.
func (h Horizon) Contains(k int) bool { return k >= h.Min && k <= h.Max }

// Input carries row-aligned cell effects.
type Input struct {
	Tau     []float64
	K       []float64
	Mask    []bool
	Cohort  []float64
	Scheme  Scheme
	Horizon Horizon
	MinN    int
}

// Row is one event-time estimate.
type Row struct {
	K        int     `json:"k"`
	Estimate float64 `json:"estimate"`
	N        int     `json:"n"`
	Scheme   Scheme  `json:"weight_scheme"`
}

type cell struct {
	sum float64
	n   int
}

func (c cell) mean() float64 { return c.sum / float64(c.n) }

type bucket struct {
	all     cell
	cohorts map[float64]*cell
}

// EventTime aggregates masked, finite cells inside the horizon. Event times
// with fewer than MinN cells are dropped. Rows are sorted by k and the result
// is empty, not nil, when nothing qualifies.
func EventTime(in Input) ([]Row, error) {
	if _, err := ParseScheme(string(in.Scheme)); err != nil {
		return nil, err
	}

	buckets := make(map[int]*bucket)
	for i, selected := range in.Mask {
		if !selected {
			continue
		}
		tau, k, cohort := in.Tau[i], in.K[i], in.Cohort[i]
		if !isFinite(tau) || !isFinite(k) || !isFinite(cohort) {
			continue
		}
		ki := int(k)
		if !in.Horizon.Contains(ki) {
			continue
		}
		b, ok := buckets[ki]
		if !ok {
			b = &bucket{cohorts: make(map[float64]*cell)}
			buckets[ki] = b
		}
		b.all.sum += tau
		b.all.n++
		c, ok := b.cohorts[cohort]
		if !ok {
			c = &cell{}
			b.cohorts[cohort] = c
		}
		c.sum += tau
		c.n++
	}

	rows := make([]Row, 0, len(buckets))
	for k, b := range buckets {
		if b.all.n < in.MinN {
			continue
		}
		rows = append(rows, Row{K: k, Estimate: b.estimate(in.Scheme), N: b.all.n, Scheme: in.Scheme})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].K < rows[j].K })
	return rows, nil
}

func (b *bucket) estimate(scheme Scheme) float64 {
	switch scheme {
	case SchemeEqual:
		// cohorts visited in sorted order so the sum is reproducible
		keys := make([]float64, 0, len(b.cohorts))
		for g := range b.cohorts {
			keys = append(keys, g)
		}
		sort.Float64s(keys)
		total := 0.0
		for _, g := range keys {
			total += b.cohorts[g].mean()
		}
		return total / float64(len(keys))
	case SchemeCohortShare:
		keys := make([]float64, 0, len(b.cohorts))
		for g := range b.cohorts {
			keys = append(keys, g)
		}
		sort.Float64s(keys)
		total := 0.0
		for _, g := range keys {
			c := b.cohorts[g]
			total += float64(c.n) / float64(b.all.n) * c.mean()
		}
		return total
	default:
		return b.all.mean()
	}
}

func isFinite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
