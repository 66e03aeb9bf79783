// Package firststage fits the untreated-outcome model used to impute
// counterfactuals: a weighted two-way fixed-effects regression estimated on
// never-treated and not-yet-treated rows only.
package firststage
