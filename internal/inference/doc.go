// Package inference attaches standard errors and confidence intervals to
// event-time estimates and runs the joint pretrend test on placebo cells.
//
// Standard errors for the nobs scheme follow a two-component delta method
// when the first stage retained its fit artifacts: a cluster-robust variance
// of the treated residuals plus the donor-side variance that propagates
// first-stage estimation error. Every other case falls back to an
// intercept-only cluster-robust regression of the cell effects by unit.
package inference
