// Package services implements the business logic layer between the HTTP
// handlers and the estimation pipeline.
//
// # Estimation
//
// EstimationService turns a request into an estimator.Config by layering the
// request on top of the configured defaults, runs the fit, records metrics
// and keeps the result in a bounded in-memory store keyed by a UUID run id:
//
//	svc := services.NewEstimationService(cfg.Estimation, metrics, logger)
//	run, err := svc.Estimate(ctx, estCfg, data)
//	...
//	run, err = svc.Get(run.ID)
//
// The store keeps the most recent runs only; older ones are evicted in
// insertion order.
//
// # Health
//
// HealthService reports liveness, readiness and build information.
package services
