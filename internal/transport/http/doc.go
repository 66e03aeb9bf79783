// Package http implements the HTTP handlers of the estimation API. Handlers
// stay thin: they decode and validate requests, delegate to the service layer
// and render responses.
//
// # Endpoints
//
//	POST /api/v1/estimate                   fit a panel, returns the stored run
//	GET  /api/v1/estimate                   list stored runs
//	GET  /api/v1/estimate/{id}              fetch a stored run
//	GET  /api/v1/estimate/{id}/summary.csv  the run summary as CSV
//	GET  /api/health                        health, readiness and liveness
//
// # Errors
//
// Failures are rendered as RFC 7807 problem details through
// errors.ErrorHandler: validation failures map to 400, estimation failures to
// 422, unknown runs to 404 and the absorbing fixed-effects mode to 501.
package http
