// Package app wires the estimation HTTP service together: telemetry,
// services, handlers, middleware and the HTTP server.
//
// # Initialization Flow
//
//  1. The caller loads configuration and builds the logger
//  2. NewApplication initializes OpenTelemetry and the estimation metrics
//  3. Services are created with their dependencies
//  4. The chi router is assembled with middleware and handlers
//  5. Run serves until interrupted, then shuts down gracefully
//
// # Usage
//
//	cfg, err := config.Load("")
//	...
//	a, err := app.NewApplication(cfg, infrastructure.InitializeLogger(cfg.Logging))
//	...
//	return a.Run(ctx)
//
// # Graceful Shutdown
//
// SIGINT and SIGTERM stop accepting connections, let in-flight requests
// finish within Server.ShutdownTimeout and flush telemetry.
//
// The package never calls os.Exit; errors are returned to the caller.
package app
