package services

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"didimpute/internal/aggregate"
	"didimpute/internal/estimator"
	"didimpute/internal/panel"
)

const (
	statusOK       = "ok"
	statusReady    = "ready"
	statusNotReady = "not_ready"
	statusAlive    = "alive"
)

// HealthService answers the health, readiness and version probes.
type HealthService struct {
	version    string
	buildTime  string
	estimation *EstimationService
	started    time.Time
	logger     *slog.Logger
}

// HealthStatus is the body of every health probe.
type HealthStatus struct {
	Status    string                      `json:"status"`
	Timestamp time.Time                   `json:"timestamp"`
	Version   string                      `json:"version"`
	Runtime   *RuntimeInfo                `json:"runtime,omitempty"`
	Services  map[string]EstimationHealth `json:"services,omitempty"`
}

// RuntimeInfo is reported by the liveness probe.
type RuntimeInfo struct {
	UptimeSeconds float64 `json:"uptime"`
	GoVersion     string  `json:"go_version"`
	Goroutines    int     `json:"goroutines"`
}

// EstimationHealth describes whether estimations can be served and under
// which defaults.
type EstimationHealth struct {
	Status     string             `json:"status"`
	Message    string             `json:"message,omitempty"`
	StoredRuns int                `json:"stored_runs"`
	StoreLimit int                `json:"store_limit"`
	Horizons   *aggregate.Horizon `json:"horizons,omitempty"`
	Scheme     aggregate.Scheme   `json:"weight_scheme,omitempty"`
	FE         estimator.FEMode   `json:"fe,omitempty"`
}

// NewHealthService creates a health service. A nil estimation service
// keeps readiness at not_ready.
func NewHealthService(version, buildTime string, estimation *EstimationService, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	hs := &HealthService{
		version:    version,
		buildTime:  buildTime,
		estimation: estimation,
		started:    time.Now(),
		logger:     logger.With(slog.String("component", "health_service")),
	}
	hs.logger.Info("health service initialized",
		slog.String("version", version),
		slog.String("build_time", buildTime))
	return hs
}

func (hs *HealthService) status(s string) HealthStatus {
	return HealthStatus{Status: s, Timestamp: time.Now().UTC(), Version: hs.version}
}

// HealthCheck always reports ok while the process serves requests.
func (hs *HealthService) HealthCheck(ctx context.Context) HealthStatus {
	return hs.status(statusOK)
}

// ReadinessCheck reports ready once the estimation defaults resolve to a
// valid configuration.
func (hs *HealthService) ReadinessCheck(ctx context.Context) HealthStatus {
	est := hs.estimationHealth()
	st := hs.status(statusReady)
	if est.Status != statusReady {
		st.Status = statusNotReady
		hs.logger.DebugContext(ctx, "readiness failed", slog.String("reason", est.Message))
	}
	st.Services = map[string]EstimationHealth{"estimation": est}
	return st
}

// LivenessCheck reports process runtime details.
func (hs *HealthService) LivenessCheck(ctx context.Context) HealthStatus {
	st := hs.status(statusAlive)
	st.Runtime = &RuntimeInfo{
		UptimeSeconds: time.Since(hs.started).Seconds(),
		GoVersion:     runtime.Version(),
		Goroutines:    runtime.NumGoroutine(),
	}
	return st
}

// Version returns build and platform information.
func (hs *HealthService) Version() map[string]interface{} {
	v := map[string]interface{}{
		"version":    hs.version,
		"go_version": runtime.Version(),
		"platform":   runtime.GOOS + "/" + runtime.GOARCH,
		"uptime":     time.Since(hs.started).Seconds(),
		"start_time": hs.started.UTC().Format(time.RFC3339),
	}
	if hs.buildTime != "" {
		v["build_time"] = hs.buildTime
	}
	return v
}

func (hs *HealthService) estimationHealth() EstimationHealth {
	if hs.estimation == nil {
		return EstimationHealth{Status: statusNotReady, Message: "estimation service not initialized"}
	}
	h := EstimationHealth{
		StoredRuns: hs.estimation.Len(),
		StoreLimit: hs.estimation.Limit(),
	}
	cfg, err := hs.estimation.BaseConfig()
	if err == nil {
		// bindings arrive per request; check the rest with placeholders
		probe := cfg
		probe.Columns = panel.Columns{Outcome: "y", Unit: "id", Time: "t", Adoption: "ei"}
		err = probe.Validate()
	}
	if err != nil {
		h.Status = statusNotReady
		h.Message = "invalid estimation defaults: " + err.Error()
		return h
	}
	h.Status = statusReady
	h.Horizons = &cfg.Horizons
	h.Scheme = cfg.WeightScheme
	h.FE = cfg.FE
	return h
}
