package http

import (
	"context"

	"didimpute/internal/estimator"
	"didimpute/internal/panel"
	"didimpute/internal/services"
)

// EstimationServiceInterface defines the estimation operations used by the
// handlers.
type EstimationServiceInterface interface {
	BaseConfig() (estimator.Config, error)
	Estimate(ctx context.Context, cfg estimator.Config, data *panel.Panel) (*services.Run, error)
	Get(id string) (*services.Run, error)
	List() []services.RunInfo
}
