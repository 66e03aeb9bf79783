// Package cli implements the didimpute subcommands. Each command is a kong
// struct whose Run method receives a *Context.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"didimpute/internal/aggregate"
	"didimpute/internal/config"
	"didimpute/internal/estimator"
	"didimpute/internal/infrastructure"
	"didimpute/internal/services"
)

type Context struct {
	Ctx    context.Context
	Stdout io.Writer
	Stderr io.Writer
	Config *config.Config
	Logger *slog.Logger
}

func (c *Context) runCtx() context.Context {
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return infrastructure.EnsureTraceID(ctx)
}

func (c *Context) settings() *config.Config {
	if c.Config == nil {
		return config.Default()
	}
	return c.Config
}

func (c *Context) log() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c.Logger
}

// unset marks a numeric estimator flag the user did not pass. Explicit
// zeros reach Config.Validate.
const unset = -1

// EstimatorFlags are the estimation settings shared by fit and montecarlo.
// Empty strings and unset numbers keep the configured defaults.
type EstimatorFlags struct {
	Horizons  string  `help:"Event-time window as kmin:kmax. Attach a negative kmin with '=' (e.g. =-5:10)."`
	Scheme    string  `help:"Aggregation weights: nobs, equal or cohort_share."`
	Pretrends int     `help:"Number of placebo event times in the pretrend test (-1 keeps the default)." default:"-1"`
	CI        float64 `name:"ci" help:"Confidence level in (0,1) (-1 keeps the default)." default:"-1"`
	MinN      int     `name:"min-n" help:"Minimum observations per event time (-1 keeps the default)." default:"-1"`
	Seed      string  `help:"Seed forwarded to the simulation generator."`
}

// apply overlays the flags on the configured estimator defaults.
func (f EstimatorFlags) apply(c *Context) (estimator.Config, error) {
	cfg, err := services.NewEstimationService(c.settings().Estimation, nil, c.log()).BaseConfig()
	if err != nil {
		return cfg, err
	}
	if f.Horizons != "" {
		h, err := estimator.ParseHorizons(f.Horizons)
		if err != nil {
			return cfg, err
		}
		cfg.Horizons = h
	}
	if f.Scheme != "" {
		scheme, err := aggregate.ParseScheme(f.Scheme)
		if err != nil {
			return cfg, err
		}
		cfg.WeightScheme = scheme
	}
	if f.Pretrends >= 0 {
		cfg.Pretrends = f.Pretrends
	}
	if f.CI != unset {
		cfg.CI = f.CI
	}
	if f.MinN != unset {
		cfg.MinN = f.MinN
	}
	if f.Seed != "" {
		seed, err := strconv.ParseInt(f.Seed, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid seed %q: %w", f.Seed, err)
		}
		cfg.Seed = &seed
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
