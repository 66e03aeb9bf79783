package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"didimpute/internal/app"
	"didimpute/internal/cli"
	"didimpute/internal/config"
	"didimpute/internal/infrastructure"
)

var CLI struct {
	Version kong.VersionFlag
	Config  string `help:"Config file path (YAML). DIDIMPUTE_* environment variables override it." type:"path"`

	Fit        cli.FitCmd        `cmd:"" help:"Estimate event-time effects from a panel."`
	Simulate   cli.SimulateCmd   `cmd:"" help:"Write a synthetic staggered-adoption panel."`
	MonteCarlo cli.MonteCarloCmd `cmd:"" name:"montecarlo" help:"Repeat simulate-then-estimate and report bias and coverage."`
	Compare    cli.CompareCmd    `cmd:"" help:"Compare two summary tables."`
	Serve      cli.ServeCmd      `cmd:"" help:"Start the HTTP API."`
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("didimpute"),
		kong.Description("Imputation-based difference-in-differences for staggered adoption"),
		kong.UsageOnError(),
		kong.Vars{"version": app.Version},
	)

	cfg, err := config.Load(CLI.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// serve logs JSON to stdout; the other commands keep stdout for results
	var logger *slog.Logger
	if ctx.Command() == "serve" {
		logger = infrastructure.InitializeLogger(cfg.Logging)
	} else {
		logger = infrastructure.NewLogger(cfg.Logging, os.Stderr)
	}

	appCtx := &cli.Context{
		Ctx:    context.Background(),
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Config: cfg,
		Logger: logger,
	}

	err = ctx.Run(appCtx)
	_ = infrastructure.CloseLogFile()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
