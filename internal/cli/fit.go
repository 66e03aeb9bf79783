package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"didimpute/internal/estimator"
	"didimpute/internal/exporter"
	"didimpute/internal/inference"
	"didimpute/internal/panel"
	"didimpute/internal/simulate"
)

type FitCmd struct {
	CSV       string `name:"csv" help:"Panel CSV file." type:"existingfile" xor:"source"`
	SQLDriver string `name:"sql-driver" help:"Database driver for --query: mysql or sqlite." enum:"mysql,sqlite" default:"sqlite"`
	DSN       string `name:"dsn" help:"Database DSN or mysql:// URL."`
	Query     string `help:"SQL query returning one row per unit and period." xor:"source"`

	Y        string `name:"y" help:"Outcome column." required:""`
	ID       string `name:"id" help:"Unit id column." required:""`
	Time     string `help:"Period column." required:""`
	Ei       string `name:"ei" help:"Adoption period column (empty for never-treated)." required:""`
	Controls string `help:"Comma-separated control columns."`
	Weight   string `help:"Observation weight column."`
	Cluster  string `help:"Cluster id column for standard errors."`

	EstimatorFlags `embed:""`

	Out      string `help:"Write the summary table to this CSV file instead of stdout." type:"path"`
	XLSX     string `name:"xlsx" help:"Write an Excel report." type:"path"`
	PlotData string `name:"plot-data" help:"Write the event-time plot series CSV." type:"path"`
}

func (c *FitCmd) Run(ctx *Context) error {
	ctx.Ctx = ctx.runCtx()
	cfg, err := c.apply(ctx)
	if err != nil {
		return err
	}
	cfg.Columns = panel.Columns{
		Outcome:  c.Y,
		Unit:     c.ID,
		Time:     c.Time,
		Adoption: c.Ei,
		Controls: splitList(c.Controls),
		Weight:   c.Weight,
		Cluster:  c.Cluster,
	}

	data, err := c.load(ctx)
	if err != nil {
		return err
	}

	res, err := estimator.New(cfg,
		estimator.WithLogger(ctx.log()),
		estimator.WithSeedHook(simulate.SetSeed),
	).Fit(ctx.runCtx(), data)
	if err != nil {
		return err
	}

	if w := panel.FormatWarnings(res.Warnings()); w != "" {
		fmt.Fprintln(ctx.Stderr, w)
	}
	return c.write(ctx, res)
}

func (c *FitCmd) load(ctx *Context) (*panel.Panel, error) {
	switch {
	case c.CSV != "":
		return panel.LoadCSV(c.CSV)
	case c.Query != "":
		if c.DSN == "" {
			return nil, errors.New("--dsn is required with --query")
		}
		db, err := panel.OpenDB(c.SQLDriver, c.DSN)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		ctx.log().Debug("loading panel from database", slog.String("driver", c.SQLDriver))
		return panel.LoadSQL(ctx.runCtx(), db, c.Query)
	default:
		return nil, errors.New("one of --csv or --query is required")
	}
}

func (c *FitCmd) write(ctx *Context, res *estimator.Result) error {
	rows := res.Summary()
	if c.Out != "" {
		if err := exporter.NewCSVWriter("", ctx.log()).WriteSummary(c.Out, rows); err != nil {
			return fmt.Errorf("failed to write summary: %w", err)
		}
	} else if err := exporter.WriteSummary(ctx.Stdout, rows); err != nil {
		return err
	}
	if c.PlotData != "" {
		if err := exporter.NewCSVWriter("", ctx.log()).WritePlotSeries(c.PlotData, rows); err != nil {
			return fmt.Errorf("failed to write plot series: %w", err)
		}
	}
	if c.XLSX != "" {
		if err := exporter.WriteXLSX(c.XLSX, res); err != nil {
			return err
		}
	}
	return printPretrend(ctx.Stdout, res.Meta.Pretrend)
}

// printPretrend writes "pretrend: (pvalue, dof, [ks])".
func printPretrend(w io.Writer, p inference.PretrendResult) error {
	ks := make([]string, len(p.UsedKs))
	for i, k := range p.UsedKs {
		ks[i] = strconv.Itoa(k)
	}
	pv := "NaN"
	if !math.IsNaN(p.PValue) {
		pv = strconv.FormatFloat(p.PValue, 'f', 4, 64)
	}
	_, err := fmt.Fprintf(w, "pretrend: (%s, %d, [%s])\n", pv, p.DoF, strings.Join(ks, ", "))
	return err
}
