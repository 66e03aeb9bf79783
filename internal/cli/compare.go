package cli

import (
	"fmt"

	"didimpute/internal/exporter"
)

// CompareCmd diffs two summary CSVs on k and prints a markdown report.
type CompareCmd struct {
	Reference string  `arg:"" help:"Reference summary CSV." type:"existingfile"`
	Current   string  `arg:"" help:"Summary CSV to check." type:"existingfile"`
	Label     string  `help:"Report heading." default:"comparison"`
	TolEst    float64 `name:"tol-est" help:"Tolerance for estimates." default:"1e-6"`
	TolSE     float64 `name:"tol-se" help:"Tolerance for standard errors." default:"1e-6"`
}

func (c *CompareCmd) Run(ctx *Context) error {
	report, err := exporter.CompareFiles(c.Reference, c.Current, c.Label, c.TolEst, c.TolSE)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(ctx.Stdout, report)
	return err
}
