package cli

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/schollz/progressbar/v3"

	"didimpute/internal/exporter"
	"didimpute/internal/montecarlo"
	"didimpute/internal/simulate"
)

var replicateColumns = []string{"rep", "seed", "k", "estimate", "se", "pvalue", "error"}

type MonteCarloCmd struct {
	DGP      string  `name:"dgp" help:"Data-generating process." enum:"no_treat,const_te,pretrend" default:"const_te"`
	Reps     int     `help:"Number of replicates." default:"100"`
	Workers  int     `help:"Concurrent replicates (0 uses the configured worker count)."`
	Units    int     `help:"Units per panel."`
	Periods  int     `help:"Periods per panel."`
	TE       float64 `name:"te" help:"Treatment effect for const_te."`
	Sigma    float64 `help:"Noise standard deviation."`
	Seed     int64   `help:"Master seed." default:"123"`
	Out      string  `help:"Write per-replicate estimates to this CSV file." type:"path"`
	Progress bool    `help:"Show a progress bar." default:"true" negatable:""`

	EstimatorFlags `embed:"" prefix:"est-"`
}

// Help extends the generated usage text.
func (c *MonteCarloCmd) Help() string {
	return fmt.Sprintf("Unless --est-pretrends is given, the pretrend test looks back at most %d periods. "+
		"Simulated units adopt at t=%d, and a window covering every pre-period leaves the test undefined.",
		simulate.PretrendLookback, simulate.AdoptionPeriod)
}

func (c *MonteCarloCmd) Run(ctx *Context) error {
	dgp, params, err := simParams(c.DGP, c.Units, c.Periods, c.TE, c.Sigma, c.Seed)
	if err != nil {
		return err
	}
	est, err := c.apply(ctx)
	if err != nil {
		return err
	}
	est.Columns = simulate.Columns
	if c.Pretrends < 0 && est.Pretrends > simulate.PretrendLookback {
		est.Pretrends = simulate.PretrendLookback
	}

	workers := c.Workers
	if workers <= 0 {
		workers = ctx.settings().Estimation.Workers
	}

	opts := []montecarlo.Option{montecarlo.WithLogger(ctx.log())}
	if c.Progress {
		bar := progressbar.NewOptions(c.Reps,
			progressbar.OptionSetWriter(ctx.Stderr),
			progressbar.OptionSetDescription("replicates"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish())
		defer bar.Finish()
		opts = append(opts, montecarlo.WithProgress(func(done, total int) {
			_ = bar.Set(done)
		}))
	}

	var stream *exporter.StreamWriter
	var streamErr error
	if c.Out != "" {
		stream, err = exporter.NewCSVWriter("", ctx.log()).CreateStreamWriter(c.Out, replicateColumns)
		if err != nil {
			return err
		}
		opts = append(opts, montecarlo.WithObserver(func(rep montecarlo.Replicate) {
			for _, rec := range replicateRecords(rep) {
				if err := stream.WriteRecord(rec); err != nil && streamErr == nil {
					streamErr = err
				}
			}
		}))
	}

	summary, err := montecarlo.NewRunner(opts...).Run(ctx.runCtx(), montecarlo.Config{
		DGP:       dgp,
		Params:    params,
		Reps:      c.Reps,
		Workers:   workers,
		Estimator: est,
	})
	if stream != nil {
		if cerr := stream.Close(); cerr != nil && streamErr == nil {
			streamErr = cerr
		}
	}
	if err != nil {
		return err
	}
	if streamErr != nil {
		return fmt.Errorf("failed to write replicates: %w", streamErr)
	}

	ctx.log().Debug("monte carlo summary", slog.Int("failed", summary.Failed))
	return printStudy(ctx, summary)
}

func printStudy(ctx *Context, s *montecarlo.Summary) error {
	w := ctx.Stdout
	fmt.Fprintf(w, "replicates: %d (failed %d)\n", s.Reps, s.Failed)
	fmt.Fprintf(w, "truth: %g\n", s.Truth)
	fmt.Fprintf(w, "mean estimate (k>=0): %s\n", fmtStat(s.MeanEstimate))
	fmt.Fprintf(w, "coverage (k>=0): %s\n", fmtStat(s.Coverage))
	fmt.Fprintf(w, "pretrend rejection at %.2f: %s over %d defined tests\n",
		montecarlo.RejectionLevel, fmtStat(s.PretrendRejection), s.PretrendDefined)
	for _, k := range s.ByK {
		fmt.Fprintf(w, "  k=%d reps=%d mean=%s sd=%s coverage=%s\n",
			k.K, k.Reps, fmtStat(k.MeanEstimate), fmtStat(k.SDEstimate), fmtStat(k.Coverage))
	}
	return nil
}

func replicateRecords(rep montecarlo.Replicate) [][]string {
	index := strconv.Itoa(rep.Index)
	seed := strconv.FormatInt(rep.Seed, 10)
	pv := fmtCell(rep.PValue)
	if rep.Err != nil {
		return [][]string{{index, seed, "", "", "", pv, rep.Err.Error()}}
	}
	out := make([][]string, 0, len(rep.Summary))
	for _, row := range rep.Summary {
		out = append(out, []string{index, seed, strconv.Itoa(row.K), fmtCell(row.Estimate), fmtCell(row.SE), pv, ""})
	}
	return out
}

func fmtStat(f float64) string {
	if math.IsNaN(f) {
		return "NaN"
	}
	return strconv.FormatFloat(f, 'f', 4, 64)
}

func fmtCell(f float64) string {
	if math.IsNaN(f) {
		return ""
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
