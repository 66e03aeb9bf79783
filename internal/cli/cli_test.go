package cli

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"didimpute/internal/aggregate"
	"didimpute/internal/config"
	"didimpute/internal/exporter"
	"didimpute/internal/inference"
)

type testCLI struct {
	Fit        FitCmd        `cmd:""`
	Simulate   SimulateCmd   `cmd:""`
	MonteCarlo MonteCarloCmd `cmd:"" name:"montecarlo"`
	Compare    CompareCmd    `cmd:""`
}

// run parses args like the didimpute binary and runs the selected command.
func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var grammar testCLI
	parser, err := kong.New(&grammar, kong.Name("didimpute"), kong.Exit(func(int) { t.Fatal("unexpected exit") }))
	require.NoError(t, err)
	kctx, err := parser.Parse(args)
	require.NoError(t, err)

	var stdout, stderr bytes.Buffer
	err = kctx.Run(&Context{Stdout: &stdout, Stderr: &stderr, Config: config.Default()})
	return stdout.String(), stderr.String(), err
}

func simulatePanel(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "panel.csv")
	out, _, err := run(t, "simulate", "--dgp", "const_te", "--units", "40", "--periods", "10", "--seed", "7", "--out", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 400 rows")
	return path
}

func TestSimulateAndFit(t *testing.T) {
	dir := t.TempDir()
	data := simulatePanel(t, dir)
	summary := filepath.Join(dir, "out", "summary.csv")
	series := filepath.Join(dir, "out", "series.csv")
	report := filepath.Join(dir, "out", "report.xlsx")

	out, _, err := run(t, "fit", "--csv", data,
		"--y", "Y", "--id", "i", "--time", "t", "--ei", "Ei",
		"--horizons=-3:4", "--min-n", "5",
		"--out", summary, "--plot-data", series, "--xlsx", report)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "pretrend: ("), out)

	f, err := os.Open(summary)
	require.NoError(t, err)
	defer f.Close()
	rows, err := exporter.ReadSummaryCSV(f)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	for _, row := range rows {
		if row.K >= 0 {
			assert.InDelta(t, 1.0, row.Estimate, 0.2, "k=%d", row.K)
		}
		assert.Equal(t, aggregate.SchemeNobs, row.Scheme)
	}

	assert.FileExists(t, series)
	assert.FileExists(t, report)
}

func TestFitWritesSummaryToStdout(t *testing.T) {
	data := simulatePanel(t, t.TempDir())

	out, _, err := run(t, "fit", "--csv", data,
		"--y", "Y", "--id", "i", "--time", "t", "--ei", "Ei",
		"--horizons", "0:2", "--scheme", "equal", "--ci", "0.9")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "k,estimate,n,weight_scheme,se,ci_low,ci_high,ci_level", lines[0])
	assert.Contains(t, lines[1], ",equal,")
	assert.True(t, strings.HasSuffix(lines[1], ",0.9"), lines[1])
	assert.True(t, strings.HasPrefix(lines[4], "pretrend: ("))
}

func TestFitErrors(t *testing.T) {
	data := simulatePanel(t, t.TempDir())
	base := []string{"fit", "--csv", data, "--y", "Y", "--id", "i", "--time", "t"}

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"missing column", append(append([]string{}, base...), "--ei", "nope"), "nope"},
		{"bad horizons", append(append([]string{}, base...), "--ei", "Ei", "--horizons", "4:1"), "k_min <= k_max"},
		{"bad scheme", append(append([]string{}, base...), "--ei", "Ei", "--scheme", "median"), "weight_scheme"},
		{"bad seed", append(append([]string{}, base...), "--ei", "Ei", "--seed", "x"), "invalid seed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := run(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFitFromSQLRequiresDSN(t *testing.T) {
	_, _, err := run(t, "fit", "--query", "SELECT 1", "--y", "Y", "--id", "i", "--time", "t", "--ei", "Ei")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--dsn")
}

func TestEstimatorFlagsApply(t *testing.T) {
	ctx := &Context{Config: config.Default()}

	cfg, err := EstimatorFlags{Pretrends: unset, CI: unset, MinN: unset}.apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, aggregate.Horizon{Min: -5, Max: 10}, cfg.Horizons)
	assert.Equal(t, 5, cfg.Pretrends)
	assert.Nil(t, cfg.Seed)

	cfg, err = EstimatorFlags{Horizons: "-2:3", Scheme: "cohort_share", Pretrends: 0, CI: 0.8, MinN: 2, Seed: "42"}.apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, aggregate.Horizon{Min: -2, Max: 3}, cfg.Horizons)
	assert.Equal(t, aggregate.SchemeCohortShare, cfg.WeightScheme)
	assert.Equal(t, 0, cfg.Pretrends)
	assert.Equal(t, 0.8, cfg.CI)
	assert.Equal(t, 2, cfg.MinN)
	require.NotNil(t, cfg.Seed)
	assert.Equal(t, int64(42), *cfg.Seed)

	cfg, err = EstimatorFlags{Pretrends: unset, CI: 0, MinN: unset}.apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.0, cfg.CI)

	cfg, err = EstimatorFlags{Pretrends: unset, CI: unset, MinN: 0}.apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.MinN)
}

func TestFitRejectsExplicitZeros(t *testing.T) {
	dir := t.TempDir()
	data := simulatePanel(t, dir)
	base := []string{"fit", "--csv", data, "--y", "Y", "--id", "i", "--time", "t", "--ei", "Ei"}

	tests := []struct {
		name    string
		flags   []string
		wantErr string
	}{
		{"min-n", []string{"--min-n", "0"}, "minN must be at least one"},
		{"ci", []string{"--ci", "0"}, "ci must lie in (0,1)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := run(t, append(append([]string{}, base...), tt.flags...)...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestHorizonsNegativeMinNeedsEquals(t *testing.T) {
	data := simulatePanel(t, t.TempDir())
	base := []string{"fit", "--csv", data, "--y", "Y", "--id", "i", "--time", "t", "--ei", "Ei", "--min-n", "5"}

	parser, err := kong.New(&testCLI{}, kong.Name("didimpute"), kong.Exit(func(int) { t.Fatal("unexpected exit") }))
	require.NoError(t, err)
	_, err = parser.Parse(append(append([]string{}, base...), "--horizons", "-3:4"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--horizons")

	out, _, err := run(t, append(append([]string{}, base...), "--horizons=-3:4")...)
	require.NoError(t, err)
	assert.Contains(t, out, "\n-3,")
}

func TestPrintPretrend(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printPretrend(&buf, inference.PretrendResult{PValue: 0.25, DoF: 2, UsedKs: []int{-2, -1}}))
	assert.Equal(t, "pretrend: (0.2500, 2, [-2, -1])\n", buf.String())

	buf.Reset()
	require.NoError(t, printPretrend(&buf, inference.PretrendResult{PValue: math.NaN()}))
	assert.Equal(t, "pretrend: (NaN, 0, [])\n", buf.String())
}

func TestMonteCarlo(t *testing.T) {
	out := filepath.Join(t.TempDir(), "reps.csv")

	stdout, _, err := run(t, "montecarlo", "--reps", "3", "--workers", "2",
		"--units", "20", "--periods", "8", "--no-progress",
		"--est-horizons", "0:2", "--est-min-n", "1", "--out", out)
	require.NoError(t, err)
	assert.Contains(t, stdout, "replicates: 3 (failed 0)")
	assert.Contains(t, stdout, "truth: 1")
	assert.Contains(t, stdout, "k=0 reps=3")

	content, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	assert.Equal(t, "rep,seed,k,estimate,se,pvalue,error", lines[0])
	assert.Len(t, lines, 1+3*3)
}

func TestMonteCarloPretrendLookback(t *testing.T) {
	tests := []struct {
		name  string
		extra []string
		want  string
	}{
		{"capped by default", nil, "over 2 defined tests"},
		{"explicit full window", []string{"--est-pretrends", "5"}, "over 0 defined tests"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"montecarlo", "--dgp", "pretrend", "--reps", "2", "--workers", "1", "--no-progress"}, tt.extra...)
			stdout, _, err := run(t, args...)
			require.NoError(t, err)
			assert.Contains(t, stdout, tt.want)
		})
	}
}

func TestCompare(t *testing.T) {
	dir := t.TempDir()
	data := simulatePanel(t, dir)
	summary := filepath.Join(dir, "summary.csv")
	_, _, err := run(t, "fit", "--csv", data, "--y", "Y", "--id", "i", "--time", "t", "--ei", "Ei",
		"--horizons", "0:2", "--out", summary)
	require.NoError(t, err)

	out, _, err := run(t, "compare", summary, summary, "--label", "self")
	require.NoError(t, err)
	assert.Contains(t, out, "### self")
	assert.Contains(t, out, "- Rows compared: 3")
	assert.Contains(t, out, "- Max |delta estimate|: 0.0000")
}
