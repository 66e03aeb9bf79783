package exporter

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"didimpute/internal/aggregate"
	"didimpute/internal/estimator"
)

// PlotColumns is the header of plot series files.
var PlotColumns = []string{"k", "estimate", "ci_low", "ci_high"}

// SummaryRecords renders summary rows in estimator.SummaryColumns order.
func SummaryRecords(rows []estimator.SummaryRow) [][]string {
	records := make([][]string, len(rows))
	for i, r := range rows {
		records[i] = []string{
			formatInt(r.K),
			formatFloat(r.Estimate),
			formatInt(r.N),
			string(r.Scheme),
			formatFloat(r.SE),
			formatFloat(r.CILow),
			formatFloat(r.CIHigh),
			formatFloat(r.CILevel),
		}
	}
	return records
}

// PlotRecords renders the event-study series.
func PlotRecords(rows []estimator.SummaryRow) [][]string {
	records := make([][]string, len(rows))
	for i, r := range rows {
		records[i] = []string{formatInt(r.K), formatFloat(r.Estimate), formatFloat(r.CILow), formatFloat(r.CIHigh)}
	}
	return records
}

// WriteSummary writes the summary table. An empty summary is a header-only file.
func WriteSummary(w io.Writer, rows []estimator.SummaryRow) error {
	return writeTable(w, estimator.SummaryColumns, SummaryRecords(rows))
}

// WritePlotSeries writes k, estimate and the confidence band per row.
func WritePlotSeries(w io.Writer, rows []estimator.SummaryRow) error {
	return writeTable(w, PlotColumns, PlotRecords(rows))
}

// WriteSummary writes the summary table to filePath.
func (w *CSVWriter) WriteSummary(filePath string, rows []estimator.SummaryRow) error {
	return w.WriteTable(filePath, estimator.SummaryColumns, SummaryRecords(rows))
}

// WritePlotSeries writes the plot series to filePath.
func (w *CSVWriter) WritePlotSeries(filePath string, rows []estimator.SummaryRow) error {
	return w.WriteTable(filePath, PlotColumns, PlotRecords(rows))
}

func writeTable(w io.Writer, header []string, records [][]string) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}
	if err := writer.WriteAll(records); err != nil {
		return fmt.Errorf("failed to write records: %w", err)
	}
	return nil
}

// table is a CSV read into lower-cased columns.
type table struct {
	index   map[string]int
	records [][]string
}

func readTable(r io.Reader) (*table, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read CSV header: empty input")
		}
		return nil, fmt.Errorf("read CSV header: %w", err)
	}
	t := &table{index: make(map[string]int, len(header))}
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		t.index[name] = i
	}
	t.records, err = reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read CSV records: %w", err)
	}
	return t, nil
}

func (t *table) has(cols ...string) bool {
	for _, c := range cols {
		if _, ok := t.index[c]; !ok {
			return false
		}
	}
	return true
}

// float returns column col of record i, NaN when absent or empty.
func (t *table) float(i int, col string) (float64, error) {
	j, ok := t.index[col]
	if !ok {
		return math.NaN(), nil
	}
	v, err := parseFloat(strings.TrimSpace(t.records[i][j]))
	if err != nil {
		return 0, fmt.Errorf("row %d column %s: %w", i+1, col, err)
	}
	return v, nil
}

func (t *table) text(i int, col string) string {
	j, ok := t.index[col]
	if !ok {
		return ""
	}
	return t.records[i][j]
}

// ReadSummaryCSV parses a summary table. Headers are case-insensitive and
// only k and estimate are required; other missing columns read as NaN.
func ReadSummaryCSV(r io.Reader) ([]estimator.SummaryRow, error) {
	t, err := readTable(r)
	if err != nil {
		return nil, err
	}
	if !t.has("k", "estimate") {
		return nil, fmt.Errorf("summary CSV must contain k and estimate columns")
	}

	rows := make([]estimator.SummaryRow, len(t.records))
	for i := range t.records {
		k, err := t.float(i, "k")
		if err != nil || math.IsNaN(k) {
			return nil, fmt.Errorf("row %d: invalid k %q", i+1, t.text(i, "k"))
		}
		row := estimator.SummaryRow{Row: aggregate.Row{K: int(k), Scheme: aggregate.Scheme(t.text(i, "weight_scheme"))}}
		if n := strings.TrimSpace(t.text(i, "n")); n != "" {
			if row.N, err = strconv.Atoi(n); err != nil {
				return nil, fmt.Errorf("row %d: invalid n %q", i+1, n)
			}
		}
		for _, f := range []struct {
			col string
			dst *float64
		}{
			{"estimate", &row.Estimate},
			{"se", &row.SE},
			{"ci_low", &row.CILow},
			{"ci_high", &row.CIHigh},
			{"ci_level", &row.CILevel},
		} {
			if *f.dst, err = t.float(i, f.col); err != nil {
				return nil, err
			}
		}
		rows[i] = row
	}
	return rows, nil
}
