package exporter

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"didimpute/internal/estimator"
)

// Sheet names of the XLSX report.
const (
	SheetSummary  = "Summary"
	SheetMeta     = "Meta"
	SheetWarnings = "Warnings"
)

// WriteXLSX writes a workbook with the summary table, run metadata and panel
// warnings.
func WriteXLSX(path string, res *estimator.Result) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return fmt.Errorf("failed to name summary sheet: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	summary := [][]interface{}{toRow(estimator.SummaryColumns)}
	for _, r := range res.Summary() {
		summary = append(summary, []interface{}{
			r.K, cell(r.Estimate), r.N, string(r.Scheme), cell(r.SE), cell(r.CILow), cell(r.CIHigh), cell(r.CILevel),
		})
	}
	if err := writeSheet(f, SheetSummary, summary, bold); err != nil {
		return err
	}

	meta := res.Meta
	fs := res.Intermediate.FirstStage
	seed := interface{}(nil)
	if meta.Seed != nil {
		seed = *meta.Seed
	}
	metaRows := [][]interface{}{
		{"key", "value"},
		{"pretrend_pvalue", cell(meta.Pretrend.PValue)},
		{"pretrend_dof", meta.Pretrend.DoF},
		{"pretrend_used_ks", joinInts(meta.Pretrend.UsedKs)},
		{"weight_scheme", string(meta.Aggregation.Scheme)},
		{"k_min", meta.Aggregation.Horizons.Min},
		{"k_max", meta.Aggregation.Horizons.Max},
		{"minN", meta.Aggregation.MinN},
		{"ci_level", res.Config.CI},
		{"balanced", meta.Panel.Balanced},
		{"n_units", meta.Panel.NUnits},
		{"cluster", meta.Panel.Cluster},
		{"first_stage_n_obs", fs.NObs},
		{"first_stage_rank", fs.Rank},
		{"baseline_id", fs.BaselineUnit},
		{"baseline_time", fs.BaselineTime},
		{"seed", seed},
	}
	if _, err := f.NewSheet(SheetMeta); err != nil {
		return fmt.Errorf("failed to create meta sheet: %w", err)
	}
	if err := writeSheet(f, SheetMeta, metaRows, bold); err != nil {
		return err
	}

	warnings := [][]interface{}{{"warning"}}
	for _, w := range res.Warnings() {
		warnings = append(warnings, []interface{}{w})
	}
	if _, err := f.NewSheet(SheetWarnings); err != nil {
		return fmt.Errorf("failed to create warnings sheet: %w", err)
	}
	if err := writeSheet(f, SheetWarnings, warnings, bold); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook: %w", err)
	}
	return nil
}

func writeSheet(f *excelize.File, sheet string, rows [][]interface{}, headerStyle int) error {
	for i, row := range rows {
		addr, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, addr, &row); err != nil {
			return fmt.Errorf("failed to write %s row %d: %w", sheet, i+1, err)
		}
	}
	if err := f.SetRowStyle(sheet, 1, 1, headerStyle); err != nil {
		return fmt.Errorf("failed to style %s header: %w", sheet, err)
	}
	return nil
}

// cell leaves undefined statistics blank.
func cell(f float64) interface{} {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

func toRow(names []string) []interface{} {
	row := make([]interface{}, len(names))
	for i, n := range names {
		row[i] = n
	}
	return row
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = formatInt(x)
	}
	return strings.Join(parts, ",")
}
