// Package exporter writes estimation results to disk.
//
// CSVWriter resolves relative paths against an output directory and handles
// headers, appends, streaming and an optional UTF-8 BOM for Excel. On top of
// it sit the result formats:
//
//   - the summary table (WriteSummary, ReadSummaryCSV), with undefined
//     statistics written as empty cells
//   - event-study plot series (WritePlotSeries) with k, estimate and the
//     confidence band, ready for any plotting tool
//   - an XLSX workbook with summary, metadata and warning sheets (WriteXLSX)
//   - a markdown comparison of two summary tables (Compare)
//
// Example usage:
//
//	w := exporter.NewCSVWriter("out", logger)
//	err := w.WriteSummary("summary.csv", result.Summary())
package exporter
