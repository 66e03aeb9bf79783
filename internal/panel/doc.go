// Package panel holds long-format panel data and prepares it for estimation.
//
// A Panel is a small columnar table whose cells are numbers, strings or
// missing values. Panels come from CSV files (ReadCSV, LoadCSV), SQL queries
// against MySQL/MariaDB or SQLite (OpenDB, LoadSQL), JSON row maps
// (FromRecords), or are built row by row with Append.
//
// Prepare validates a panel against its column bindings and derives the
// per-row fields every later stage works from: integer time, adoption period,
// event time k = time - adoption, treatment status, weights and cluster ids.
// It also reports balance diagnostics and warnings that do not stop a fit.
package panel
