package exporter

import (
	"math"
	"strconv"
)

// formatFloat writes the shortest round-tripping form; undefined values are empty.
func formatFloat(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return ""
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// formatInt formats an int value for CSV output
func formatInt(i int) string {
	return strconv.Itoa(i)
}

// parseFloat reads a cell written by formatFloat; empty and NA cells are NaN.
func parseFloat(s string) (float64, error) {
	switch s {
	case "", "NA", "NaN", "nan":
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}
