package exporter

import (
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// Compare reports how closely current matches reference, two summary CSVs
// joined on k. The report is a markdown section titled label.
func Compare(reference, current io.Reader, label string, tolEst, tolSE float64) (string, error) {
	ref, err := readTable(reference)
	if err != nil {
		return "", fmt.Errorf("reference: %w", err)
	}
	cur, err := readTable(current)
	if err != nil {
		return "", fmt.Errorf("current: %w", err)
	}

	title := "### " + label
	if !ref.has("k", "estimate") || !cur.has("k", "estimate") {
		return title + "\n- Missing required columns in one of the outputs.\n", nil
	}

	refByK := make(map[float64][]int)
	for i := range ref.records {
		k, err := ref.float(i, "k")
		if err != nil {
			return "", fmt.Errorf("reference: %w", err)
		}
		refByK[k] = append(refByK[k], i)
	}

	withSE := ref.has("se") && cur.has("se")
	var rows, estWithin, seWithin int
	maxDiff := math.NaN()
	for i := range cur.records {
		k, err := cur.float(i, "k")
		if err != nil {
			return "", fmt.Errorf("current: %w", err)
		}
		for _, j := range refByK[k] {
			rows++
			a, err := cur.float(i, "estimate")
			if err != nil {
				return "", fmt.Errorf("current: %w", err)
			}
			b, err := ref.float(j, "estimate")
			if err != nil {
				return "", fmt.Errorf("reference: %w", err)
			}
			d := math.Abs(a - b)
			if d <= tolEst {
				estWithin++
			}
			if !math.IsNaN(d) && (math.IsNaN(maxDiff) || d > maxDiff) {
				maxDiff = d
			}
			if withSE {
				sa, _ := cur.float(i, "se")
				sb, _ := ref.float(j, "se")
				if math.Abs(sa-sb) <= tolSE {
					seWithin++
				}
			}
		}
	}
	if rows == 0 {
		return title + "\n- No overlapping k values.\n", nil
	}

	lines := []string{
		title,
		fmt.Sprintf("- Rows compared: %d", rows),
		fmt.Sprintf("- Share(|delta estimate| <= %s): %.2f", formatTol(tolEst), float64(estWithin)/float64(rows)),
		fmt.Sprintf("- Max |delta estimate|: %.4f", maxDiff),
	}
	if withSE {
		seLine := fmt.Sprintf("- Share(|delta se| <= %s): %.2f", formatTol(tolSE), float64(seWithin)/float64(rows))
		lines = append(lines[:3], append([]string{seLine}, lines[3:]...)...)
	}
	return strings.Join(lines, "\n"), nil
}

// CompareFiles runs Compare on two CSV files.
func CompareFiles(referencePath, currentPath, label string, tolEst, tolSE float64) (string, error) {
	ref, err := os.Open(referencePath)
	if err != nil {
		return "", fmt.Errorf("open reference: %w", err)
	}
	defer ref.Close()
	cur, err := os.Open(currentPath)
	if err != nil {
		return "", fmt.Errorf("open current: %w", err)
	}
	defer cur.Close()
	return Compare(ref, cur, label, tolEst, tolSE)
}

func formatTol(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }
