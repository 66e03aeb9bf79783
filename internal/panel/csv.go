package panel

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ReadCSV reads a headed CSV into a panel. Empty cells and NA markers are
// missing; everything else is kept as text and coerced on use.
func ReadCSV(r io.Reader) (*Panel, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read CSV header: empty input")
		}
		return nil, fmt.Errorf("read CSV header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	p := New(header...)
	if len(p.Names()) != len(header) {
		return nil, fmt.Errorf("read CSV header: duplicate column names in %v", header)
	}

	row := make([]Value, len(header))
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read CSV line %d: %w", line, err)
		}
		for i, cell := range record {
			row[i] = parseCell(cell)
		}
		if err := p.Append(row...); err != nil {
			return nil, fmt.Errorf("read CSV line %d: %w", line, err)
		}
	}
	return p, nil
}

// LoadCSV reads a panel from a CSV file.
func LoadCSV(path string) (*Panel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open panel CSV: %w", err)
	}
	defer f.Close()
	return ReadCSV(f)
}

func parseCell(cell string) Value {
	switch strings.TrimSpace(cell) {
	case "", "NA", "NaN", "nan", "null", "NULL":
		return Missing()
	}
	return Str(cell)
}

// WriteCSV writes the panel with a header row. Missing cells are empty.
func WriteCSV(w io.Writer, p *Panel) error {
	writer := csv.NewWriter(w)
	names := p.Names()
	if err := writer.Write(names); err != nil {
		return fmt.Errorf("write CSV header: %w", err)
	}
	record := make([]string, len(names))
	for i := 0; i < p.Len(); i++ {
		for j, name := range names {
			record[j] = p.Column(name)[i].String()
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write CSV row %d: %w", i, err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// SaveCSV writes the panel to path, creating parent directories.
func SaveCSV(path string, p *Panel) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create CSV file: %w", err)
	}
	if err := WriteCSV(f, p); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
