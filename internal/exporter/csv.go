package exporter

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// CSVWriter writes run artifacts (summary tables, plot series, replicate
// logs) as CSV files under an output directory.
type CSVWriter struct {
	dir    string
	logger *slog.Logger
}

// NewCSVWriter creates a writer that resolves relative paths against dir.
// An empty dir means the working directory.
func NewCSVWriter(dir string, logger *slog.Logger) *CSVWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CSVWriter{dir: dir, logger: logger}
}

type fileOptions struct {
	append bool
	bom    bool
}

// FileOption adjusts how WriteTable opens and starts a file.
type FileOption func(*fileOptions)

// Appending adds records to the end of an existing file. The header is
// written only when the file is new or empty.
func Appending() FileOption {
	return func(o *fileOptions) { o.append = true }
}

// WithBOM starts a new file with a UTF-8 byte order mark so spreadsheet
// tools detect the encoding.
func WithBOM() FileOption {
	return func(o *fileOptions) { o.bom = true }
}

// WriteTable writes header and records to filePath, creating parent
// directories.
func (w *CSVWriter) WriteTable(filePath string, header []string, records [][]string, opts ...FileOption) error {
	var o fileOptions
	for _, opt := range opts {
		opt(&o)
	}

	flag := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if o.append {
		flag = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	file, fullPath, err := w.open(filePath, flag)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	fresh := info.Size() == 0

	w.logger.Debug("writing CSV table",
		slog.String("path", fullPath),
		slog.Int("records", len(records)),
		slog.Bool("append", o.append))

	if fresh && o.bom {
		if _, err := file.Write(utf8BOM); err != nil {
			return fmt.Errorf("failed to write BOM: %w", err)
		}
	}
	if fresh && len(header) > 0 {
		return writeTable(file, header, records)
	}
	writer := csv.NewWriter(file)
	if err := writer.WriteAll(records); err != nil {
		return fmt.Errorf("failed to write records: %w", err)
	}
	return nil
}

// StreamWriter writes records one at a time, e.g. per simulation replicate.
type StreamWriter struct {
	file   *os.File
	writer *csv.Writer
	count  int
}

// CreateStreamWriter truncates filePath and writes headers to it.
func (w *CSVWriter) CreateStreamWriter(filePath string, headers []string) (*StreamWriter, error) {
	file, fullPath, err := w.open(filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
	if err != nil {
		return nil, err
	}
	w.logger.Debug("opened CSV stream", slog.String("path", fullPath), slog.Int("columns", len(headers)))

	s := &StreamWriter{file: file, writer: csv.NewWriter(file)}
	if len(headers) > 0 {
		if err := s.writer.Write(headers); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to write headers: %w", err)
		}
	}
	return s, nil
}

// WriteRecord buffers one record.
func (s *StreamWriter) WriteRecord(record []string) error {
	if err := s.writer.Write(record); err != nil {
		return err
	}
	s.count++
	return nil
}

// Count is the number of records written so far, excluding the header.
func (s *StreamWriter) Count() int { return s.count }

// Close flushes and closes the stream writer
func (s *StreamWriter) Close() error {
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

func (w *CSVWriter) open(filePath string, flag int) (*os.File, string, error) {
	fullPath := filePath
	if !filepath.IsAbs(filePath) && w.dir != "" {
		fullPath = filepath.Join(w.dir, filePath)
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return nil, fullPath, fmt.Errorf("failed to create directory: %w", err)
	}
	file, err := os.OpenFile(fullPath, flag, 0644)
	if err != nil {
		return nil, fullPath, fmt.Errorf("failed to open file: %w", err)
	}
	return file, fullPath, nil
}
