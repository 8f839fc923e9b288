package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"carprice-aggregator/models"
)

// CSVWriter writes brand sync reports to a CSV file for manual review.
// It is safe for concurrent use.
type CSVWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

// NewCSVWriter creates (or truncates) the CSV file at the given path and
// writes the header row. Intermediate directories are created automatically.
func NewCSVWriter(path string) (*CSVWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("csv: create output dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("csv: create file %q: %w", path, err)
	}

	w := csv.NewWriter(f)
	if err := w.Write([]string{
		"kind", "name", "slug", "suggested_local", "confidence", "synced_at",
	}); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("csv: write header: %w", err)
	}
	w.Flush()

	return &CSVWriter{file: f, writer: w}, nil
}

// WriteReport appends one row per unmapped provider brand, unmatched local
// brand and auto-mapped proposal.
func (c *CSVWriter) WriteReport(report *models.SyncReport) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	synced := report.SyncedAt.Format(time.RFC3339)
	var rows [][]string
	for _, b := range report.UnmappedProvider {
		rows = append(rows, []string{"unmapped_provider", b.Name, b.Slug, "", "", synced})
	}
	for _, name := range report.UnmatchedLocal {
		rows = append(rows, []string{"unmatched_local", name, "", "", "", synced})
	}
	for _, m := range report.AutoMapped {
		rows = append(rows, []string{
			"auto_mapped", m.ProviderBrand, m.ProviderSlug, m.LocalBrand,
			strconv.FormatFloat(m.Confidence, 'f', 2, 64), synced,
		})
	}

	if err := c.writer.WriteAll(rows); err != nil {
		return fmt.Errorf("csv: write rows: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (c *CSVWriter) Close() error {
	c.writer.Flush()
	return c.file.Close()
}
