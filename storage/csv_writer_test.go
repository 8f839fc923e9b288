package storage

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"carprice-aggregator/models"
)

func TestCSVWriterWriteReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "unmapped.csv")
	w, err := NewCSVWriter(path)
	if err != nil {
		t.Fatal(err)
	}

	report := &models.SyncReport{
		UnmappedProvider: []models.Brand{{Name: "Geely", Slug: "geely"}},
		UnmatchedLocal:   []string{"Lada"},
		AutoMapped: []models.BrandMapping{
			{LocalBrand: "Chery", ProviderBrand: "Cherry", ProviderSlug: "cherry", Confidence: 0.9},
		},
		SyncedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := w.WriteReport(report); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 {
		t.Fatalf("rows: got %d, want 4 (header + 3)", len(rows))
	}
	if rows[1][0] != "unmapped_provider" || rows[1][1] != "Geely" {
		t.Errorf("first row: got %v", rows[1])
	}
	if rows[3][3] != "Chery" || rows[3][4] != "0.90" {
		t.Errorf("auto-mapped row: got %v", rows[3])
	}
}
