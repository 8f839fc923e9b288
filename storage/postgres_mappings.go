package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"carprice-aggregator/models"
)

// PostgresMappingStore persists brand mappings to PostgreSQL.
type PostgresMappingStore struct {
	db *sql.DB
}

// NewPostgresMappingStore opens a connection to PostgreSQL, runs schema
// migrations, and returns a ready-to-use store.
func NewPostgresMappingStore(dsn string) (*PostgresMappingStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	for i := 0; i < 5; i++ {
		if err = db.Ping(); err == nil {
			break
		}
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping failed after retries: %w", err)
	}

	return newPostgresMappingStore(db)
}

func newPostgresMappingStore(db *sql.DB) (*PostgresMappingStore, error) {
	s := &PostgresMappingStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresMappingStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS brand_mappings (
			local_brand    VARCHAR(100) PRIMARY KEY,
			provider_brand VARCHAR(100) NOT NULL,
			provider_slug  VARCHAR(100) NOT NULL,
			confidence     NUMERIC(3,2) NOT NULL DEFAULT 1,
			is_active      BOOLEAN      NOT NULL DEFAULT TRUE,
			last_verified  TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			notes          TEXT         NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_brand_mappings_provider ON brand_mappings(LOWER(provider_brand));

		-- Brands match case-insensitively; keep the most recently verified row of any case variants.
		DELETE FROM brand_mappings a
		USING brand_mappings b
		WHERE LOWER(a.local_brand) = LOWER(b.local_brand)
			AND (a.last_verified, a.local_brand) < (b.last_verified, b.local_brand);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_brand_mappings_local_lower ON brand_mappings(LOWER(local_brand));
	`)
	return err
}

// LoadMappings returns every stored mapping, active or not.
func (s *PostgresMappingStore) LoadMappings() ([]models.BrandMapping, error) {
	rows, err := s.db.Query(`
		SELECT local_brand, provider_brand, provider_slug, confidence, is_active, last_verified, notes
		FROM brand_mappings
		ORDER BY local_brand
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load mappings: %w", err)
	}
	defer rows.Close()

	var out []models.BrandMapping
	for rows.Next() {
		var m models.BrandMapping
		if err := rows.Scan(
			&m.LocalBrand, &m.ProviderBrand, &m.ProviderSlug, &m.Confidence,
			&m.IsActive, &m.LastVerified, &m.Notes,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertMapping inserts m or replaces the row whose local brand matches it
// ignoring case.
func (s *PostgresMappingStore) UpsertMapping(m models.BrandMapping) error {
	_, err := s.db.Exec(`
		INSERT INTO brand_mappings
			(local_brand, provider_brand, provider_slug, confidence, is_active, last_verified, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT ((LOWER(local_brand))) DO UPDATE SET
			local_brand    = EXCLUDED.local_brand,
			provider_brand = EXCLUDED.provider_brand,
			provider_slug  = EXCLUDED.provider_slug,
			confidence     = EXCLUDED.confidence,
			is_active      = EXCLUDED.is_active,
			last_verified  = EXCLUDED.last_verified,
			notes          = EXCLUDED.notes
	`, strings.TrimSpace(m.LocalBrand), m.ProviderBrand, m.ProviderSlug, m.Confidence,
		m.IsActive, m.LastVerified, m.Notes)
	if err != nil {
		return fmt.Errorf("postgres: upsert mapping %q: %w", m.LocalBrand, err)
	}
	return nil
}

func (s *PostgresMappingStore) DeleteMapping(localBrand string) error {
	_, err := s.db.Exec(`DELETE FROM brand_mappings WHERE LOWER(local_brand) = LOWER($1)`, localBrand)
	if err != nil {
		return fmt.Errorf("postgres: delete mapping %q: %w", localBrand, err)
	}
	return nil
}

func (s *PostgresMappingStore) Close() error {
	return s.db.Close()
}
