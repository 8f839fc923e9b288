package storage

import "carprice-aggregator/models"

// MappingStore persists curated brand mappings.
type MappingStore interface {
	LoadMappings() ([]models.BrandMapping, error)
	UpsertMapping(m models.BrandMapping) error
	DeleteMapping(localBrand string) error
	Close() error
}

// UnmappedWriter persists a sync report for human review.
type UnmappedWriter interface {
	WriteReport(report *models.SyncReport) error
	Close() error
}
