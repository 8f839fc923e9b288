package models

import "time"

// BrandMapping links a local brand name to a provider's brand vocabulary.
type BrandMapping struct {
	LocalBrand    string    `json:"localBrand"`
	ProviderBrand string    `json:"providerBrand"`
	ProviderSlug  string    `json:"providerSlug"`
	Confidence    float64   `json:"confidence"`
	IsActive      bool      `json:"isActive"`
	LastVerified  time.Time `json:"lastVerified"`
	Notes         string    `json:"notes,omitempty"`
}

// MappingMatch is one hit of a similarity search.
type MappingMatch struct {
	Mapping    BrandMapping `json:"mapping"`
	Similarity float64      `json:"similarity"`
	// Source is "exact" or "fuzzy".
	Source string `json:"source"`
}

// SyncReport summarises a comparison between local mappings and a provider's brand list.
type SyncReport struct {
	Matched          []BrandMapping `json:"matched"`
	UnmappedProvider []Brand        `json:"unmappedProvider"`
	UnmatchedLocal   []string       `json:"unmatchedLocal"`
	// AutoMapped lists inactive mappings proposed for review; empty unless auto-mapping is enabled.
	AutoMapped []BrandMapping `json:"autoMapped,omitempty"`
	SyncedAt   time.Time      `json:"syncedAt"`
}

// MappingValidation is the outcome of ValidateMapping.
type MappingValidation struct {
	Valid       bool     `json:"valid"`
	Errors      []string `json:"errors,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}
