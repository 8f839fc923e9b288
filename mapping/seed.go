package mapping

import "carprice-aggregator/models"

// seedMappings is the curated local→catalog brand table loaded when no store
// is configured.
var seedMappings = []models.BrandMapping{
	{LocalBrand: "Alfa Romeo", ProviderBrand: "Alfa Romeo", ProviderSlug: "alfa-romeo", Confidence: 1},
	{LocalBrand: "Audi", ProviderBrand: "Audi", ProviderSlug: "audi", Confidence: 1},
	{LocalBrand: "BMW", ProviderBrand: "BMW", ProviderSlug: "bmw", Confidence: 1},
	{LocalBrand: "Chery", ProviderBrand: "Chery", ProviderSlug: "chery", Confidence: 1},
	{LocalBrand: "Chevrolet", ProviderBrand: "Chevrolet", ProviderSlug: "chevrolet", Confidence: 1},
	{LocalBrand: "Citroën", ProviderBrand: "Citroen", ProviderSlug: "citroen", Confidence: 0.95},
	{LocalBrand: "DS", ProviderBrand: "DS Automobiles", ProviderSlug: "ds", Confidence: 0.9},
	{LocalBrand: "Fiat", ProviderBrand: "Fiat", ProviderSlug: "fiat", Confidence: 1},
	{LocalBrand: "Ford", ProviderBrand: "Ford", ProviderSlug: "ford", Confidence: 1},
	{LocalBrand: "Honda", ProviderBrand: "Honda", ProviderSlug: "honda", Confidence: 1},
	{LocalBrand: "Hyundai", ProviderBrand: "Hyundai", ProviderSlug: "hyundai", Confidence: 1},
	{LocalBrand: "Jeep", ProviderBrand: "Jeep", ProviderSlug: "jeep", Confidence: 1},
	{LocalBrand: "Kia", ProviderBrand: "Kia", ProviderSlug: "kia", Confidence: 1},
	{LocalBrand: "Mercedes-Benz", ProviderBrand: "Mercedes Benz", ProviderSlug: "mercedes-benz", Confidence: 0.95},
	{LocalBrand: "Mitsubishi", ProviderBrand: "Mitsubishi", ProviderSlug: "mitsubishi", Confidence: 1},
	{LocalBrand: "Nissan", ProviderBrand: "Nissan", ProviderSlug: "nissan", Confidence: 1},
	{LocalBrand: "Peugeot", ProviderBrand: "Peugeot", ProviderSlug: "peugeot", Confidence: 1},
	{LocalBrand: "RAM", ProviderBrand: "Ram", ProviderSlug: "ram", Confidence: 0.9},
	{LocalBrand: "Renault", ProviderBrand: "Renault", ProviderSlug: "renault", Confidence: 1},
	{LocalBrand: "Suzuki", ProviderBrand: "Suzuki", ProviderSlug: "suzuki", Confidence: 1},
	{LocalBrand: "Toyota", ProviderBrand: "Toyota", ProviderSlug: "toyota", Confidence: 1},
	{LocalBrand: "Volkswagen", ProviderBrand: "Volkswagen", ProviderSlug: "volkswagen", Confidence: 1},
	{LocalBrand: "Volvo", ProviderBrand: "Volvo", ProviderSlug: "volvo", Confidence: 1},
}
