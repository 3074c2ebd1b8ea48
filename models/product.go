package models

import (
	"time"

	"gorm.io/datatypes"
)

// Product repräsentiert ein überwachtes Arzneimittel, identifiziert über die INN.
type Product struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	INN            string `json:"inn" gorm:"uniqueIndex;not null"`
	SearchStrategy string `json:"search_strategy" gorm:"type:text;not null"` // Boolesche PubMed-Query

	IsEUProduct bool `json:"is_eu_product" gorm:"default:false"`

	// Registrierte Attribute für die Ownership-Exclusion-Analyse
	Territories            datatypes.JSONSlice[string] `json:"territories"`
	DosageForms            datatypes.JSONSlice[string] `json:"dosage_forms"`
	RoutesOfAdministration datatypes.JSONSlice[string] `json:"routes_of_administration"`

	MarketingStatus string `json:"marketing_status" gorm:"size:50;default:'Active'"`
}

// TableName gibt explizit den Tabellennamen an.
func (Product) TableName() string {
	return "products"
}
