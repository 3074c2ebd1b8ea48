package models

import (
	"time"
)

// Article repräsentiert einen von PubMed abgerufenen Artikel.
// Einmal angelegt ist ein Artikel unveränderlich; der Upsert läuft über die PMID.
type Article struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	PMID     string `json:"pmid" gorm:"column:pmid;uniqueIndex;not null"`
	Title    string `json:"title" gorm:"type:text"`
	Abstract string `json:"abstract,omitempty" gorm:"type:text"`

	Authors     string `json:"authors,omitempty" gorm:"type:text"`
	FirstAuthor string `json:"first_author,omitempty"`
	Citation    string `json:"citation,omitempty" gorm:"type:text"`
	Journal     string `json:"journal,omitempty"`

	PublicationYear int        `json:"publication_year,omitempty"`
	CreateDate      *time.Time `json:"create_date,omitempty"` // Aufnahmedatum in PubMed

	PMCID   string `json:"pmcid,omitempty" gorm:"column:pmcid"`
	NIHMSID string `json:"nihms_id,omitempty" gorm:"column:nihms_id"`
	DOI     string `json:"doi,omitempty" gorm:"column:doi;index"`

	FullTextAvailable bool `json:"full_text_available" gorm:"default:false"`
}

// TableName gibt explizit den Tabellennamen an.
func (Article) TableName() string {
	return "articles"
}
