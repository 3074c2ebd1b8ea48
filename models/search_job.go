package models

import (
	"time"
)

// Lebenszyklus eines SearchJobs.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Job-Typen.
const (
	JobTypeSingle = "single"
	JobTypeBatch  = "batch"
)

// SearchJob repräsentiert einen Durchlauf der Such- und Analyse-Pipeline.
// Ein Job ist terminal, sobald er completed oder failed ist; ein erneuter
// Lauf mit denselben Parametern erzeugt einen neuen Job.
type SearchJob struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	JobType string `json:"job_type" gorm:"size:50"` // single oder batch
	Status  string `json:"status" gorm:"size:50;index;default:'pending'"`

	DateFrom *time.Time `json:"date_from,omitempty"`
	DateTo   *time.Time `json:"date_to,omitempty"`

	TotalProducts     int `json:"total_products" gorm:"default:0"`
	ProcessedProducts int `json:"processed_products" gorm:"default:0"`
	TotalArticles     int `json:"total_articles" gorm:"default:0"`

	ErrorMessage string     `json:"error_message,omitempty" gorm:"type:text"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// TableName gibt explizit den Tabellennamen an.
func (SearchJob) TableName() string {
	return "search_jobs"
}
