package models

import (
	"time"

	"gorm.io/datatypes"
)

// SearchResult verknüpft einen Artikel mit einem Produkt innerhalb eines Jobs
// und trägt das Analyseergebnis der KI. Tri-State-Felder (Y/N/NA) sind als
// *bool modelliert; nil bedeutet "nicht anwendbar" bzw. "keine Analyse".
type SearchResult struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	SearchJobID uint `json:"search_job_id" gorm:"index;not null"`
	ProductID   uint `json:"product_id" gorm:"index;not null"`
	ArticleID   uint `json:"article_id" gorm:"index;not null"`

	// ICSR-Analyse
	IsICSR                   *bool  `json:"is_icsr"`
	ICSRDescription          string `json:"icsr_description,omitempty" gorm:"type:text"`
	OwnershipExcluded        *bool  `json:"ownership_excluded"`
	ExclusionReason          string `json:"exclusion_reason,omitempty" gorm:"type:text"`
	IsDuplicate              bool   `json:"is_duplicate" gorm:"default:false"`
	MinimumCriteriaAvailable *bool  `json:"minimum_criteria_available"`

	// Safety-Klassifikation für Nicht-ICSR-Artikel
	OtherSafetyInfo         *bool  `json:"other_safety_info"`
	SafetyInfoJustification string `json:"safety_info_justification,omitempty" gorm:"type:text"`

	// KI-Metadaten; AiAnalysis hält die rohe Modellantwort für Audits
	ConfidenceScore *float64       `json:"confidence_score"`
	AiAnalysis      datatypes.JSON `json:"ai_analysis,omitempty"`

	// Degradiertes Ergebnis: Analyse versucht, aber fehlgeschlagen
	AnalysisFailed bool   `json:"analysis_failed" gorm:"default:false"`
	AnalysisError  string `json:"analysis_error,omitempty" gorm:"type:text"`

	// Manueller Review-Workflow (additiv, überschreibt AiAnalysis nie)
	ReviewedBy         string     `json:"reviewed_by,omitempty" gorm:"size:100"`
	QCBy               string     `json:"qc_by,omitempty" gorm:"column:qc_by;size:100"`
	Comments           string     `json:"comments,omitempty" gorm:"type:text"`
	DateSentToProvider *time.Time `json:"date_sent_to_provider,omitempty"`
	ICSRCode           string     `json:"icsr_code,omitempty" gorm:"size:100"`

	Product *Product `json:"product,omitempty" gorm:"foreignKey:ProductID"`
	Article *Article `json:"article,omitempty" gorm:"foreignKey:ArticleID"`
}

// TableName gibt explizit den Tabellennamen an.
func (SearchResult) TableName() string {
	return "search_results"
}
