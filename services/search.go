package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"pv-radar/config"
	"pv-radar/models"
	"pv-radar/providers"
)

// ArticleAnalyzer abstrahiert den KI-Client für die Orchestrierung.
type ArticleAnalyzer interface {
	AnalyzeArticle(ctx context.Context, title, abstract string, product *models.Product) (*Analysis, json.RawMessage, error)
}

// SearchService orchestriert die Such- und Analyse-Pipeline eines Jobs:
// pending -> running -> completed/failed. Klassifikationsfehler einzelner
// Artikel sind nie job-fatal, sie erzeugen ein degradiertes SearchResult.
type SearchService struct {
	Config   *config.Config
	DB       *gorm.DB
	Logger   *zap.Logger
	Provider providers.Provider
	Analyzer ArticleAnalyzer
}

// NewSearchService erstellt eine neue Instanz des SearchService.
func NewSearchService(cfg *config.Config, db *gorm.DB, logger *zap.Logger, provider providers.Provider, analyzer ArticleAnalyzer) *SearchService {
	return &SearchService{
		Config:   cfg,
		DB:       db,
		Logger:   logger,
		Provider: provider,
		Analyzer: analyzer,
	}
}

// CreateJob legt einen neuen SearchJob im Status pending an.
func (s *SearchService) CreateJob(jobType string, from, to *time.Time, totalProducts int) (*models.SearchJob, error) {
	job := &models.SearchJob{
		JobType:       jobType,
		Status:        models.JobStatusPending,
		DateFrom:      from,
		DateTo:        to,
		TotalProducts: totalProducts,
	}
	if err := s.DB.Create(job).Error; err != nil {
		return nil, fmt.Errorf("search job anlegen: %w", err)
	}
	return job, nil
}

// Run führt einen Job bis zum terminalen Status aus. Bei leerer
// productIDs-Liste werden alle Produkte verarbeitet. Gedacht für den
// Aufruf in einer Goroutine; Fehler landen am Job selbst.
func (s *SearchService) Run(ctx context.Context, jobID uint, productIDs []uint) {
	log := s.Logger.With(zap.Uint("job_id", jobID))

	var job models.SearchJob
	if err := s.DB.First(&job, jobID).Error; err != nil {
		log.Error("Job nicht gefunden", zap.Error(err))
		return
	}

	if err := s.DB.Model(&job).Update("status", models.JobStatusRunning).Error; err != nil {
		log.Error("Statuswechsel auf running fehlgeschlagen", zap.Error(err))
		return
	}

	products, err := s.loadProducts(productIDs)
	if err != nil {
		s.failJob(&job, fmt.Errorf("produkte laden: %w", err))
		return
	}
	if len(products) == 0 {
		s.failJob(&job, errors.New("keine produkte für den job gefunden"))
		return
	}

	totalResults := 0
	for idx, product := range products {
		log.Info("Verarbeite Produkt",
			zap.String("inn", product.INN),
			zap.Int("position", idx+1),
			zap.Int("total", len(products)))

		count, err := s.runProduct(ctx, &job, &product)
		if err != nil {
			// Suchphasen-Fehler: Einzeljob schlägt fehl, Batch macht weiter.
			if job.JobType == models.JobTypeSingle {
				s.failJob(&job, err)
				return
			}
			log.Error("Produkt übersprungen", zap.String("inn", product.INN), zap.Error(err))
		}
		totalResults += count

		if err := s.DB.Model(&job).Update("processed_products", idx+1).Error; err != nil {
			log.Error("processed_products update fehlgeschlagen", zap.Error(err))
		}
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status":         models.JobStatusCompleted,
		"total_articles": totalResults,
		"completed_at":   &now,
	}
	if err := s.DB.Model(&job).Updates(updates).Error; err != nil {
		log.Error("Abschluss-Update fehlgeschlagen", zap.Error(err))
		return
	}
	jobsCompletedCounter.Inc()
	log.Info("Job abgeschlossen", zap.Int("total_results", totalResults))
}

// runProduct führt Suche und Analyse für ein Produkt aus und gibt die
// Anzahl der persistierten SearchResults zurück.
func (s *SearchService) runProduct(ctx context.Context, job *models.SearchJob, product *models.Product) (int, error) {
	log := s.Logger.With(zap.Uint("job_id", job.ID), zap.String("inn", product.INN))

	pmids, err := s.Provider.Search(ctx, product.SearchStrategy, job.DateFrom, job.DateTo, s.Config.MaxArticlesPerSearch)
	if err != nil {
		return 0, fmt.Errorf("suche für %s: %w", product.INN, err)
	}
	log.Info("Suche abgeschlossen", zap.Int("pmids", len(pmids)))

	results := 0
	for _, pmid := range pmids {
		article, err := s.upsertArticle(ctx, pmid)
		if err != nil {
			log.Warn("Artikel konnte nicht geholt werden, wird übersprungen",
				zap.String("pmid", pmid), zap.Error(err))
			continue
		}
		articlesFetchedCounter.Inc()

		result := s.classifyArticle(ctx, job, product, article)
		if err := s.DB.Create(result).Error; err != nil {
			log.Error("SearchResult konnte nicht gespeichert werden",
				zap.String("pmid", pmid), zap.Error(err))
			continue
		}
		results++
	}

	return results, nil
}

// upsertArticle holt die Artikel-Metadaten und legt den Artikel an, falls
// er noch nicht existiert. Der Upsert läuft über die PMID, derselbe Artikel
// wird über Jobs hinweg geteilt.
func (s *SearchService) upsertArticle(ctx context.Context, pmid string) (*models.Article, error) {
	var existing models.Article
	err := s.DB.Where("pmid = ?", pmid).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("artikel-lookup: %w", err)
	}

	article, err := s.Provider.FetchArticle(ctx, pmid)
	if err != nil {
		return nil, fmt.Errorf("efetch für %s: %w", pmid, err)
	}
	if err := s.DB.Create(article).Error; err != nil {
		// Paralleler Lauf kann die PMID inzwischen angelegt haben.
		if lookupErr := s.DB.Where("pmid = ?", pmid).First(&existing).Error; lookupErr == nil {
			return &existing, nil
		}
		return nil, fmt.Errorf("artikel anlegen: %w", err)
	}
	return article, nil
}

// classifyArticle ruft die KI-Analyse auf und baut daraus das SearchResult.
// Ein Analysefehler erzeugt ein degradiertes Ergebnis, damit der Versuch
// sichtbar bleibt und der Job weiterläuft.
func (s *SearchService) classifyArticle(ctx context.Context, job *models.SearchJob, product *models.Product, article *models.Article) *models.SearchResult {
	result := &models.SearchResult{
		SearchJobID: job.ID,
		ProductID:   product.ID,
		ArticleID:   article.ID,
	}

	analysis, raw, err := s.Analyzer.AnalyzeArticle(ctx, article.Title, article.Abstract, product)
	if err != nil {
		s.Logger.Warn("KI-Analyse fehlgeschlagen, Ergebnis wird degradiert gespeichert",
			zap.String("pmid", article.PMID), zap.Error(err))
		result.AnalysisFailed = true
		result.AnalysisError = err.Error()
		result.AiAnalysis = []byte(raw)
		return result
	}

	result.IsICSR = &analysis.IsICSR
	result.ICSRDescription = analysis.ICSRDescription
	result.MinimumCriteriaAvailable = &analysis.MinimumCriteriaAvailable
	if analysis.IsICSR {
		result.OwnershipExcluded = &analysis.OwnershipAnalysis.CanExclude
		result.ExclusionReason = analysis.OwnershipAnalysis.ExclusionReason
		icsrDetectedCounter.Inc()
	}
	result.OtherSafetyInfo = &analysis.SafetyClassification.HasRelevantSafetyInfo
	result.SafetyInfoJustification = analysis.SafetyClassification.Justification
	result.ConfidenceScore = &analysis.ConfidenceScore
	result.AiAnalysis = []byte(raw)

	return result
}

func (s *SearchService) loadProducts(productIDs []uint) ([]models.Product, error) {
	var products []models.Product
	query := s.DB.Order("id")
	if len(productIDs) > 0 {
		query = query.Where("id IN ?", productIDs)
	}
	if err := query.Find(&products).Error; err != nil {
		return nil, err
	}
	return products, nil
}

// failJob setzt den Job terminal auf failed.
func (s *SearchService) failJob(job *models.SearchJob, cause error) {
	s.Logger.Error("Job fehlgeschlagen", zap.Uint("job_id", job.ID), zap.Error(cause))
	now := time.Now()
	updates := map[string]interface{}{
		"status":        models.JobStatusFailed,
		"error_message": cause.Error(),
		"completed_at":  &now,
	}
	if err := s.DB.Model(job).Updates(updates).Error; err != nil {
		s.Logger.Error("Fehlerstatus konnte nicht gespeichert werden", zap.Error(err))
	}
}
