package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"pv-radar/config"
	"pv-radar/models"
	"pv-radar/storage"
)

// Filter für den Tracker-Export.
const (
	FilterAll            = "all"
	FilterICSR           = "icsr"
	FilterHighConfidence = "high_confidence"
)

var (
	// ErrJobNotCompleted wird zurückgegeben, wenn ein Export für einen
	// nicht abgeschlossenen Job angefordert wird.
	ErrJobNotCompleted = errors.New("search job ist nicht abgeschlossen")
	// ErrNoResults wird zurückgegeben, wenn nach dem Filtern keine Zeilen übrig sind.
	ErrNoResults = errors.New("keine ergebnisse für diesen export")
)

// trackerColumns definiert die feste Spaltenreihenfolge des Trackers.
var trackerColumns = []string{
	"INN",
	"Date of search",
	"Search period (From)",
	"Search period (To)",
	"Search strategy",
	"Number of results",
	"PMID*",
	"Title*",
	"Authors*",
	"Citation*",
	"First Author*",
	"Journal/ Book*",
	"Publication Year*",
	"Create Date*",
	"PMCID*",
	"NIHMS ID*",
	"DOI*",
	"ICSR (Y/N/NA)",
	"ICSR description (if applicable)",
	"MAH ownership can be excluded (Y/N/NA)",
	"Reason for exclusion (if applicable)",
	"ICSR is a duplicate (Y/N/NA)",
	"Minimum criteria for reporting available? (Y/N/NA)",
	"Full article available (Y/N/NA)",
	"Date reference sent to PV Operations (if applicable)",
	"Date article ordered (if applicable)",
	"Date article sent to PV Operations (if applicable)",
	"ICSR code (if applicable)",
	"Other safety information (Y/N/NA)",
	"Justification for safety information answer",
	"Conducted by",
	"Qc'd by",
	"Comments",
}

// legendRows beschreibt jede Spalte für das Legends-Blatt.
var legendRows = [][2]string{
	{"INN", "International Nonproprietary Name - Generic drug name"},
	{"Date of search", "Date when the search was conducted"},
	{"Search period (From/To)", "Date range for the literature search"},
	{"Search strategy", "Boolean search query used in PubMed"},
	{"Number of results", "Number of articles found in the search"},
	{"PMID*", "PubMed Identifier - Unique article ID"},
	{"Title*", "Article title"},
	{"Authors*", "List of article authors"},
	{"Citation*", "Full citation for the article"},
	{"First Author*", "First author name"},
	{"Journal/ Book*", "Journal or book name where article was published"},
	{"Publication Year*", "Year of publication"},
	{"Create Date*", "Date when article was added to PubMed database"},
	{"PMCID*", "PubMed Central Identifier"},
	{"NIHMS ID*", "National Institute of Health Manuscript Submission Identifier"},
	{"DOI*", "Digital Object Identifier"},
	{"ICSR (Y/N/NA)", "Whether article contains an Individual Case Safety Report (Y=Yes, N=No, NA=No analysis)"},
	{"ICSR description", "Description of the identified ICSR and adverse events"},
	{"MAH ownership can be excluded", "Whether the marketing authorisation holder's ownership can be excluded for this ICSR (Y/N/NA)"},
	{"Reason for exclusion", "Reasons for excluding ownership (territory, brand, dosage form, route, etc.)"},
	{"ICSR is a duplicate", "Whether this ICSR was previously identified (Y/N/NA)"},
	{"Minimum criteria for reporting available?", "Whether the four minimum criteria for reporting are available (Y/N/NA)"},
	{"Full article available", "Whether full article text is available without additional fees (Y/N/NA)"},
	{"Date reference sent to PV Operations", "Date when reference was sent to PV Operations"},
	{"Date article ordered", "Date when article was ordered for full-text review"},
	{"Date article sent to PV Operations", "Date when full article was sent to PV Operations"},
	{"ICSR code", "Code received from third-party service provider for validated ICSR"},
	{"Other safety information", "Whether article contains valuable safety information for other activities (Y/N/NA)"},
	{"Justification", "Explanation for safety information classification"},
	{"Conducted by", "Name of team member who conducted the search and evaluation"},
	{"Qc'd by", "Name of team member who performed quality check"},
	{"Comments", "Any additional comments or notes"},
}

// ExportService generiert Excel-Tracker aus abgeschlossenen SearchJobs.
type ExportService struct {
	Config   *config.Config
	DB       *gorm.DB
	Logger   *zap.Logger
	Archiver *storage.TrackerArchive // optional, nil = kein S3-Archiv
}

// NewExportService erstellt eine neue Instanz des ExportService.
func NewExportService(cfg *config.Config, db *gorm.DB, logger *zap.Logger, archiver *storage.TrackerArchive) *ExportService {
	return &ExportService{Config: cfg, DB: db, Logger: logger, Archiver: archiver}
}

// GenerateTracker baut den Tracker für einen abgeschlossenen Job, legt die
// Datei im Exportverzeichnis ab und gibt Dateiname, Inhalt und (falls
// konfiguriert) den S3-Link zurück. Der Filter wirkt nur auf die
// exportierten Zeilen, nie auf die gespeicherten Daten.
func (e *ExportService) GenerateTracker(ctx context.Context, jobID uint, weekNumber, filter string) (filename string, data []byte, s3Link string, err error) {
	var job models.SearchJob
	if err := e.DB.First(&job, jobID).Error; err != nil {
		return "", nil, "", fmt.Errorf("job %d laden: %w", jobID, err)
	}
	if job.Status != models.JobStatusCompleted {
		return "", nil, "", ErrJobNotCompleted
	}

	var results []models.SearchResult
	if err := e.DB.Preload("Product").Preload("Article").
		Where("search_job_id = ?", jobID).Order("id").Find(&results).Error; err != nil {
		return "", nil, "", fmt.Errorf("ergebnisse laden: %w", err)
	}

	filtered := FilterResults(results, filter, e.Config.ConfidenceHigh, e.Config.ConfidenceMedium)
	if len(filtered) == 0 {
		return "", nil, "", ErrNoResults
	}

	e.Logger.Info("Generiere Excel-Tracker",
		zap.Uint("job_id", jobID),
		zap.String("filter", filter),
		zap.Int("rows", len(filtered)))

	data, err = e.buildWorkbook(&job, filtered, weekNumber)
	if err != nil {
		return "", nil, "", err
	}

	filename = fmt.Sprintf("Literature_Tracker_Week%s_%s.xlsx", weekNumber, time.Now().Format("20060102_150405"))
	if err := e.writeExportFile(filename, data); err != nil {
		// Datei-Ablage ist Komfort, der Download funktioniert trotzdem.
		e.Logger.Warn("Tracker konnte nicht im Exportverzeichnis abgelegt werden", zap.Error(err))
	}

	if e.Archiver != nil {
		link, err := e.Archiver.Upload(ctx, filename, data)
		if err != nil {
			e.Logger.Warn("S3-Archivierung fehlgeschlagen", zap.Error(err))
		} else {
			s3Link = link
		}
	}

	return filename, data, s3Link, nil
}

// FilterResults wendet den Export-Filter an, ohne die Eingabe zu verändern.
func FilterResults(results []models.SearchResult, filter string, high, medium float64) []models.SearchResult {
	if filter == "" || filter == FilterAll {
		return results
	}
	var filtered []models.SearchResult
	for _, r := range results {
		switch filter {
		case FilterICSR:
			if r.IsICSR != nil && *r.IsICSR {
				filtered = append(filtered, r)
			}
		case FilterHighConfidence:
			if r.ConfidenceScore != nil && ConfidenceTier(*r.ConfidenceScore, high, medium) == TierHigh {
				filtered = append(filtered, r)
			}
		}
	}
	return filtered
}

// buildWorkbook erzeugt die Arbeitsmappe mit Datenblatt und Legende.
func (e *ExportService) buildWorkbook(job *models.SearchJob, results []models.SearchResult, weekNumber string) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	dataSheet := "Week " + weekNumber
	if err := f.SetSheetName("Sheet1", dataSheet); err != nil {
		return nil, fmt.Errorf("sheet umbenennen: %w", err)
	}

	header := make([]interface{}, len(trackerColumns))
	widths := make([]int, len(trackerColumns))
	for i, col := range trackerColumns {
		header[i] = col
		widths[i] = len(col)
	}
	if err := f.SetSheetRow(dataSheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("header schreiben: %w", err)
	}

	searchDate := job.CreatedAt.Format("2006-01-02")
	for i, result := range results {
		row := trackerRow(job, &result, searchDate)
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(dataSheet, cell, &row); err != nil {
			return nil, fmt.Errorf("zeile %d schreiben: %w", i+2, err)
		}
		for c, v := range row {
			if s, ok := v.(string); ok && len(s) > widths[c] {
				widths[c] = len(s)
			}
		}
	}

	// Header-Stil wie im bisherigen Tracker-Template
	headerStyle, err := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"366092"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true, Color: "FFFFFF"},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center", WrapText: true},
	})
	if err != nil {
		return nil, fmt.Errorf("header-stil: %w", err)
	}
	lastCol, _ := excelize.ColumnNumberToName(len(trackerColumns))
	if err := f.SetCellStyle(dataSheet, "A1", lastCol+"1", headerStyle); err != nil {
		return nil, fmt.Errorf("header-stil anwenden: %w", err)
	}

	for i, width := range widths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		w := float64(width + 2)
		if w > 50 {
			w = 50
		}
		if err := f.SetColWidth(dataSheet, col, col, w); err != nil {
			return nil, fmt.Errorf("spaltenbreite: %w", err)
		}
	}

	if err := f.SetPanes(dataSheet, &excelize.Panes{
		Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft",
	}); err != nil {
		return nil, fmt.Errorf("header fixieren: %w", err)
	}

	if err := writeLegendSheet(f); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("workbook schreiben: %w", err)
	}
	return buf.Bytes(), nil
}

func writeLegendSheet(f *excelize.File) error {
	const sheet = "Legends"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("legends sheet: %w", err)
	}
	if err := f.SetSheetRow(sheet, "A1", &[]interface{}{"Column", "Description"}); err != nil {
		return fmt.Errorf("legends header: %w", err)
	}
	for i, row := range legendRows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheet, cell, &[]interface{}{row[0], row[1]}); err != nil {
			return fmt.Errorf("legends zeile %d: %w", i+2, err)
		}
	}
	if err := f.SetColWidth(sheet, "A", "A", 45); err != nil {
		return err
	}
	return f.SetColWidth(sheet, "B", "B", 90)
}

// trackerRow baut eine Datenzeile in der festen Spaltenreihenfolge.
func trackerRow(job *models.SearchJob, result *models.SearchResult, searchDate string) []interface{} {
	product := result.Product
	if product == nil {
		product = &models.Product{}
	}
	article := result.Article
	if article == nil {
		article = &models.Article{}
	}

	icsr := triState(result.IsICSR)

	return []interface{}{
		product.INN,
		searchDate,
		formatDate(job.DateFrom),
		formatDate(job.DateTo),
		product.SearchStrategy,
		1,
		article.PMID,
		article.Title,
		article.Authors,
		article.Citation,
		article.FirstAuthor,
		article.Journal,
		yearOrEmpty(article.PublicationYear),
		formatDate(article.CreateDate),
		article.PMCID,
		article.NIHMSID,
		article.DOI,
		icsr,
		result.ICSRDescription,
		icsrScoped(result.OwnershipExcluded, icsr),
		result.ExclusionReason,
		boolIfICSR(result.IsDuplicate, icsr),
		icsrScoped(result.MinimumCriteriaAvailable, icsr),
		boolIfICSR(article.FullTextAvailable, icsr),
		formatDate(result.DateSentToProvider),
		"",
		"",
		result.ICSRCode,
		triState(result.OtherSafetyInfo),
		result.SafetyInfoJustification,
		conductedBy(result.ReviewedBy),
		result.QCBy,
		result.Comments,
	}
}

// triState bildet *bool auf Y/N/NA ab; nil heißt "keine Analyse".
func triState(v *bool) string {
	switch {
	case v == nil:
		return "NA"
	case *v:
		return "Y"
	default:
		return "N"
	}
}

// icsrScoped gilt nur für ICSR-Zeilen: NA bei fehlendem Wert, leer bei Nicht-ICSR.
func icsrScoped(v *bool, icsr string) string {
	if v == nil {
		if icsr == "Y" {
			return "NA"
		}
		return ""
	}
	if *v {
		return "Y"
	}
	return "N"
}

func boolIfICSR(v bool, icsr string) string {
	if v {
		return "Y"
	}
	if icsr == "Y" {
		return "N"
	}
	return ""
}

func conductedBy(reviewedBy string) string {
	if strings.TrimSpace(reviewedBy) == "" {
		return "AI System"
	}
	return reviewedBy
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}

func yearOrEmpty(year int) interface{} {
	if year == 0 {
		return ""
	}
	return year
}

// writeExportFile legt die generierte Datei im Exportverzeichnis ab.
func (e *ExportService) writeExportFile(filename string, data []byte) error {
	if err := os.MkdirAll(e.Config.ExportsDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(e.Config.ExportsDir, filename), data, 0o644)
}

// ExportFile beschreibt eine abgelegte Tracker-Datei.
type ExportFile struct {
	Filename string    `json:"filename"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// ListExports listet die abgelegten Tracker-Dateien, neueste zuerst.
func (e *ExportService) ListExports() ([]ExportFile, error) {
	entries, err := os.ReadDir(e.Config.ExportsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []ExportFile{}, nil
		}
		return nil, fmt.Errorf("exportverzeichnis lesen: %w", err)
	}

	files := []ExportFile{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".xlsx") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, ExportFile{
			Filename: entry.Name(),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Modified.After(files[j].Modified) })
	return files, nil
}
