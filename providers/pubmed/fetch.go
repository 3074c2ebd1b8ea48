package pubmed

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pv-radar/config"
	"pv-radar/models"
)

var httpClient = &http.Client{Timeout: 60 * time.Second}

const (
	maxAttempts = 3
	retryDelay  = 2 * time.Second
	pageSize    = 50
)

// Fetcher kapselt die Logik zur Interaktion mit den PubMed E-utilities.
// Der Rate-Limiter wird von allen Aufrufern geteilt, damit parallele Jobs
// zusammen unter dem NCBI-Limit bleiben.
type Fetcher struct {
	Config  *config.Config
	Logger  *zap.Logger
	limiter *rate.Limiter
}

// NewFetcher erstellt eine neue Instanz des PubMed-Fetchers.
func NewFetcher(cfg *config.Config, logger *zap.Logger, limiter *rate.Limiter) *Fetcher {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Limit(cfg.PubMedRateLimit), 1)
	}
	return &Fetcher{Config: cfg, Logger: logger, limiter: limiter}
}

// Name gibt den Namen des Providers zurück.
func (f *Fetcher) Name() string {
	return "pubmed"
}

// Search führt eine ESearch-Abfrage mit Pagination durch und gibt eine
// deduplizierte Liste von PMIDs zurück, begrenzt auf maxResults.
func (f *Fetcher) Search(ctx context.Context, query string, from, to *time.Time, maxResults int) ([]string, error) {
	term := buildTerm(query, from, to)
	log := f.Logger.With(zap.String("term", term))
	log.Info("Starte PubMed ESearch für IDs.")

	seen := make(map[string]struct{})
	var pmids []string

	for offset := 0; len(pmids) < maxResults; offset += pageSize {
		retmax := pageSize
		if remaining := maxResults - len(pmids); remaining < retmax {
			retmax = remaining
		}

		searchURL := f.buildEsearchURL(term, retmax, offset)
		body, err := f.getWithRetry(ctx, searchURL)
		if err != nil {
			log.Error("ESearch-Anfrage endgültig fehlgeschlagen", zap.Error(err))
			return nil, fmt.Errorf("esearch: %w", err)
		}

		var esearchResp ESearchResponse
		if err := json.Unmarshal(body, &esearchResp); err != nil {
			log.Error("Fehler beim Parsen der ESearch-JSON-Antwort", zap.Error(err))
			return nil, fmt.Errorf("esearch parse: %w", err)
		}

		ids := esearchResp.ESearchResult.IdList
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			if _, exists := seen[id]; exists {
				continue
			}
			seen[id] = struct{}{}
			pmids = append(pmids, id)
		}
		log.Debug("IDs von ESearch erhalten", zap.Int("count", len(ids)), zap.Int("offset", offset))

		if len(ids) < retmax {
			break
		}
	}

	log.Info("PubMed ESearch abgeschlossen", zap.Int("total_ids", len(pmids)))
	return pmids, nil
}

// FetchArticle holt die Metadaten für eine einzelne PMID via EFetch.
func (f *Fetcher) FetchArticle(ctx context.Context, pmid string) (*models.Article, error) {
	log := f.Logger.With(zap.String("pmid", pmid))
	log.Debug("Hole Artikel-Details für PMID.")

	efetchURL := fmt.Sprintf("%s/efetch.fcgi?db=pubmed&id=%s&retmode=xml&rettype=medline&tool=%s&email=%s",
		f.Config.PubMedBaseURL, url.QueryEscape(pmid),
		url.QueryEscape(f.Config.PubMedTool), url.QueryEscape(f.Config.PubMedEmail))
	if f.Config.PubMedAPIKey != "" {
		efetchURL += "&api_key=" + f.Config.PubMedAPIKey
	}

	body, err := f.getWithRetry(ctx, efetchURL)
	if err != nil {
		return nil, fmt.Errorf("efetch: %w", err)
	}

	var articleSet PubmedArticleSet
	if err := xml.Unmarshal(body, &articleSet); err != nil {
		return nil, fmt.Errorf("efetch parse: %w", err)
	}
	if len(articleSet.PubmedArticle) == 0 {
		return nil, fmt.Errorf("kein PubmedArticle in EFetch-Antwort für PMID %s", pmid)
	}

	return mapArticleToModel(&articleSet.PubmedArticle[0]), nil
}

// TestConnection prüft die Erreichbarkeit der E-utilities mit einer Minimalsuche.
func (f *Fetcher) TestConnection(ctx context.Context) error {
	pmids, err := f.Search(ctx, "aspirin", nil, nil, 1)
	if err != nil {
		return err
	}
	if len(pmids) == 0 {
		return fmt.Errorf("esearch lieferte keine Ergebnisse für die Testsuche")
	}
	return nil
}

// getWithRetry führt einen GET mit gemeinsamem Rate-Limit und fester
// Retry-Policy aus: transiente Fehler (Netzwerk, 5xx) werden bis zu
// maxAttempts-mal mit festem Delay wiederholt.
func (f *Fetcher) getWithRetry(ctx context.Context, rawURL string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, retryable, err := f.doGet(ctx, rawURL)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		if attempt < maxAttempts {
			f.Logger.Warn("PubMed-Anfrage fehlgeschlagen, wiederhole",
				zap.Int("attempt", attempt), zap.Error(err))
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("nach %d Versuchen aufgegeben: %w", maxAttempts, lastErr)
}

func (f *Fetcher) doGet(ctx context.Context, rawURL string) (body []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("pubmed status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		return nil, resp.StatusCode >= http.StatusInternalServerError, err
	}

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}
	return body, false, nil
}

// buildEsearchURL baut die URL für eine ESearch-Anfrage inkl. tool/email
// gemäß NCBI Usage Policy.
func (f *Fetcher) buildEsearchURL(term string, retmax, retstart int) string {
	base := fmt.Sprintf("%s/esearch.fcgi?db=pubmed&term=%s&retmode=json&sort=relevance&retmax=%d&retstart=%d&tool=%s&email=%s",
		f.Config.PubMedBaseURL, url.QueryEscape(term), retmax, retstart,
		url.QueryEscape(f.Config.PubMedTool), url.QueryEscape(f.Config.PubMedEmail))
	if f.Config.PubMedAPIKey != "" {
		base += "&api_key=" + f.Config.PubMedAPIKey
	}
	return base
}

// buildTerm hängt den Datumsbereich als [PDAT]-Klausel an die Query an.
// Ein taggleicher Bereich wird auf eine Mindestspanne von einem Tag
// erweitert, weil die API solche Bereiche sporadisch mit 500 ablehnt.
func buildTerm(query string, from, to *time.Time) string {
	const layout = "2006/01/02"
	switch {
	case from != nil && to != nil:
		f, t := *from, *to
		if !t.After(f) {
			t = f.AddDate(0, 0, 1)
		}
		return fmt.Sprintf("%s AND (%s[PDAT]:%s[PDAT])", query, f.Format(layout), t.Format(layout))
	case from != nil:
		return fmt.Sprintf("%s AND (%s[PDAT]:3000[PDAT])", query, from.Format(layout))
	case to != nil:
		return fmt.Sprintf("%s AND (1900[PDAT]:%s[PDAT])", query, to.Format(layout))
	default:
		return query
	}
}

// mapArticleToModel wandelt ein XML-Article-Objekt in unser Article-Modell um.
func mapArticleToModel(article *PubmedArticle) *models.Article {
	a := &models.Article{
		PMID:     article.MedlineCitation.PMID,
		Title:    article.MedlineCitation.Article.Title,
		Abstract: strings.Join(article.MedlineCitation.Article.Abstract.Text, " "),
		Journal:  article.MedlineCitation.Article.Journal.Title,
	}

	var authors []string
	for _, author := range article.MedlineCitation.Article.Authors {
		if author.LastName == "" {
			continue
		}
		name := strings.TrimSpace(author.LastName + " " + author.Initials)
		authors = append(authors, name)
	}
	a.Authors = strings.Join(authors, "; ")
	if len(authors) > 0 {
		a.FirstAuthor = authors[0]
	}

	if year := article.MedlineCitation.Article.Journal.PubDate.Year; year != "" {
		if y, err := strconv.Atoi(year); err == nil {
			a.PublicationYear = y
		}
	}

	for _, id := range article.PubmedData.ArticleIDs {
		switch id.IDType {
		case "doi":
			a.DOI = id.Value
		case "pmc":
			a.PMCID = id.Value
		case "mid":
			a.NIHMSID = id.Value
		}
	}
	// PMC-Artikel haben in der Regel frei verfügbaren Volltext
	a.FullTextAvailable = a.PMCID != ""

	dc := article.MedlineCitation.DateCreated
	if year, err := strconv.Atoi(dc.Year); err == nil {
		month := atoiDefault(dc.Month, 1)
		day := atoiDefault(dc.Day, 1)
		t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
		a.CreateDate = &t
	}

	a.Citation = buildCitation(a.FirstAuthor, a.Journal, article.MedlineCitation.Article.Journal.PubDate.Year,
		article.MedlineCitation.Article.Pagination.MedlinePgn)

	return a
}

func atoiDefault(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

// buildCitation baut einen Zitationsstring aus den vorhandenen Teilen.
func buildCitation(firstAuthor, journal, year, pages string) string {
	var parts []string
	if firstAuthor != "" {
		parts = append(parts, firstAuthor+" et al.")
	}
	if journal != "" {
		parts = append(parts, journal)
	}
	if year != "" {
		parts = append(parts, year)
	}
	if pages != "" {
		parts = append(parts, pages)
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, ". ") + "."
}
