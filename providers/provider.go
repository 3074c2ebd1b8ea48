package providers

import (
	"context"
	"time"

	"pv-radar/models"
)

// Provider ist das Interface, das jeder Literatursuch-Provider implementieren muss.
type Provider interface {
	// Search liefert PMIDs für eine Query innerhalb eines Datumsbereichs,
	// dedupliziert und begrenzt auf maxResults.
	Search(ctx context.Context, query string, from, to *time.Time, maxResults int) ([]string, error)

	// FetchArticle holt die Metadaten zu einer einzelnen PMID.
	FetchArticle(ctx context.Context, pmid string) (*models.Article, error)

	// TestConnection prüft die Erreichbarkeit der Upstream-API.
	TestConnection(ctx context.Context) error

	// Name gibt den eindeutigen Namen des Providers zurück (z.B. "pubmed").
	Name() string
}
