package pubmed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pv-radar/config"
)

const testBaseURL = "https://eutils.test/entrez/eutils"

func newTestFetcher(t *testing.T) *Fetcher {
	t.Helper()
	cfg := &config.Config{
		PubMedBaseURL:   testBaseURL,
		PubMedEmail:     "test@example.com",
		PubMedTool:      "pv-radar-test",
		PubMedRateLimit: 1000,
	}
	// Hoher Burst, damit die Tests nicht am Limiter hängen.
	return NewFetcher(cfg, zap.NewNop(), rate.NewLimiter(rate.Limit(1000), 1000))
}

func setupHTTPMock(t *testing.T) {
	t.Helper()
	httpmock.ActivateNonDefault(httpClient)
	t.Cleanup(httpmock.DeactivateAndReset)
}

func esearchBody(ids []string) string {
	resp := map[string]interface{}{
		"esearchresult": map[string]interface{}{
			"count":  strconv.Itoa(len(ids)),
			"idlist": ids,
		},
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

func idRange(from, to int) []string {
	var ids []string
	for i := from; i <= to; i++ {
		ids = append(ids, strconv.Itoa(i))
	}
	return ids
}

func TestSearch_PaginationAndDedupe(t *testing.T) {
	setupHTTPMock(t)

	httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/esearch.fcgi",
		func(req *http.Request) (*http.Response, error) {
			retstart := req.URL.Query().Get("retstart")
			switch retstart {
			case "0":
				return httpmock.NewStringResponse(http.StatusOK, esearchBody(idRange(1, 50))), nil
			case "50":
				// "50" ist ein Duplikat aus der ersten Seite
				return httpmock.NewStringResponse(http.StatusOK, esearchBody([]string{"50", "51", "52"})), nil
			default:
				return httpmock.NewStringResponse(http.StatusOK, esearchBody(nil)), nil
			}
		})

	fetcher := newTestFetcher(t)
	pmids, err := fetcher.Search(context.Background(), "ibuprofen", nil, nil, 100)

	require.NoError(t, err)
	assert.Len(t, pmids, 52)
	assert.Equal(t, "1", pmids[0])
	assert.Equal(t, "52", pmids[51])
}

func TestSearch_CapsAtMaxResults(t *testing.T) {
	setupHTTPMock(t)

	httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/esearch.fcgi",
		func(req *http.Request) (*http.Response, error) {
			retmax, _ := strconv.Atoi(req.URL.Query().Get("retmax"))
			assert.LessOrEqual(t, retmax, 10)
			return httpmock.NewStringResponse(http.StatusOK, esearchBody(idRange(1, retmax))), nil
		})

	fetcher := newTestFetcher(t)
	pmids, err := fetcher.Search(context.Background(), "ibuprofen", nil, nil, 10)

	require.NoError(t, err)
	assert.Len(t, pmids, 10)
}

func TestSearch_RetriesTransientErrors(t *testing.T) {
	setupHTTPMock(t)

	calls := 0
	httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/esearch.fcgi",
		func(req *http.Request) (*http.Response, error) {
			calls++
			if calls < 3 {
				return httpmock.NewStringResponse(http.StatusInternalServerError, "upstream error"), nil
			}
			return httpmock.NewStringResponse(http.StatusOK, esearchBody([]string{"42"})), nil
		})

	fetcher := newTestFetcher(t)
	pmids, err := fetcher.Search(context.Background(), "ibuprofen", nil, nil, 5)

	require.NoError(t, err)
	assert.Equal(t, []string{"42"}, pmids)
	assert.Equal(t, 3, calls)
}

func TestSearch_GivesUpAfterMaxAttempts(t *testing.T) {
	setupHTTPMock(t)

	httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/esearch.fcgi",
		httpmock.NewStringResponder(http.StatusInternalServerError, "upstream error"))

	fetcher := newTestFetcher(t)
	_, err := fetcher.Search(context.Background(), "ibuprofen", nil, nil, 5)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "3")
	assert.Equal(t, 3, httpmock.GetTotalCallCount())
}

func TestSearch_ClientErrorIsNotRetried(t *testing.T) {
	setupHTTPMock(t)

	httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/esearch.fcgi",
		httpmock.NewStringResponder(http.StatusBadRequest, "bad term"))

	fetcher := newTestFetcher(t)
	_, err := fetcher.Search(context.Background(), "ibuprofen", nil, nil, 5)

	require.Error(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestBuildTerm(t *testing.T) {
	day := func(s string) *time.Time {
		d, err := time.Parse("2006-01-02", s)
		require.NoError(t, err)
		return &d
	}

	tests := []struct {
		name string
		from *time.Time
		to   *time.Time
		want string
	}{
		{"no range", nil, nil, "aspirin"},
		{"full range", day("2024-01-01"), day("2024-01-31"),
			"aspirin AND (2024/01/01[PDAT]:2024/01/31[PDAT])"},
		{"same day gets extended", day("2024-01-15"), day("2024-01-15"),
			"aspirin AND (2024/01/15[PDAT]:2024/01/16[PDAT])"},
		{"only from", day("2024-01-01"), nil,
			"aspirin AND (2024/01/01[PDAT]:3000[PDAT])"},
		{"only to", nil, day("2024-01-31"),
			"aspirin AND (1900[PDAT]:2024/01/31[PDAT])"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, buildTerm("aspirin", tt.from, tt.to))
		})
	}
}

const efetchFixture = `<?xml version="1.0" ?>
<PubmedArticleSet>
  <PubmedArticle>
    <MedlineCitation>
      <PMID>12345678</PMID>
      <DateCreated>
        <Year>2024</Year>
        <Month>01</Month>
        <Day>15</Day>
      </DateCreated>
      <Article>
        <Journal>
          <JournalIssue>
            <PubDate>
              <Year>2024</Year>
            </PubDate>
          </JournalIssue>
          <Title>Journal of Clinical Pharmacology</Title>
        </Journal>
        <ArticleTitle>A case of drug-induced liver injury</ArticleTitle>
        <Pagination>
          <MedlinePgn>112-118</MedlinePgn>
        </Pagination>
        <Abstract>
          <AbstractText>Background text.</AbstractText>
          <AbstractText>Case description text.</AbstractText>
        </Abstract>
        <AuthorList>
          <Author>
            <LastName>Smith</LastName>
            <Initials>JA</Initials>
          </Author>
          <Author>
            <LastName>Doe</LastName>
            <Initials>B</Initials>
          </Author>
        </AuthorList>
      </Article>
    </MedlineCitation>
    <PubmedData>
      <ArticleIdList>
        <ArticleId IdType="pubmed">12345678</ArticleId>
        <ArticleId IdType="doi">10.1000/test.2024</ArticleId>
        <ArticleId IdType="pmc">PMC9999999</ArticleId>
        <ArticleId IdType="mid">NIHMS111111</ArticleId>
      </ArticleIdList>
    </PubmedData>
  </PubmedArticle>
</PubmedArticleSet>`

func TestFetchArticle_MapsAllFields(t *testing.T) {
	setupHTTPMock(t)

	httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/efetch.fcgi",
		httpmock.NewStringResponder(http.StatusOK, efetchFixture))

	fetcher := newTestFetcher(t)
	article, err := fetcher.FetchArticle(context.Background(), "12345678")

	require.NoError(t, err)
	assert.Equal(t, "12345678", article.PMID)
	assert.Equal(t, "A case of drug-induced liver injury", article.Title)
	assert.Equal(t, "Background text. Case description text.", article.Abstract)
	assert.Equal(t, "Smith JA; Doe B", article.Authors)
	assert.Equal(t, "Smith JA", article.FirstAuthor)
	assert.Equal(t, "Journal of Clinical Pharmacology", article.Journal)
	assert.Equal(t, 2024, article.PublicationYear)
	assert.Equal(t, "10.1000/test.2024", article.DOI)
	assert.Equal(t, "PMC9999999", article.PMCID)
	assert.Equal(t, "NIHMS111111", article.NIHMSID)
	assert.True(t, article.FullTextAvailable)
	require.NotNil(t, article.CreateDate)
	assert.Equal(t, "2024-01-15", article.CreateDate.Format("2006-01-02"))
	assert.Equal(t, "Smith JA et al.. Journal of Clinical Pharmacology. 2024. 112-118.", article.Citation)
}

func TestFetchArticle_EmptyResponse(t *testing.T) {
	setupHTTPMock(t)

	httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/efetch.fcgi",
		httpmock.NewStringResponder(http.StatusOK, `<?xml version="1.0" ?><PubmedArticleSet></PubmedArticleSet>`))

	fetcher := newTestFetcher(t)
	_, err := fetcher.FetchArticle(context.Background(), "99999999")

	require.Error(t, err)
}

func TestBuildEsearchURL_IncludesPolicyParams(t *testing.T) {
	fetcher := newTestFetcher(t)
	fetcher.Config.PubMedAPIKey = "secret-key"

	u := fetcher.buildEsearchURL("aspirin", 10, 0)

	assert.Contains(t, u, "tool=pv-radar-test")
	assert.Contains(t, u, "email=test%40example.com")
	assert.Contains(t, u, "api_key=secret-key")
	assert.Contains(t, u, "retmode=json")
	assert.Contains(t, u, fmt.Sprintf("retmax=%d", 10))
}
