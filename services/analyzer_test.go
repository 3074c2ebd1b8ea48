package services

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pv-radar/config"
	"pv-radar/models"
)

const testAIBaseURL = "https://ai.test/v1"

func newTestAIService(t *testing.T) *AIService {
	t.Helper()
	cfg := &config.Config{
		OpenAIBaseURL: testAIBaseURL,
		OpenAIAPIKey:  "test-key",
		OpenAIModel:   "gpt-4.1-mini",
	}
	return NewAIService(cfg, zap.NewNop())
}

func setupAIMock(t *testing.T, svc *AIService) {
	t.Helper()
	httpmock.ActivateNonDefault(svc.httpClient)
	t.Cleanup(httpmock.DeactivateAndReset)
}

// chatCompletionBody verpackt den Analysis-Content in die Chat-API-Hülle.
func chatCompletionBody(t *testing.T, content string) string {
	t.Helper()
	resp := map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]interface{}{"content": content}},
		},
	}
	b, err := json.Marshal(resp)
	require.NoError(t, err)
	return string(b)
}

func testProduct() *models.Product {
	return &models.Product{
		INN:                    "ibuprofen",
		SearchStrategy:         `"ibuprofen"[Title/Abstract]`,
		Territories:            []string{"Germany", "France"},
		DosageForms:            []string{"tablet"},
		RoutesOfAdministration: []string{"oral"},
	}
}

func TestAnalyzeArticle_ParsesAnalysis(t *testing.T) {
	svc := newTestAIService(t)
	setupAIMock(t, svc)

	analysisJSON := `{
		"is_icsr": true,
		"criteria_present": {
			"identifiable_patient": true,
			"identifiable_reporter": true,
			"suspected_drug": true,
			"adverse_reaction": true
		},
		"criteria_evidence": {
			"patient_info": "a 54-year-old female patient",
			"reporter_info": "reported by the treating hepatologist",
			"drug_info": "ibuprofen 400mg oral tablets",
			"reaction_info": "acute liver injury after two weeks"
		},
		"adverse_events": ["acute liver injury"],
		"icsr_description": "Case report of liver injury under ibuprofen",
		"ownership_analysis": {
			"can_exclude": true,
			"exclusion_reason": "brand from a different manufacturer",
			"territory_mentioned": "Japan",
			"brand_mentioned": "OtherBrand",
			"dosage_form_mentioned": "tablet"
		},
		"safety_classification": {
			"has_relevant_safety_info": false,
			"justification": ""
		},
		"minimum_criteria_available": true,
		"reasoning": "All four minimum criteria are clearly present in the abstract."
	}`

	var capturedAuth string
	httpmock.RegisterResponder(http.MethodPost, testAIBaseURL+"/chat/completions",
		func(req *http.Request) (*http.Response, error) {
			capturedAuth = req.Header.Get("Authorization")
			return httpmock.NewStringResponse(http.StatusOK, chatCompletionBody(t, analysisJSON)), nil
		})

	analysis, raw, err := svc.AnalyzeArticle(context.Background(), "Case report", "Abstract text", testProduct())

	require.NoError(t, err)
	assert.Equal(t, "Bearer test-key", capturedAuth)
	assert.True(t, analysis.IsICSR)
	assert.True(t, analysis.OwnershipAnalysis.CanExclude)
	assert.Equal(t, "brand from a different manufacturer", analysis.OwnershipAnalysis.ExclusionReason)
	assert.True(t, analysis.MinimumCriteriaAvailable)
	// Alle Signale vorhanden: 0.3 + 0.4 + 0.2 + 0.1
	assert.InDelta(t, 1.0, analysis.ConfidenceScore, 1e-9)
	assert.JSONEq(t, analysisJSON, string(raw))
}

func TestAnalyzeArticle_UnparsableContent(t *testing.T) {
	svc := newTestAIService(t)
	setupAIMock(t, svc)

	httpmock.RegisterResponder(http.MethodPost, testAIBaseURL+"/chat/completions",
		httpmock.NewStringResponder(http.StatusOK, chatCompletionBody(t, "I cannot answer in JSON, sorry.")))

	analysis, raw, err := svc.AnalyzeArticle(context.Background(), "Title", "Abstract", testProduct())

	require.Error(t, err)
	assert.Nil(t, analysis)
	// Die Rohantwort bleibt für die Fehlerdiagnose erhalten.
	assert.Equal(t, "I cannot answer in JSON, sorry.", string(raw))
}

func TestAnalyzeArticle_NoAPIKey(t *testing.T) {
	svc := newTestAIService(t)
	svc.Config.OpenAIAPIKey = ""
	setupAIMock(t, svc)

	_, _, err := svc.AnalyzeArticle(context.Background(), "Title", "Abstract", testProduct())

	require.Error(t, err)
	assert.Equal(t, 0, httpmock.GetTotalCallCount())
}

func TestAnalyzeArticle_APIError(t *testing.T) {
	svc := newTestAIService(t)
	setupAIMock(t, svc)

	httpmock.RegisterResponder(http.MethodPost, testAIBaseURL+"/chat/completions",
		httpmock.NewStringResponder(http.StatusTooManyRequests, `{"error": {"message": "rate limit"}}`))

	_, _, err := svc.AnalyzeArticle(context.Background(), "Title", "Abstract", testProduct())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestAnalyzeArticle_RequestShape(t *testing.T) {
	svc := newTestAIService(t)
	setupAIMock(t, svc)

	var captured chatRequest
	httpmock.RegisterResponder(http.MethodPost, testAIBaseURL+"/chat/completions",
		func(req *http.Request) (*http.Response, error) {
			require.NoError(t, json.NewDecoder(req.Body).Decode(&captured))
			return httpmock.NewStringResponse(http.StatusOK, chatCompletionBody(t, `{"is_icsr": false}`)), nil
		})

	_, _, err := svc.AnalyzeArticle(context.Background(), "Title", "Abstract", testProduct())

	require.NoError(t, err)
	assert.Equal(t, "gpt-4.1-mini", captured.Model)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "user", captured.Messages[1].Role)
	assert.Contains(t, captured.Messages[1].Content, "ibuprofen")
	assert.Contains(t, captured.Messages[1].Content, "Germany, France")
	require.NotNil(t, captured.ResponseFormat)
	assert.Equal(t, "json_object", captured.ResponseFormat.Type)
	require.NotNil(t, captured.Temperature)
	assert.InDelta(t, 0.1, *captured.Temperature, 1e-9)
}

func TestTruncate_RuneSafe(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 50))
	assert.Equal(t, "abcde...", truncate("abcdefgh", 5))
	// Mehrbyte-Zeichen dürfen nicht zerschnitten werden
	assert.Equal(t, "größe...", truncate("größenordnung", 5))
	assert.Equal(t, "日本語...", truncate("日本語のタイトル", 3))
}

func TestTestConnection(t *testing.T) {
	svc := newTestAIService(t)
	setupAIMock(t, svc)

	httpmock.RegisterResponder(http.MethodPost, testAIBaseURL+"/chat/completions",
		httpmock.NewStringResponder(http.StatusOK, chatCompletionBody(t, "ok")))

	require.NoError(t, svc.TestConnection(context.Background()))

	svc.Config.OpenAIAPIKey = ""
	require.Error(t, svc.TestConnection(context.Background()))
}
