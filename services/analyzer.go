package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"pv-radar/config"
	"pv-radar/models"
)

// systemPrompt ist die feste Instruktion für die ICSR-Analyse.
// Das Antwortformat ist als JSON-Objekt vorgegeben.
const systemPrompt = `You are a pharmacovigilance expert analyzing medical literature for Individual Case Safety Reports (ICSRs) and adverse drug reactions.
Your task is to understand the article abstract and analyze it and determine if it is an ICSR or not based on the analysis requirements below.
[The article is provided in the user prompt as Title and Abstract.]

ANALYSIS REQUIREMENTS:

1. ICSR DETECTION
An Individual Case Safety Report (ICSR) must contain ALL FOUR of these criteria:
a) Identifiable patient (age, gender, initials, patient ID, case number, etc.)
b) Identifiable reporter (physician name, healthcare professional, institution, contact info)
c) Suspected drug or product (specific medication name, brand, dosage, route of administration)
d) Adverse reaction (specific side effect, adverse event, or safety concern)

2. ADVERSE EVENTS EXTRACTION
If adverse events are mentioned, extract them as a list with specific details.

3. OWNERSHIP EXCLUSION ANALYSIS
If this is an ICSR, determine if the marketing authorisation holder's ownership can be excluded based on:
- Different manufacturer/brand name mentioned
- Territory not in approved list
- Different dosage form than approved
- Different route of administration
- Batch number from another manufacturer

4. SAFETY INFORMATION CLASSIFICATION
For non-ICSR articles, classify as:
- Relevant: Clinical efficacy data, population studies, treatment outcomes, aggregate safety data
- Irrelevant: Animal studies, in-vitro/lab studies, environmental studies, cost-effectiveness, surveys, study protocols

RESPONSE FORMAT (JSON):
{
"is_icsr": boolean,
"criteria_present": {
    "identifiable_patient": boolean,
    "identifiable_reporter": boolean,
    "suspected_drug": boolean,
    "adverse_reaction": boolean
},
"criteria_evidence": {
    "patient_info": "quote or description",
    "reporter_info": "quote or description",
    "drug_info": "quote or description",
    "reaction_info": "quote or description"
},
"adverse_events": ["event1", "event2"],
"icsr_description": "brief description of the ICSR if applicable",
"ownership_analysis": {
    "can_exclude": boolean,
    "exclusion_reason": "reason if can exclude, otherwise empty string",
    "territory_mentioned": "country/territory if mentioned",
    "brand_mentioned": "brand name if mentioned",
    "dosage_form_mentioned": "dosage form if mentioned"
},
"safety_classification": {
    "has_relevant_safety_info": boolean,
    "justification": "explanation for classification"
},
"minimum_criteria_available": boolean,
"reasoning": "brief explanation of the analysis"
}

Provide your ICSR analysis in the JSON format specified above.`

// CriteriaPresent bildet die vier ICSR-Kriterien ab.
type CriteriaPresent struct {
	IdentifiablePatient  bool `json:"identifiable_patient"`
	IdentifiableReporter bool `json:"identifiable_reporter"`
	SuspectedDrug        bool `json:"suspected_drug"`
	AdverseReaction      bool `json:"adverse_reaction"`
}

// CriteriaEvidence hält die Textbelege pro Kriterium.
type CriteriaEvidence struct {
	PatientInfo  string `json:"patient_info"`
	ReporterInfo string `json:"reporter_info"`
	DrugInfo     string `json:"drug_info"`
	ReactionInfo string `json:"reaction_info"`
}

// OwnershipAnalysis hält das Ergebnis der Ownership-Exclusion-Prüfung.
type OwnershipAnalysis struct {
	CanExclude          bool   `json:"can_exclude"`
	ExclusionReason     string `json:"exclusion_reason"`
	TerritoryMentioned  string `json:"territory_mentioned"`
	BrandMentioned      string `json:"brand_mentioned"`
	DosageFormMentioned string `json:"dosage_form_mentioned"`
}

// SafetyClassification hält die Safety-Relevanz für Nicht-ICSR-Artikel.
type SafetyClassification struct {
	HasRelevantSafetyInfo bool   `json:"has_relevant_safety_info"`
	Justification         string `json:"justification"`
}

// Analysis ist das strukturierte Urteil des Modells zu einem Artikel.
type Analysis struct {
	IsICSR                   bool                 `json:"is_icsr"`
	CriteriaPresent          CriteriaPresent      `json:"criteria_present"`
	CriteriaEvidence         CriteriaEvidence     `json:"criteria_evidence"`
	AdverseEvents            []string             `json:"adverse_events"`
	ICSRDescription          string               `json:"icsr_description"`
	OwnershipAnalysis        OwnershipAnalysis    `json:"ownership_analysis"`
	SafetyClassification     SafetyClassification `json:"safety_classification"`
	MinimumCriteriaAvailable bool                 `json:"minimum_criteria_available"`
	Reasoning                string               `json:"reasoning"`
	ConfidenceScore          float64              `json:"confidence_score"`
}

// chatRequest / chatResponse bilden das Chat-Completions-Wire-Format ab.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// AIService kapselt den Zugriff auf die OpenAI-kompatible Chat-API.
type AIService struct {
	Config     *config.Config
	Logger     *zap.Logger
	httpClient *http.Client
}

// NewAIService erstellt eine neue Instanz des AI-Service.
func NewAIService(cfg *config.Config, logger *zap.Logger) *AIService {
	return &AIService{
		Config:     cfg,
		Logger:     logger,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// AnalyzeArticle schickt Titel/Abstract plus Produktattribute an das Modell
// und parst das strukturierte Urteil. Die rohe Modellantwort wird für
// Audit-Zwecke mit zurückgegeben.
func (s *AIService) AnalyzeArticle(ctx context.Context, title, abstract string, product *models.Product) (*Analysis, json.RawMessage, error) {
	if s.Config.OpenAIAPIKey == "" {
		return nil, nil, fmt.Errorf("openai api key ist nicht konfiguriert")
	}

	prompt := buildAnalysisPrompt(title, abstract, product)
	s.Logger.Info("Starte KI-Analyse", zap.String("title", truncate(title, 50)))

	temperature := 0.1
	req := chatRequest{
		Model: s.Config.OpenAIModel,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		ResponseFormat: &struct {
			Type string `json:"type"`
		}{Type: "json_object"},
		Temperature: &temperature,
	}

	content, err := s.complete(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	var analysis Analysis
	if err := json.Unmarshal([]byte(content), &analysis); err != nil {
		return nil, json.RawMessage(content), fmt.Errorf("modellantwort nicht parsebar: %w", err)
	}

	analysis.ConfidenceScore = CalculateConfidence(&analysis)
	s.Logger.Info("KI-Analyse abgeschlossen",
		zap.Bool("is_icsr", analysis.IsICSR),
		zap.Float64("confidence", analysis.ConfidenceScore))

	return &analysis, json.RawMessage(content), nil
}

// TestConnection prüft die Erreichbarkeit der Chat-API mit einer Minimalanfrage.
func (s *AIService) TestConnection(ctx context.Context) error {
	if s.Config.OpenAIAPIKey == "" {
		return fmt.Errorf("openai api key ist nicht konfiguriert")
	}
	req := chatRequest{
		Model:     s.Config.OpenAIModel,
		Messages:  []chatMessage{{Role: "user", Content: "Test"}},
		MaxTokens: 5,
	}
	_, err := s.complete(ctx, req)
	return err
}

// complete führt einen Chat-Completions-Aufruf aus und liefert den Content
// der ersten Choice.
func (s *AIService) complete(ctx context.Context, chatReq chatRequest) (string, error) {
	body, err := json.Marshal(chatReq)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.Config.OpenAIBaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.Config.OpenAIAPIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("openai error %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("chat-antwort enthält keine choices")
	}
	return chatResp.Choices[0].Message.Content, nil
}

// buildAnalysisPrompt baut den User-Prompt mit Artikel- und Produktdaten.
func buildAnalysisPrompt(title, abstract string, product *models.Product) string {
	return fmt.Sprintf(`Analyze the following medical article for determining ICSR.
ARTICLE INFORMATION:
Title: %s
Abstract: %s

PRODUCT INFORMATION:
Product Name (INN): %s
Approved Territories: %s
Approved Dosage Forms: %s
Approved Routes of Administration: %s`,
		title, abstract, product.INN,
		joinOrDefault(product.Territories),
		joinOrDefault(product.DosageForms),
		joinOrDefault(product.RoutesOfAdministration))
}

func joinOrDefault(values []string) string {
	if len(values) == 0 {
		return "Not specified"
	}
	return strings.Join(values, ", ")
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
