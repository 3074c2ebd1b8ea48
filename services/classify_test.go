package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfidenceTier(t *testing.T) {
	const high, medium = 0.85, 0.60

	tests := []struct {
		name  string
		score float64
		want  string
	}{
		{"well above high", 0.95, TierHigh},
		{"exactly high threshold", 0.85, TierHigh},
		{"just below high", 0.8499, TierMedium},
		{"exactly medium threshold", 0.60, TierMedium},
		{"just below medium", 0.5999, TierLow},
		{"zero", 0, TierLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ConfidenceTier(tt.score, high, medium))
		})
	}
}

func TestAllCriteriaPresent(t *testing.T) {
	full := CriteriaPresent{
		IdentifiablePatient:  true,
		IdentifiableReporter: true,
		SuspectedDrug:        true,
		AdverseReaction:      true,
	}
	assert.True(t, AllCriteriaPresent(full))

	// Jedes fehlende Kriterium kippt das Ergebnis.
	missingReporter := full
	missingReporter.IdentifiableReporter = false
	assert.False(t, AllCriteriaPresent(missingReporter))

	assert.False(t, AllCriteriaPresent(CriteriaPresent{}))
}

func TestCalculateConfidence_ICSRAllSignals(t *testing.T) {
	longEvidence := strings.Repeat("e", 15)
	a := &Analysis{
		IsICSR: true,
		CriteriaPresent: CriteriaPresent{
			IdentifiablePatient:  true,
			IdentifiableReporter: true,
			SuspectedDrug:        true,
			AdverseReaction:      true,
		},
		CriteriaEvidence: CriteriaEvidence{
			PatientInfo:  longEvidence,
			ReporterInfo: longEvidence,
			DrugInfo:     longEvidence,
			ReactionInfo: longEvidence,
		},
		Reasoning: strings.Repeat("r", 25),
	}

	assert.InDelta(t, 1.0, CalculateConfidence(a), 1e-9)
}

func TestCalculateConfidence_ICSRPartialCriteria(t *testing.T) {
	a := &Analysis{
		IsICSR: true,
		CriteriaPresent: CriteriaPresent{
			IdentifiablePatient: true,
			SuspectedDrug:       true,
		},
	}

	// Basis 0.3 + 2/4 * 0.4 = 0.5
	assert.InDelta(t, 0.5, CalculateConfidence(a), 1e-9)
}

func TestCalculateConfidence_NonICSRWithJustification(t *testing.T) {
	a := &Analysis{
		SafetyClassification: SafetyClassification{
			HasRelevantSafetyInfo: true,
			Justification:         "aggregate safety data from a cohort study",
		},
	}

	// Basis 0.3 + 0.4 für die Begründung
	assert.InDelta(t, 0.7, CalculateConfidence(a), 1e-9)
}

func TestCalculateConfidence_BareAnalysis(t *testing.T) {
	assert.InDelta(t, 0.3, CalculateConfidence(&Analysis{}), 1e-9)
}

func TestCalculateConfidence_ShortEvidenceDoesNotCount(t *testing.T) {
	a := &Analysis{
		CriteriaEvidence: CriteriaEvidence{
			PatientInfo: "short",
			DrugInfo:    "brief",
		},
		Reasoning: "too short",
	}

	assert.InDelta(t, 0.3, CalculateConfidence(a), 1e-9)
}
