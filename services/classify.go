package services

// Confidence-Tiers für die Darstellung; abgeleitet, nie gespeichert.
const (
	TierHigh   = "high"
	TierMedium = "medium"
	TierLow    = "low"
)

// ConfidenceTier ordnet einen Score den Schwellwerten zu:
// high bei score >= high, medium bei score >= medium, sonst low.
func ConfidenceTier(score, high, medium float64) string {
	switch {
	case score >= high:
		return TierHigh
	case score >= medium:
		return TierMedium
	default:
		return TierLow
	}
}

// AllCriteriaPresent prüft die 4-Kriterien-Regel: ein ICSR braucht
// identifizierbaren Patienten, identifizierbaren Melder, Verdachtspräparat
// und unerwünschte Reaktion.
func AllCriteriaPresent(c CriteriaPresent) bool {
	return c.IdentifiablePatient && c.IdentifiableReporter && c.SuspectedDrug && c.AdverseReaction
}

// CalculateConfidence berechnet den Confidence-Score [0,1] aus der
// Vollständigkeit der Analyse: Basis 0.3, Kriterienklarheit bis 0.4,
// Evidenzqualität bis 0.2, Begründungsqualität 0.1.
func CalculateConfidence(a *Analysis) float64 {
	score := 0.3

	if a.IsICSR {
		criteriaCount := 0
		for _, present := range []bool{
			a.CriteriaPresent.IdentifiablePatient,
			a.CriteriaPresent.IdentifiableReporter,
			a.CriteriaPresent.SuspectedDrug,
			a.CriteriaPresent.AdverseReaction,
		} {
			if present {
				criteriaCount++
			}
		}
		score += float64(criteriaCount) / 4 * 0.4
	} else if a.SafetyClassification.Justification != "" {
		score += 0.4
	}

	evidenceCount := 0
	for _, v := range []string{
		a.CriteriaEvidence.PatientInfo,
		a.CriteriaEvidence.ReporterInfo,
		a.CriteriaEvidence.DrugInfo,
		a.CriteriaEvidence.ReactionInfo,
	} {
		if len(v) > 10 {
			evidenceCount++
		}
	}
	score += float64(evidenceCount) / 4 * 0.2

	if len(a.Reasoning) > 20 {
		score += 0.1
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}
