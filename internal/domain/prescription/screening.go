package prescription

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/hospital/his/internal/domain/catalog"
)

// ScreeningMode selects what happens to safety findings at creation.
type ScreeningMode string

const (
	ScreeningOff   ScreeningMode = "off"
	ScreeningWarn  ScreeningMode = "warn"
	ScreeningBlock ScreeningMode = "block"
)

func (m ScreeningMode) Valid() bool {
	return m == ScreeningOff || m == ScreeningWarn || m == ScreeningBlock
}

type FindingKind string

const (
	FindingDosageLimit      FindingKind = "dosage_limit"
	FindingContraindication FindingKind = "contraindication"
	FindingInteraction      FindingKind = "interaction"
	FindingAllergy          FindingKind = "allergy"
)

// Finding is one screening hit. LineNo is 1-based.
type Finding struct {
	Kind     FindingKind `json:"kind"`
	LineNo   int         `json:"line_no"`
	DrugID   uuid.UUID   `json:"drug_id"`
	Severity string      `json:"severity,omitempty"`
	Message  string      `json:"message"`
}

// screenedLine is a requested line with its resolved drug.
type screenedLine struct {
	no       int
	drug     *catalog.Drug
	quantity int
}

// Screener consults drug rules and patient allergies.
type Screener struct {
	rules     catalog.RuleSource
	allergies catalog.AllergySource
}

func NewScreener(rules catalog.RuleSource, allergies catalog.AllergySource) *Screener {
	return &Screener{rules: rules, allergies: allergies}
}

func (s *Screener) screen(ctx context.Context, patientID uuid.UUID, diagnosis string, lines []screenedLine) ([]Finding, error) {
	var findings []Finding
	byDrug := make(map[uuid.UUID]screenedLine, len(lines))
	for _, l := range lines {
		if _, seen := byDrug[l.drug.ID]; !seen {
			byDrug[l.drug.ID] = l
		}
	}
	reported := map[[2]uuid.UUID]bool{}

	for _, l := range lines {
		rules, err := s.rules.ActiveRulesForDrug(ctx, l.drug.ID)
		if err != nil {
			return nil, fmt.Errorf("rules for drug %s: %w", l.drug.ID, err)
		}
		for _, r := range rules {
			switch r.Type {
			case catalog.RuleDosageLimit:
				if r.MaxQuantity > 0 && l.quantity > r.MaxQuantity {
					findings = append(findings, Finding{
						Kind: FindingDosageLimit, LineNo: l.no, DrugID: l.drug.ID, Severity: r.Severity,
						Message: fmt.Sprintf("%s: quantity %d exceeds limit %d", l.drug.Name, l.quantity, r.MaxQuantity),
					})
				}
			case catalog.RuleContraindication:
				if r.Condition != "" && containsFold(diagnosis, r.Condition) {
					findings = append(findings, Finding{
						Kind: FindingContraindication, LineNo: l.no, DrugID: l.drug.ID, Severity: r.Severity,
						Message: fmt.Sprintf("%s is contraindicated for %s", l.drug.Name, r.Condition),
					})
				}
			case catalog.RuleInteraction:
				if r.InteractsWith == nil {
					continue
				}
				other, ok := byDrug[*r.InteractsWith]
				if !ok || other.drug.ID == l.drug.ID {
					continue
				}
				pair := orderedPair(l.drug.ID, other.drug.ID)
				if reported[pair] {
					continue
				}
				reported[pair] = true
				findings = append(findings, Finding{
					Kind: FindingInteraction, LineNo: l.no, DrugID: l.drug.ID, Severity: r.Severity,
					Message: fmt.Sprintf("%s interacts with %s (line %d)", l.drug.Name, other.drug.Name, other.no),
				})
			}
		}
	}

	allergies, err := s.allergies.AllergiesForPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("allergies for patient %s: %w", patientID, err)
	}
	for _, a := range allergies {
		for _, l := range lines {
			if allergicTo(a, l.drug) {
				findings = append(findings, Finding{
					Kind: FindingAllergy, LineNo: l.no, DrugID: l.drug.ID, Severity: a.Severity,
					Message: fmt.Sprintf("patient is allergic to %s", l.drug.Name),
				})
			}
		}
	}
	return findings, nil
}

func allergicTo(a *catalog.Allergy, d *catalog.Drug) bool {
	if a.DrugID != nil {
		return *a.DrugID == d.ID
	}
	if a.Allergen == "" {
		return false
	}
	return strings.EqualFold(a.Allergen, d.GenericName) || strings.EqualFold(a.Allergen, d.Name)
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func orderedPair(a, b uuid.UUID) [2]uuid.UUID {
	if a.String() < b.String() {
		return [2]uuid.UUID{a, b}
	}
	return [2]uuid.UUID{b, a}
}

func summarizeFindings(findings []Finding) string {
	parts := make([]string, len(findings))
	for i, f := range findings {
		parts[i] = f.Message
	}
	return strings.Join(parts, "; ")
}
