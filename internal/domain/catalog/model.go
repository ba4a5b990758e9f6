// Package catalog holds the read-only collaborators the pharmacy workflow
// consults: drug and pharmacy master data, active drug rules and patient
// allergies. The tables are maintained by the master-data services.
package catalog

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hospital/his/internal/platform/apierror"
)

var (
	ErrDrugNotFound     = apierror.New(apierror.KindNotFound, "drug not found")
	ErrPharmacyNotFound = apierror.New(apierror.KindNotFound, "pharmacy not found")
)

type Drug struct {
	ID            uuid.UUID       `json:"id"`
	Code          string          `json:"code"`
	Name          string          `json:"name"`
	GenericName   string          `json:"generic_name"`
	Specification string          `json:"specification,omitempty"`
	Unit          string          `json:"unit"`
	RetailPrice   decimal.Decimal `json:"retail_price"`
	Active        bool            `json:"active"`
}

type Pharmacy struct {
	ID     uuid.UUID `json:"id"`
	Code   string    `json:"code"`
	Name   string    `json:"name"`
	Active bool      `json:"active"`
}

// RuleType discriminates the payload of a DrugRule.
type RuleType string

const (
	RuleDosageLimit      RuleType = "dosage_limit"
	RuleContraindication RuleType = "contraindication"
	RuleInteraction      RuleType = "interaction"
)

// DrugRule is one prescribing rule attached to a drug. Only the fields of its
// type are meaningful: MaxQuantity for dosage limits, Condition for
// contraindications, InteractsWith for interactions.
type DrugRule struct {
	ID            uuid.UUID  `json:"id"`
	DrugID        uuid.UUID  `json:"drug_id"`
	Type          RuleType   `json:"rule_type"`
	MaxQuantity   int        `json:"max_quantity,omitempty"`
	Condition     string     `json:"condition,omitempty"`
	InteractsWith *uuid.UUID `json:"interacts_with,omitempty"`
	Severity      string     `json:"severity"`
	Description   string     `json:"description"`
}

// Allergy records a patient's allergy either to a specific drug or to an
// allergen matched against a drug's generic name.
type Allergy struct {
	ID        uuid.UUID  `json:"id"`
	PatientID uuid.UUID  `json:"patient_id"`
	DrugID    *uuid.UUID `json:"drug_id,omitempty"`
	Allergen  string     `json:"allergen"`
	Reaction  string     `json:"reaction,omitempty"`
	Severity  string     `json:"severity"`
}
