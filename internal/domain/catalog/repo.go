package catalog

import (
	"context"

	"github.com/google/uuid"
)

// Lookup resolves master data referenced by prescriptions and stock records.
type Lookup interface {
	GetDrug(ctx context.Context, id uuid.UUID) (*Drug, error)
	GetPharmacy(ctx context.Context, id uuid.UUID) (*Pharmacy, error)
}

// RuleSource returns the active prescribing rules of a drug.
type RuleSource interface {
	ActiveRulesForDrug(ctx context.Context, drugID uuid.UUID) ([]*DrugRule, error)
}

// AllergySource returns the recorded allergies of a patient.
type AllergySource interface {
	AllergiesForPatient(ctx context.Context, patientID uuid.UUID) ([]*Allergy, error)
}
