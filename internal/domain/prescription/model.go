// Package prescription implements the prescription aggregate, its review /
// dispense / cancel state machine and the fulfillment step that draws stock
// from the inventory ledger in the same unit of work.
package prescription

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPendingReview Status = "PENDING_REVIEW"
	StatusReviewed      Status = "REVIEWED"
	StatusRejected      Status = "REJECTED"
	StatusDispensed     Status = "DISPENSED"
	StatusCancelled     Status = "CANCELLED"
)

type Prescription struct {
	ID             uuid.UUID       `json:"id"`
	Number         string          `json:"prescription_number"`
	PatientID      uuid.UUID       `json:"patient_id"`
	DoctorID       uuid.UUID       `json:"doctor_id"`
	PharmacyID     uuid.UUID       `json:"pharmacy_id"`
	Diagnosis      string          `json:"diagnosis"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Status         Status          `json:"status"`
	ReviewComments string          `json:"review_comments,omitempty"`
	ReviewBy       string          `json:"review_by,omitempty"`
	ReviewTime     *time.Time      `json:"review_time,omitempty"`
	DispensedBy    string          `json:"dispensed_by,omitempty"`
	DispenseTime   *time.Time      `json:"dispense_time,omitempty"`
	Remark         string          `json:"remark,omitempty"`
	CreatedBy      string          `json:"created_by"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`

	Lines []*Line `json:"lines"`
	// Warnings carries screening findings of the create call; not persisted.
	Warnings []Finding `json:"warnings,omitempty"`
}

// Line is immutable once written.
type Line struct {
	ID                  uuid.UUID       `json:"id"`
	PrescriptionID      uuid.UUID       `json:"prescription_id"`
	LineNo              int             `json:"line_no"`
	DrugID              uuid.UUID       `json:"drug_id"`
	DrugName            string          `json:"drug_name"`
	Dosage              string          `json:"dosage"`
	DosageUnit          string          `json:"dosage_unit"`
	Frequency           string          `json:"frequency"`
	AdministrationRoute string          `json:"administration_route"`
	Duration            string          `json:"duration"`
	Quantity            int             `json:"quantity"`
	UnitPrice           decimal.Decimal `json:"unit_price"`
	TotalPrice          decimal.Decimal `json:"total_price"`
}

// LineInput is one requested line. A zero UnitPrice takes the drug's retail
// price.
type LineInput struct {
	DrugID              uuid.UUID
	Dosage              string
	DosageUnit          string
	Frequency           string
	AdministrationRoute string
	Duration            string
	Quantity            int
	UnitPrice           decimal.Decimal
}

type CreateInput struct {
	PatientID  uuid.UUID
	DoctorID   uuid.UUID
	PharmacyID uuid.UUID
	Diagnosis  string
	Remark     string
	Lines      []LineInput
	Actor      string
}

type Filter struct {
	PatientID  *uuid.UUID
	DoctorID   *uuid.UUID
	PharmacyID *uuid.UUID
	Status     Status
}

// Total sums the line totals.
func Total(lines []*Line) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.TotalPrice)
	}
	return total
}
