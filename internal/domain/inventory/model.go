// Package inventory implements the pharmacy stock ledger. Each (drug,
// pharmacy, batch) triple has one Record whose quantity changes only through
// Service.Adjust, which writes exactly one append-only Transaction per change.
package inventory

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType tags a ledger entry. The sign convention lives in
// directionFor: inbound is always positive, outbound always negative,
// transfers and corrections carry their own sign.
type TransactionType string

const (
	TypeInbound    TransactionType = "inbound"
	TypeOutbound   TransactionType = "outbound"
	TypeTransfer   TransactionType = "transfer"
	TypeAdjustment TransactionType = "adjustment"
)

var validTypes = map[TransactionType]bool{
	TypeInbound: true, TypeOutbound: true, TypeTransfer: true, TypeAdjustment: true,
}

// MaxQuantity is the largest quantity, delta or threshold the INTEGER
// columns accept.
const MaxQuantity = math.MaxInt32

var (
	maxUnitPrice = decimal.New(1, 10) // NUMERIC(12,2)
	maxAmount    = decimal.New(1, 12) // NUMERIC(14,2)
)

// ValidUnitPrice reports whether p is a non-negative price with at most two
// decimals that fits the unit price columns.
func ValidUnitPrice(p decimal.Decimal) bool {
	return !p.IsNegative() && p.LessThan(maxUnitPrice) && p.Equal(p.Round(2))
}

// ValidAmount reports whether a computed total fits the amount columns.
func ValidAmount(a decimal.Decimal) bool {
	return a.Abs().LessThan(maxAmount)
}

// ReferencePrescription is the reference type stamped on dispense entries.
const ReferencePrescription = "prescription"

type Record struct {
	ID               uuid.UUID       `json:"id"`
	DrugID           uuid.UUID       `json:"drug_id"`
	PharmacyID       uuid.UUID       `json:"pharmacy_id"`
	BatchNumber      string          `json:"batch_number"`
	Quantity         int             `json:"quantity"`
	MinimumThreshold int             `json:"minimum_threshold"`
	MaximumThreshold int             `json:"maximum_threshold"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	ValidFrom        *time.Time      `json:"valid_from,omitempty"`
	ValidTo          *time.Time      `json:"valid_to,omitempty"`
	IsFrozen         bool            `json:"is_frozen"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Expired reports whether the batch's validity window has closed at now.
func (r *Record) Expired(now time.Time) bool {
	return r.ValidTo != nil && !r.ValidTo.After(now)
}

// Dispensable reports whether the batch may be drawn from at now.
func (r *Record) Dispensable(now time.Time) bool {
	if r.IsFrozen || r.Quantity <= 0 || r.Expired(now) {
		return false
	}
	return r.ValidFrom == nil || !r.ValidFrom.After(now)
}

func (r *Record) BelowMinimum() bool {
	return r.Quantity < r.MinimumThreshold
}

// Transaction is one immutable ledger entry. Quantity is the magnitude of
// the movement; Direction (+1/-1) carries its sign.
type Transaction struct {
	ID            uuid.UUID       `json:"id"`
	RecordID      uuid.UUID       `json:"record_id"`
	DrugID        uuid.UUID       `json:"drug_id"`
	PharmacyID    uuid.UUID       `json:"pharmacy_id"`
	BatchNumber   string          `json:"batch_number"`
	Type          TransactionType `json:"transaction_type"`
	Direction     int             `json:"direction"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Reason        string          `json:"reason"`
	ReferenceID   *uuid.UUID      `json:"reference_id,omitempty"`
	ReferenceType string          `json:"reference_type,omitempty"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Signed returns the quantity with its direction applied.
func (t *Transaction) Signed() int {
	return t.Direction * t.Quantity
}

// Reference links a ledger entry back to the document that caused it.
type Reference struct {
	ID   uuid.UUID
	Type string
}

// Adjustment is the input of Service.Adjust.
type Adjustment struct {
	RecordID uuid.UUID
	Delta    int
	// Type is derived from the sign of Delta when empty.
	Type      TransactionType
	Reason    string
	Reference *Reference
	// UnitPrice overrides the record's unit price for the entry's amount.
	UnitPrice *decimal.Decimal
	Actor     string
}

// AdjustResult is the record after the change and the entry that recorded it.
type AdjustResult struct {
	Record      *Record      `json:"record"`
	Transaction *Transaction `json:"transaction"`
}

// Receipt is the input of Service.ReceiveStock.
type Receipt struct {
	DrugID           uuid.UUID
	PharmacyID       uuid.UUID
	BatchNumber      string
	Quantity         int
	MinimumThreshold int
	MaximumThreshold int
	UnitPrice        decimal.Decimal
	ValidFrom        *time.Time
	ValidTo          *time.Time
	Reason           string
	Actor            string
}

type RecordFilter struct {
	DrugID      *uuid.UUID
	PharmacyID  *uuid.UUID
	BatchNumber string
	Frozen      *bool
}

type TransactionFilter struct {
	DrugID        *uuid.UUID
	PharmacyID    *uuid.UUID
	BatchNumber   string
	Type          TransactionType
	ReferenceID   *uuid.UUID
	ReferenceType string
	CreatedBy     string
	From          *time.Time
	To            *time.Time
}

// TypeStat aggregates the ledger entries of one transaction type.
type TypeStat struct {
	Type        TransactionType `json:"transaction_type"`
	Count       int             `json:"count"`
	Quantity    int             `json:"quantity"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	NetQuantity int             `json:"net_quantity"`
}

type Stats struct {
	From        *time.Time      `json:"from,omitempty"`
	To          *time.Time      `json:"to,omitempty"`
	PharmacyID  *uuid.UUID      `json:"pharmacy_id,omitempty"`
	ByType      []TypeStat      `json:"by_type"`
	Count       int             `json:"count"`
	NetQuantity int             `json:"net_quantity"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// Reconciliation compares a record's quantity with the signed sum of the
// ledger entries for its (drug, pharmacy, batch) triple.
type Reconciliation struct {
	RecordID    uuid.UUID `json:"record_id"`
	DrugID      uuid.UUID `json:"drug_id"`
	PharmacyID  uuid.UUID `json:"pharmacy_id"`
	BatchNumber string    `json:"batch_number"`
	Quantity    int       `json:"quantity"`
	LedgerSum   int       `json:"ledger_sum"`
	Balanced    bool      `json:"balanced"`
}
