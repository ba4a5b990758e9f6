package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type RecordRepository interface {
	// Create fails with ErrDuplicateRecord when the triple already exists.
	Create(ctx context.Context, r *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	// GetForUpdate reads the record under a row lock held until the
	// surrounding transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Record, error)
	// LockBatches locks every batch of a drug at a pharmacy, earliest expiry
	// first, batches without expiry last.
	LockBatches(ctx context.Context, drugID, pharmacyID uuid.UUID) ([]*Record, error)
	UpdateQuantity(ctx context.Context, id uuid.UUID, quantity int) error
	SetFrozen(ctx context.Context, id uuid.UUID, frozen bool) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f RecordFilter, limit, offset int) ([]*Record, int, error)
	ListByPharmacy(ctx context.Context, pharmacyID uuid.UUID) ([]*Record, error)
	FindLowStock(ctx context.Context, pharmacyID *uuid.UUID) ([]*Record, error)
	FindExpiring(ctx context.Context, before time.Time, pharmacyID *uuid.UUID) ([]*Record, error)
}

// TransactionRepository is append-only: there is no update or delete.
type TransactionRepository interface {
	Append(ctx context.Context, t *Transaction) error
	List(ctx context.Context, f TransactionFilter, limit, offset int) ([]*Transaction, int, error)
	// Iterate streams every matching entry oldest first.
	Iterate(ctx context.Context, f TransactionFilter, fn func(*Transaction) error) error
	Stats(ctx context.Context, from, to *time.Time, pharmacyID *uuid.UUID) ([]TypeStat, error)
	SignedSum(ctx context.Context, drugID, pharmacyID uuid.UUID, batch string) (int, error)
}
