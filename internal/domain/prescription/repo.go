package prescription

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Create writes the header and all lines. It returns ErrDuplicateNumber
	// without aborting the surrounding transaction when the number is taken.
	Create(ctx context.Context, p *Prescription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error)
	// GetForUpdate reads the prescription with its header row locked until
	// the surrounding transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Prescription, error)
	GetByNumber(ctx context.Context, number string) (*Prescription, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Prescription, int, error)
	// UpdateStatus writes the status, review, dispense and remark fields.
	// Lines are never rewritten.
	UpdateStatus(ctx context.Context, p *Prescription) error
}
