package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hospital/his/internal/platform/apierror"
)

// Draw requests stock of one drug at one pharmacy for a dispense.
type Draw struct {
	DrugID     uuid.UUID
	PharmacyID uuid.UUID
	Quantity   int
	// Split allows the quantity to be taken from several batches.
	Split     bool
	Reason    string
	Reference *Reference
	UnitPrice *decimal.Decimal
	Actor     string
}

type portion struct {
	record   *Record
	quantity int
}

// planDraw chooses batches first-expired-first-out among the dispensable
// ones. batches must already be in expiry order. Without split, the earliest
// batch that alone covers the quantity is used.
func planDraw(batches []*Record, need int, split bool, now time.Time) ([]portion, error) {
	available := 0
	var candidates []*Record
	for _, b := range batches {
		if b.Dispensable(now) {
			candidates = append(candidates, b)
			available += b.Quantity
		}
	}

	if !split {
		for _, b := range candidates {
			if b.Quantity >= need {
				return []portion{{record: b, quantity: need}}, nil
			}
		}
		largest := 0
		for _, b := range candidates {
			if b.Quantity > largest {
				largest = b.Quantity
			}
		}
		return nil, fmt.Errorf("need %d, largest dispensable batch holds %d: %w", need, largest, ErrInsufficientStock)
	}

	if available < need {
		return nil, fmt.Errorf("need %d, dispensable batches hold %d: %w", need, available, ErrInsufficientStock)
	}
	var plan []portion
	remaining := need
	for _, b := range candidates {
		if remaining == 0 {
			break
		}
		take := b.Quantity
		if take > remaining {
			take = remaining
		}
		plan = append(plan, portion{record: b, quantity: take})
		remaining -= take
	}
	return plan, nil
}

// Draw locks every batch of the drug at the pharmacy, picks batches FEFO and
// books one outbound entry per batch touched. It must run inside the
// caller's unit of work so a later failure rolls the draw back.
func (s *Service) Draw(ctx context.Context, d Draw) ([]*AdjustResult, error) {
	if d.Quantity <= 0 {
		return nil, apierror.Validation("draw quantity must be positive")
	}

	var results []*AdjustResult
	err := s.uow.InTx(ctx, func(ctx context.Context) error {
		batches, err := s.records.LockBatches(ctx, d.DrugID, d.PharmacyID)
		if err != nil {
			return fmt.Errorf("lock batches: %w", err)
		}
		if len(batches) == 0 {
			return fmt.Errorf("drug %s at pharmacy %s: %w", d.DrugID, d.PharmacyID, ErrNoBatch)
		}

		plan, err := planDraw(batches, d.Quantity, d.Split, s.now())
		if err != nil {
			return fmt.Errorf("drug %s: %w", d.DrugID, err)
		}
		for _, p := range plan {
			res, err := s.apply(ctx, p.record, Adjustment{
				RecordID:  p.record.ID,
				Delta:     -p.quantity,
				Type:      TypeOutbound,
				Reason:    d.Reason,
				Reference: d.Reference,
				UnitPrice: d.UnitPrice,
				Actor:     d.Actor,
			})
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}
