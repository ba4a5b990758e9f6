package prescription

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/hospital/his/internal/domain/inventory"
	"github.com/hospital/his/internal/platform/apierror"
	"github.com/hospital/his/internal/platform/db"
)

const dispenseReason = "prescription dispense"

// DispenseResult is the dispensed prescription and the ledger entries the
// dispense wrote, one or more per line.
type DispenseResult struct {
	Prescription *Prescription           `json:"prescription"`
	Entries      []*inventory.Transaction `json:"entries"`
}

// Dispense draws every line from the pharmacy's stock and marks the
// prescription DISPENSED. The prescription row stays locked from the status
// check to the status write, and any failing line rolls back the draws of
// the lines before it.
func (s *Service) Dispense(ctx context.Context, id uuid.UUID, actor string) (*DispenseResult, error) {
	if actor == "" {
		return nil, errNoActor
	}

	res := &DispenseResult{}
	err := s.uow.InTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := canDispense(p.Status); err != nil {
			return err
		}

		ref := &inventory.Reference{ID: p.ID, Type: inventory.ReferencePrescription}
		for _, l := range p.Lines {
			price := l.UnitPrice
			drawn, err := s.ledger.Draw(ctx, inventory.Draw{
				DrugID:     l.DrugID,
				PharmacyID: p.PharmacyID,
				Quantity:   l.Quantity,
				Split:      s.split,
				Reason:     dispenseReason,
				Reference:  ref,
				UnitPrice:  &price,
				Actor:      actor,
			})
			if err != nil {
				return fmt.Errorf("line %d (%s): %w", l.LineNo, l.DrugName, err)
			}
			for _, d := range drawn {
				res.Entries = append(res.Entries, d.Transaction)
			}
		}

		from := p.Status
		now := s.now()
		p.Status = StatusDispensed
		p.DispensedBy = actor
		p.DispenseTime = &now
		if err := s.repo.UpdateStatus(ctx, p); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		res.Prescription = p

		db.AfterCommit(ctx, func() {
			s.metrics.DispenseOutcome("ok")
			s.transitioned(ctx, p, from, actor)
		})
		return nil
	})
	if err != nil {
		s.metrics.DispenseOutcome(string(apierror.KindOf(err)))
		s.logFailure("dispense", err, id)
		return nil, err
	}
	return res, nil
}
