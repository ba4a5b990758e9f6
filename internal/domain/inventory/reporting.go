package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hospital/his/internal/platform/apierror"
)

func (s *Service) ListTransactions(ctx context.Context, f TransactionFilter, limit, offset int) ([]*Transaction, int, error) {
	if f.Type != "" && !validTypes[f.Type] {
		return nil, 0, apierror.Validation("invalid transaction type: %s", f.Type)
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, 0, apierror.Validation("to must not be before from")
	}
	return s.txns.List(ctx, f, limit, offset)
}

// TransactionStats aggregates ledger entries in [from, to) per type and in
// total. Either bound may be nil.
func (s *Service) TransactionStats(ctx context.Context, from, to *time.Time, pharmacyID *uuid.UUID) (*Stats, error) {
	if from != nil && to != nil && to.Before(*from) {
		return nil, apierror.Validation("to must not be before from")
	}
	byType, err := s.txns.Stats(ctx, from, to, pharmacyID)
	if err != nil {
		return nil, fmt.Errorf("transaction stats: %w", err)
	}
	return summarize(byType, from, to, pharmacyID), nil
}

func summarize(byType []TypeStat, from, to *time.Time, pharmacyID *uuid.UUID) *Stats {
	st := &Stats{From: from, To: to, PharmacyID: pharmacyID, ByType: byType, TotalAmount: decimal.Zero}
	if st.ByType == nil {
		st.ByType = []TypeStat{}
	}
	for _, t := range byType {
		st.Count += t.Count
		st.NetQuantity += t.NetQuantity
		st.TotalAmount = st.TotalAmount.Add(t.TotalAmount)
	}
	return st
}

// Reconcile checks that the signed ledger sum for the record's triple
// equals its quantity. The record is locked so no adjustment interleaves
// between the two reads.
func (s *Service) Reconcile(ctx context.Context, recordID uuid.UUID) (*Reconciliation, error) {
	var rc *Reconciliation
	err := s.uow.InTx(ctx, func(ctx context.Context) error {
		rec, err := s.records.GetForUpdate(ctx, recordID)
		if err != nil {
			return err
		}
		rc, err = s.reconcile(ctx, rec)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (s *Service) reconcile(ctx context.Context, rec *Record) (*Reconciliation, error) {
	sum, err := s.txns.SignedSum(ctx, rec.DrugID, rec.PharmacyID, rec.BatchNumber)
	if err != nil {
		return nil, fmt.Errorf("ledger sum for record %s: %w", rec.ID, err)
	}
	rc := &Reconciliation{
		RecordID:    rec.ID,
		DrugID:      rec.DrugID,
		PharmacyID:  rec.PharmacyID,
		BatchNumber: rec.BatchNumber,
		Quantity:    rec.Quantity,
		LedgerSum:   sum,
		Balanced:    sum == rec.Quantity,
	}
	s.metrics.Reconciled(rc.Balanced)
	if !rc.Balanced {
		s.logger.Error().
			Str("record_id", rec.ID.String()).
			Str("batch", rec.BatchNumber).
			Int("quantity", rec.Quantity).
			Int("ledger_sum", sum).
			Msg("ledger does not reconcile with record quantity")
	}
	return rc, nil
}

// ReconcilePharmacy reconciles every record of a pharmacy, each under its
// own lock.
func (s *Service) ReconcilePharmacy(ctx context.Context, pharmacyID uuid.UUID) ([]*Reconciliation, error) {
	recs, err := s.records.ListByPharmacy(ctx, pharmacyID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	out := make([]*Reconciliation, 0, len(recs))
	for _, r := range recs {
		rc, err := s.Reconcile(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, nil
}
