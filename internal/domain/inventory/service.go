package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hospital/his/internal/platform/apierror"
	"github.com/hospital/his/internal/platform/db"
	"github.com/hospital/his/internal/platform/metrics"
	"github.com/hospital/his/internal/platform/websocket"
)

var errNoActor = apierror.New(apierror.KindUnauthenticated, "an authenticated actor is required")

// Service is the inventory ledger. Quantity changes go through Adjust, Draw
// or ReceiveStock, each of which writes the matching ledger entries in the
// same transaction as the quantity update.
type Service struct {
	records RecordRepository
	txns    TransactionRepository
	uow     db.Transactor
	logger  zerolog.Logger

	events  websocket.EventPublisher
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewService(records RecordRepository, txns TransactionRepository, uow db.Transactor, logger zerolog.Logger) *Service {
	return &Service{
		records: records,
		txns:    txns,
		uow:     uow,
		logger:  logger.With().Str("component", "inventory").Logger(),
		now:     time.Now,
	}
}

// SetEventPublisher attaches an optional publisher for committed changes.
func (s *Service) SetEventPublisher(p websocket.EventPublisher) { s.events = p }

func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// SetClock replaces the time source used for expiry checks.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// directionFor applies the sign convention of each transaction type.
func directionFor(t TransactionType, delta int) (int, error) {
	if !validTypes[t] {
		return 0, apierror.Validation("invalid transaction type: %s", t)
	}
	if delta == 0 {
		return 0, apierror.Validation("delta must not be zero")
	}
	if delta > MaxQuantity || delta < -MaxQuantity {
		return 0, apierror.Validation("delta must be between -%d and %d", MaxQuantity, MaxQuantity)
	}
	switch {
	case t == TypeInbound && delta < 0:
		return 0, apierror.Validation("inbound transaction requires a positive delta")
	case t == TypeOutbound && delta > 0:
		return 0, apierror.Validation("outbound transaction requires a negative delta")
	}
	if delta < 0 {
		return -1, nil
	}
	return 1, nil
}

func deriveType(delta int) TransactionType {
	if delta < 0 {
		return TypeOutbound
	}
	return TypeInbound
}

// Adjust applies adj.Delta to the record under a row lock and appends one
// ledger entry. It joins the caller's transaction when ctx carries one.
func (s *Service) Adjust(ctx context.Context, adj Adjustment) (*AdjustResult, error) {
	var res *AdjustResult
	err := s.uow.InTx(ctx, func(ctx context.Context) error {
		rec, err := s.records.GetForUpdate(ctx, adj.RecordID)
		if err != nil {
			return err
		}
		res, err = s.apply(ctx, rec, adj)
		return err
	})
	if err != nil {
		s.logFailure("adjust", err, adj.RecordID)
		return nil, err
	}
	return res, nil
}

// apply is the single place where a record's quantity changes. rec must be
// locked by the caller's transaction.
func (s *Service) apply(ctx context.Context, rec *Record, adj Adjustment) (*AdjustResult, error) {
	if adj.Actor == "" {
		return nil, errNoActor
	}
	txType := adj.Type
	if txType == "" {
		txType = deriveType(adj.Delta)
	}
	dir, err := directionFor(txType, adj.Delta)
	if err != nil {
		return nil, err
	}
	if rec.IsFrozen {
		return nil, fmt.Errorf("record %s: %w", rec.ID, ErrFrozen)
	}

	before := rec.Quantity
	after := before + adj.Delta
	if after < 0 {
		return nil, fmt.Errorf("record %s batch %s holds %d, requested %d: %w",
			rec.ID, rec.BatchNumber, before, -adj.Delta, ErrInsufficientStock)
	}
	if after > MaxQuantity {
		return nil, apierror.Validation("record %s would hold %d, above the maximum of %d", rec.ID, after, MaxQuantity)
	}

	qty := adj.Delta * dir
	unitPrice := rec.UnitPrice
	if adj.UnitPrice != nil {
		if !ValidUnitPrice(*adj.UnitPrice) {
			return nil, apierror.Validation("unit_price must be a non-negative amount with at most two decimals")
		}
		unitPrice = *adj.UnitPrice
	}
	total := unitPrice.Mul(decimal.NewFromInt(int64(qty)))
	if !ValidAmount(total) {
		return nil, apierror.Validation("transaction amount %s is out of range", total.StringFixed(2))
	}

	if err := s.records.UpdateQuantity(ctx, rec.ID, after); err != nil {
		return nil, fmt.Errorf("update quantity: %w", err)
	}
	entry := &Transaction{
		RecordID:    rec.ID,
		DrugID:      rec.DrugID,
		PharmacyID:  rec.PharmacyID,
		BatchNumber: rec.BatchNumber,
		Type:        txType,
		Direction:   dir,
		Quantity:    qty,
		UnitPrice:   unitPrice,
		TotalAmount: total,
		Reason:      adj.Reason,
		CreatedBy:   adj.Actor,
	}
	if adj.Reference != nil {
		ref := adj.Reference.ID
		entry.ReferenceID = &ref
		entry.ReferenceType = adj.Reference.Type
	}
	if err := s.txns.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("append ledger entry: %w", err)
	}

	updated := *rec
	updated.Quantity = after
	res := &AdjustResult{Record: &updated, Transaction: entry}

	crossedMinimum := before >= rec.MinimumThreshold && after < rec.MinimumThreshold
	db.AfterCommit(ctx, func() { s.committed(ctx, res, before, crossedMinimum) })
	return res, nil
}

func (s *Service) committed(ctx context.Context, res *AdjustResult, before int, crossedMinimum bool) {
	rec, entry := res.Record, res.Transaction
	s.logger.Info().
		Str("record_id", rec.ID.String()).
		Str("batch", rec.BatchNumber).
		Str("type", string(entry.Type)).
		Int("delta", entry.Signed()).
		Int("before", before).
		Int("quantity", rec.Quantity).
		Str("actor", entry.CreatedBy).
		Msg("inventory adjusted")
	s.metrics.StockAdjusted(string(entry.Type), entry.Direction, entry.Quantity)

	s.publish(ctx, "inventory.adjusted", rec, res)
	if crossedMinimum {
		s.metrics.LowStock()
		s.logger.Warn().
			Str("record_id", rec.ID.String()).
			Int("quantity", rec.Quantity).
			Int("minimum", rec.MinimumThreshold).
			Msg("stock below minimum threshold")
		s.publish(ctx, "inventory.low_stock", rec, rec)
	}
}

func (s *Service) publish(ctx context.Context, eventType string, rec *Record, data interface{}) {
	if s.events == nil {
		return
	}
	topic := websocket.PharmacyTopic(rec.PharmacyID)
	ev := websocket.NewEvent(eventType, topic, "InventoryRecord", rec.ID.String(), data)
	if err := s.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Error().Err(err).Str("type", eventType).Msg("publish event")
	}
}

func (s *Service) logFailure(op string, err error, id uuid.UUID) {
	ev := s.logger.Error()
	if apierror.IsBusiness(err) {
		ev = s.logger.Warn()
	}
	ev.Err(err).Str("op", op).Str("record_id", id.String()).
		Str("code", string(apierror.KindOf(err))).Msg("inventory operation failed")
}

func validateReceipt(r Receipt) error {
	switch {
	case r.DrugID == uuid.Nil:
		return apierror.Validation("drug_id is required")
	case r.PharmacyID == uuid.Nil:
		return apierror.Validation("pharmacy_id is required")
	case r.BatchNumber == "":
		return apierror.Validation("batch_number is required")
	case r.Quantity <= 0:
		return apierror.Validation("quantity must be positive")
	case r.Quantity > MaxQuantity:
		return apierror.Validation("quantity must not exceed %d", MaxQuantity)
	case r.MinimumThreshold < 0 || r.MaximumThreshold < 0:
		return apierror.Validation("thresholds must not be negative")
	case r.MinimumThreshold > MaxQuantity || r.MaximumThreshold > MaxQuantity:
		return apierror.Validation("thresholds must not exceed %d", MaxQuantity)
	case r.MaximumThreshold > 0 && r.MaximumThreshold < r.MinimumThreshold:
		return apierror.Validation("maximum_threshold must not be below minimum_threshold")
	case !ValidUnitPrice(r.UnitPrice):
		return apierror.Validation("unit_price must be a non-negative amount with at most two decimals")
	case r.ValidFrom != nil && r.ValidTo != nil && !r.ValidTo.After(*r.ValidFrom):
		return apierror.Validation("valid_to must be after valid_from")
	}
	return nil
}

// ReceiveStock creates the record for a new batch at quantity zero and books
// the received quantity as an inbound entry, so the ledger alone rebuilds
// the record's quantity.
func (s *Service) ReceiveStock(ctx context.Context, r Receipt) (*AdjustResult, error) {
	if err := validateReceipt(r); err != nil {
		return nil, err
	}
	if r.Actor == "" {
		return nil, errNoActor
	}
	reason := r.Reason
	if reason == "" {
		reason = "stock receipt"
	}

	var res *AdjustResult
	err := s.uow.InTx(ctx, func(ctx context.Context) error {
		rec := &Record{
			DrugID:           r.DrugID,
			PharmacyID:       r.PharmacyID,
			BatchNumber:      r.BatchNumber,
			MinimumThreshold: r.MinimumThreshold,
			MaximumThreshold: r.MaximumThreshold,
			UnitPrice:        r.UnitPrice,
			ValidFrom:        r.ValidFrom,
			ValidTo:          r.ValidTo,
		}
		if err := s.records.Create(ctx, rec); err != nil {
			return err
		}
		var err error
		res, err = s.apply(ctx, rec, Adjustment{
			RecordID: rec.ID,
			Delta:    r.Quantity,
			Type:     TypeInbound,
			Reason:   reason,
			Actor:    r.Actor,
		})
		return err
	})
	if err != nil {
		s.logFailure("receive", err, uuid.Nil)
		return nil, err
	}
	return res, nil
}

// Freeze toggles the frozen flag. Frozen records reject adjustments and are
// skipped when picking batches for dispense.
func (s *Service) Freeze(ctx context.Context, id uuid.UUID, frozen bool, actor string) (*Record, error) {
	if actor == "" {
		return nil, errNoActor
	}
	var rec *Record
	err := s.uow.InTx(ctx, func(ctx context.Context) error {
		var err error
		if rec, err = s.records.GetForUpdate(ctx, id); err != nil {
			return err
		}
		if rec.IsFrozen == frozen {
			return nil
		}
		if err := s.records.SetFrozen(ctx, id, frozen); err != nil {
			return fmt.Errorf("set frozen: %w", err)
		}
		rec.IsFrozen = frozen
		db.AfterCommit(ctx, func() {
			s.logger.Info().Str("record_id", id.String()).Bool("frozen", frozen).Str("actor", actor).Msg("inventory freeze changed")
			s.publish(ctx, "inventory.frozen", rec, rec)
		})
		return nil
	})
	if err != nil {
		s.logFailure("freeze", err, id)
		return nil, err
	}
	return rec, nil
}

// DeleteRecord removes an empty batch record. Its ledger entries remain.
func (s *Service) DeleteRecord(ctx context.Context, id uuid.UUID, actor string) error {
	if actor == "" {
		return errNoActor
	}
	err := s.uow.InTx(ctx, func(ctx context.Context) error {
		rec, err := s.records.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if rec.Quantity > 0 {
			return fmt.Errorf("record %s holds %d: %w", id, rec.Quantity, ErrRecordNotEmpty)
		}
		if err := s.records.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete record: %w", err)
		}
		db.AfterCommit(ctx, func() {
			s.logger.Info().Str("record_id", id.String()).Str("actor", actor).Msg("inventory record deleted")
		})
		return nil
	})
	if err != nil {
		s.logFailure("delete", err, id)
	}
	return err
}

func (s *Service) GetRecord(ctx context.Context, id uuid.UUID) (*Record, error) {
	return s.records.GetByID(ctx, id)
}

func (s *Service) ListRecords(ctx context.Context, f RecordFilter, limit, offset int) ([]*Record, int, error) {
	return s.records.List(ctx, f, limit, offset)
}

// FindLowStock returns records whose quantity is below their minimum
// threshold, optionally restricted to one pharmacy.
func (s *Service) FindLowStock(ctx context.Context, pharmacyID *uuid.UUID) ([]*Record, error) {
	return s.records.FindLowStock(ctx, pharmacyID)
}

// FindExpiringWithin returns non-empty records whose validity ends within
// days from now, including already expired ones.
func (s *Service) FindExpiringWithin(ctx context.Context, days int, pharmacyID *uuid.UUID) ([]*Record, error) {
	if days < 0 {
		return nil, apierror.Validation("days must not be negative")
	}
	return s.records.FindExpiring(ctx, s.now().AddDate(0, 0, days), pharmacyID)
}
