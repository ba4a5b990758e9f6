package prescription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hospital/his/internal/domain/catalog"
	"github.com/hospital/his/internal/domain/inventory"
	"github.com/hospital/his/internal/platform/apierror"
	"github.com/hospital/his/internal/platform/db"
	"github.com/hospital/his/internal/platform/metrics"
	"github.com/hospital/his/internal/platform/websocket"
)

var errNoActor = apierror.New(apierror.KindUnauthenticated, "an authenticated actor is required")

// Ledger is the part of the inventory service fulfillment needs.
type Ledger interface {
	Draw(ctx context.Context, d inventory.Draw) ([]*inventory.AdjustResult, error)
}

type Service struct {
	repo    Repository
	catalog catalog.Lookup
	ledger  Ledger
	uow     db.Transactor
	logger  zerolog.Logger

	screener  *Screener
	screening ScreeningMode
	split     bool

	events    websocket.EventPublisher
	metrics   *metrics.Metrics
	now       func() time.Time
	newNumber NumberFunc
}

func NewService(repo Repository, lookup catalog.Lookup, ledger Ledger, uow db.Transactor, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		catalog:   lookup,
		ledger:    ledger,
		uow:       uow,
		logger:    logger.With().Str("component", "prescription").Logger(),
		screening: ScreeningOff,
		now:       time.Now,
		newNumber: NewNumber,
	}
}

// SetScreening enables safety screening at creation. A nil screener or
// ScreeningOff disables it.
func (s *Service) SetScreening(sc *Screener, mode ScreeningMode) {
	s.screener = sc
	s.screening = mode
}

// SetSplitBatches lets a dispense line draw from several batches.
func (s *Service) SetSplitBatches(split bool) { s.split = split }

func (s *Service) SetEventPublisher(p websocket.EventPublisher) { s.events = p }

func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) SetNumberFunc(fn NumberFunc) { s.newNumber = fn }

func validateCreate(in CreateInput) error {
	switch {
	case in.Actor == "":
		return errNoActor
	case in.PatientID == uuid.Nil:
		return apierror.Validation("patient_id is required")
	case in.DoctorID == uuid.Nil:
		return apierror.Validation("doctor_id is required")
	case in.PharmacyID == uuid.Nil:
		return apierror.Validation("pharmacy_id is required")
	case len(in.Lines) == 0:
		return apierror.Validation("at least one line is required")
	}
	for i, l := range in.Lines {
		switch {
		case l.DrugID == uuid.Nil:
			return apierror.Validation("lines[%d].drug_id is required", i)
		case l.Quantity <= 0:
			return apierror.Validation("lines[%d].quantity must be positive", i)
		case l.Quantity > inventory.MaxQuantity:
			return apierror.Validation("lines[%d].quantity must not exceed %d", i, inventory.MaxQuantity)
		case !inventory.ValidUnitPrice(l.UnitPrice):
			return apierror.Validation("lines[%d].unit_price must be a non-negative amount with at most two decimals", i)
		}
	}
	return nil
}

// Create resolves the pharmacy and drugs, prices the lines, screens them and
// writes header and lines in one unit of work.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Prescription, error) {
	if err := validateCreate(in); err != nil {
		return nil, err
	}
	if _, err := s.catalog.GetPharmacy(ctx, in.PharmacyID); err != nil {
		return nil, fmt.Errorf("pharmacy %s: %w", in.PharmacyID, err)
	}

	lines := make([]*Line, 0, len(in.Lines))
	screened := make([]screenedLine, 0, len(in.Lines))
	for i, li := range in.Lines {
		drug, err := s.catalog.GetDrug(ctx, li.DrugID)
		if err != nil {
			return nil, fmt.Errorf("line %d drug %s: %w", i+1, li.DrugID, err)
		}
		price := li.UnitPrice
		if price.IsZero() {
			price = drug.RetailPrice
		}
		total := price.Mul(decimal.NewFromInt(int64(li.Quantity)))
		if !inventory.ValidAmount(total) {
			return nil, apierror.Validation("lines[%d] total %s is out of range", i, total.StringFixed(2))
		}
		lines = append(lines, &Line{
			LineNo:              i + 1,
			DrugID:              drug.ID,
			DrugName:            drug.Name,
			Dosage:              li.Dosage,
			DosageUnit:          li.DosageUnit,
			Frequency:           li.Frequency,
			AdministrationRoute: li.AdministrationRoute,
			Duration:            li.Duration,
			Quantity:            li.Quantity,
			UnitPrice:           price,
			TotalPrice:          total,
		})
		screened = append(screened, screenedLine{no: i + 1, drug: drug, quantity: li.Quantity})
	}

	if sum := Total(lines); !inventory.ValidAmount(sum) {
		return nil, apierror.Validation("prescription total %s is out of range", sum.StringFixed(2))
	}

	findings, err := s.screen(ctx, in.PatientID, in.Diagnosis, screened)
	if err != nil {
		return nil, err
	}

	p := &Prescription{
		PatientID:   in.PatientID,
		DoctorID:    in.DoctorID,
		PharmacyID:  in.PharmacyID,
		Diagnosis:   in.Diagnosis,
		Remark:      in.Remark,
		Status:      StatusPendingReview,
		TotalAmount: Total(lines),
		CreatedBy:   in.Actor,
		Lines:       lines,
	}

	err = s.uow.InTx(ctx, func(ctx context.Context) error {
		for attempt := 1; ; attempt++ {
			number, err := s.newNumber(s.now())
			if err != nil {
				return err
			}
			p.Number = number
			err = s.repo.Create(ctx, p)
			if !errors.Is(err, ErrDuplicateNumber) {
				return err
			}
			if attempt == numberAttempts {
				return fmt.Errorf("after %d attempts: %w", attempt, err)
			}
			s.logger.Warn().Str("number", number).Int("attempt", attempt).Msg("prescription number collision, retrying")
		}
	})
	if err != nil {
		s.logFailure("create", err, uuid.Nil)
		return nil, err
	}

	p.Warnings = findings
	s.logger.Info().
		Str("prescription_id", p.ID.String()).
		Str("number", p.Number).
		Str("to", string(p.Status)).
		Int("lines", len(p.Lines)).
		Str("total", p.TotalAmount.StringFixed(2)).
		Int("warnings", len(findings)).
		Str("actor", in.Actor).
		Msg("prescription created")
	s.publish(ctx, "prescription.created", p)
	return p, nil
}

func (s *Service) screen(ctx context.Context, patientID uuid.UUID, diagnosis string, lines []screenedLine) ([]Finding, error) {
	if s.screener == nil || s.screening == ScreeningOff {
		return nil, nil
	}
	findings, err := s.screener.screen(ctx, patientID, diagnosis, lines)
	if err != nil {
		return nil, fmt.Errorf("safety screening: %w", err)
	}
	for _, f := range findings {
		s.metrics.SafetyFinding(string(f.Kind))
		s.logger.Warn().
			Str("patient_id", patientID.String()).
			Str("kind", string(f.Kind)).
			Int("line", f.LineNo).
			Str("severity", f.Severity).
			Msg(f.Message)
	}
	if len(findings) > 0 && s.screening == ScreeningBlock {
		return nil, fmt.Errorf("%s: %w", summarizeFindings(findings), ErrSafetyCheckFailed)
	}
	return findings, nil
}

// Review moves a pending prescription to REVIEWED or REJECTED.
func (s *Service) Review(ctx context.Context, id uuid.UUID, status Status, comments, actor string) (*Prescription, error) {
	if actor == "" {
		return nil, errNoActor
	}
	if status != StatusReviewed && status != StatusRejected {
		return nil, apierror.Validation("review status must be %s or %s", StatusReviewed, StatusRejected)
	}
	return s.transition(ctx, "review", id, actor, func(p *Prescription) error {
		if err := canReview(p.Status); err != nil {
			return err
		}
		now := s.now()
		p.Status = status
		p.ReviewComments = comments
		p.ReviewBy = actor
		p.ReviewTime = &now
		return nil
	})
}

// Cancel ends a pending or reviewed prescription. The reason is appended to
// the remark.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason, actor string) (*Prescription, error) {
	if actor == "" {
		return nil, errNoActor
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apierror.Validation("cancel reason is required")
	}
	return s.transition(ctx, "cancel", id, actor, func(p *Prescription) error {
		if err := canCancel(p.Status); err != nil {
			return err
		}
		p.Status = StatusCancelled
		note := "cancelled by " + actor + ": " + reason
		if p.Remark == "" {
			p.Remark = note
		} else {
			p.Remark += "; " + note
		}
		return nil
	})
}

// transition locks the prescription, applies mutate and persists the status
// fields. Side effects run after commit.
func (s *Service) transition(ctx context.Context, op string, id uuid.UUID, actor string, mutate func(*Prescription) error) (*Prescription, error) {
	var p *Prescription
	var from Status
	err := s.uow.InTx(ctx, func(ctx context.Context) error {
		var err error
		if p, err = s.repo.GetForUpdate(ctx, id); err != nil {
			return err
		}
		from = p.Status
		if err := mutate(p); err != nil {
			return err
		}
		if err := s.repo.UpdateStatus(ctx, p); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		db.AfterCommit(ctx, func() { s.transitioned(ctx, p, from, actor) })
		return nil
	})
	if err != nil {
		s.logFailure(op, err, id)
		return nil, err
	}
	return p, nil
}

func (s *Service) transitioned(ctx context.Context, p *Prescription, from Status, actor string) {
	s.logger.Info().
		Str("prescription_id", p.ID.String()).
		Str("number", p.Number).
		Str("from", string(from)).
		Str("to", string(p.Status)).
		Str("actor", actor).
		Msg("prescription status changed")
	s.metrics.Transition(string(from), string(p.Status))

	eventType := "prescription.reviewed"
	switch p.Status {
	case StatusDispensed:
		eventType = "prescription.dispensed"
	case StatusCancelled:
		eventType = "prescription.cancelled"
	}
	s.publish(ctx, eventType, p)
}

func (s *Service) publish(ctx context.Context, eventType string, p *Prescription) {
	if s.events == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, topic := range []string{websocket.PrescriptionTopic(p.ID), websocket.PharmacyTopic(p.PharmacyID)} {
		ev := websocket.NewEvent(eventType, topic, "Prescription", p.ID.String(), p)
		if err := s.events.Publish(ctx, ev); err != nil {
			s.logger.Error().Err(err).Str("type", eventType).Msg("publish event")
		}
	}
}

func (s *Service) logFailure(op string, err error, id uuid.UUID) {
	ev := s.logger.Error()
	if apierror.IsBusiness(err) {
		ev = s.logger.Warn()
	}
	ev.Err(err).Str("op", op).Str("prescription_id", id.String()).
		Str("code", string(apierror.KindOf(err))).Msg("prescription operation failed")
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByNumber(ctx context.Context, number string) (*Prescription, error) {
	return s.repo.GetByNumber(ctx, number)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Prescription, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apierror.Validation("invalid status: %s", f.Status)
	}
	return s.repo.List(ctx, f, limit, offset)
}
