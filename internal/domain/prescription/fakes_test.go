package prescription_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hospital/his/internal/domain/catalog"
	"github.com/hospital/his/internal/domain/inventory"
	"github.com/hospital/his/internal/domain/inventory/inventorytest"
	"github.com/hospital/his/internal/domain/prescription"
	"github.com/hospital/his/internal/platform/db/dbtest"
	"github.com/hospital/his/internal/platform/websocket"
)

// memRepo is an in-memory prescription store. Stored values are deep
// copies so callers cannot mutate state outside the repository.
type memRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*prescription.Prescription
	clock time.Time
	// taken makes Create report these numbers as duplicates.
	taken map[string]bool
}

func newMemRepo() *memRepo {
	return &memRepo{
		items: make(map[uuid.UUID]*prescription.Prescription),
		clock: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		taken: make(map[string]bool),
	}
}

func clone(p *prescription.Prescription) *prescription.Prescription {
	cp := *p
	cp.Lines = make([]*prescription.Line, len(p.Lines))
	for i, l := range p.Lines {
		lc := *l
		cp.Lines[i] = &lc
	}
	cp.Warnings = nil
	return &cp
}

func (r *memRepo) Snapshot() func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	saved := make(map[uuid.UUID]*prescription.Prescription, len(r.items))
	for id, p := range r.items {
		saved[id] = clone(p)
	}
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.items = saved
	}
}

func (r *memRepo) Create(_ context.Context, p *prescription.Prescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.taken[p.Number] {
		return fmt.Errorf("%s: %w", p.Number, prescription.ErrDuplicateNumber)
	}
	for _, existing := range r.items {
		if existing.Number == p.Number {
			return fmt.Errorf("%s: %w", p.Number, prescription.ErrDuplicateNumber)
		}
	}
	p.ID = uuid.New()
	r.clock = r.clock.Add(time.Second)
	p.CreatedAt, p.UpdatedAt = r.clock, r.clock
	for _, l := range p.Lines {
		l.ID = uuid.New()
		l.PrescriptionID = p.ID
	}
	r.items[p.ID] = clone(p)
	return nil
}

func (r *memRepo) get(id uuid.UUID) (*prescription.Prescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, prescription.ErrNotFound)
	}
	return clone(p), nil
}

func (r *memRepo) GetByID(_ context.Context, id uuid.UUID) (*prescription.Prescription, error) {
	return r.get(id)
}

func (r *memRepo) GetForUpdate(_ context.Context, id uuid.UUID) (*prescription.Prescription, error) {
	return r.get(id)
}

func (r *memRepo) GetByNumber(_ context.Context, number string) (*prescription.Prescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.items {
		if p.Number == number {
			return clone(p), nil
		}
	}
	return nil, fmt.Errorf("%s: %w", number, prescription.ErrNotFound)
}

func (r *memRepo) List(_ context.Context, f prescription.Filter, limit, offset int) ([]*prescription.Prescription, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*prescription.Prescription
	for _, p := range r.items {
		if (f.PatientID == nil || p.PatientID == *f.PatientID) &&
			(f.DoctorID == nil || p.DoctorID == *f.DoctorID) &&
			(f.PharmacyID == nil || p.PharmacyID == *f.PharmacyID) &&
			(f.Status == "" || p.Status == f.Status) {
			all = append(all, clone(p))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset > len(all) {
		offset = len(all)
	}
	all = all[offset:]
	if limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

func (r *memRepo) UpdateStatus(_ context.Context, p *prescription.Prescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.items[p.ID]
	if !ok {
		return fmt.Errorf("%s: %w", p.ID, prescription.ErrNotFound)
	}
	lines := stored.Lines
	updated := clone(p)
	updated.Lines = lines
	r.clock = r.clock.Add(time.Second)
	updated.UpdatedAt = r.clock
	r.items[p.ID] = updated
	return nil
}

// setStatus forces a stored status for state-machine tests.
func (r *memRepo) setStatus(id uuid.UUID, s prescription.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[id].Status = s
}

type catalogStub struct {
	drugs      map[uuid.UUID]*catalog.Drug
	pharmacies map[uuid.UUID]*catalog.Pharmacy
	rules      map[uuid.UUID][]*catalog.DrugRule
	allergies  map[uuid.UUID][]*catalog.Allergy
	ruleCalls  int
}

func newCatalogStub() *catalogStub {
	return &catalogStub{
		drugs:      map[uuid.UUID]*catalog.Drug{},
		pharmacies: map[uuid.UUID]*catalog.Pharmacy{},
		rules:      map[uuid.UUID][]*catalog.DrugRule{},
		allergies:  map[uuid.UUID][]*catalog.Allergy{},
	}
}

func (c *catalogStub) addDrug(name, generic, price string) *catalog.Drug {
	d := &catalog.Drug{ID: uuid.New(), Name: name, GenericName: generic, RetailPrice: decimal.RequireFromString(price), Active: true}
	c.drugs[d.ID] = d
	return d
}

func (c *catalogStub) GetDrug(_ context.Context, id uuid.UUID) (*catalog.Drug, error) {
	if d, ok := c.drugs[id]; ok {
		return d, nil
	}
	return nil, catalog.ErrDrugNotFound
}

func (c *catalogStub) GetPharmacy(_ context.Context, id uuid.UUID) (*catalog.Pharmacy, error) {
	if p, ok := c.pharmacies[id]; ok {
		return p, nil
	}
	return nil, catalog.ErrPharmacyNotFound
}

func (c *catalogStub) ActiveRulesForDrug(_ context.Context, drugID uuid.UUID) ([]*catalog.DrugRule, error) {
	c.ruleCalls++
	return c.rules[drugID], nil
}

func (c *catalogStub) AllergiesForPatient(_ context.Context, patientID uuid.UUID) ([]*catalog.Allergy, error) {
	return c.allergies[patientID], nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (r *eventRecorder) Publish(_ context.Context, ev websocket.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

var testNow = time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)

type fixture struct {
	repo    *memRepo
	stock   *inventorytest.Memory
	uow     *dbtest.UnitOfWork
	cat     *catalogStub
	ledger  *inventory.Service
	svc     *prescription.Service
	events  *eventRecorder
	patient uuid.UUID
	doctor  uuid.UUID
	pharm   uuid.UUID
}

func newFixture() *fixture {
	repo := newMemRepo()
	stock := inventorytest.NewMemory()
	uow := dbtest.NewUnitOfWork(stock, repo)
	cat := newCatalogStub()
	pharm := uuid.New()
	cat.pharmacies[pharm] = &catalog.Pharmacy{ID: pharm, Name: "Main", Active: true}

	ledger := inventory.NewService(stock.Records(), stock.Transactions(), uow, zerolog.Nop())
	ledger.SetClock(func() time.Time { return testNow })
	svc := prescription.NewService(repo, cat, ledger, uow, zerolog.Nop())
	svc.SetClock(func() time.Time { return testNow })
	events := &eventRecorder{}
	svc.SetEventPublisher(events)

	return &fixture{
		repo: repo, stock: stock, uow: uow, cat: cat, ledger: ledger, svc: svc, events: events,
		patient: uuid.New(), doctor: uuid.New(), pharm: pharm,
	}
}

// stockBatch receives a batch of drug at the fixture pharmacy.
func (f *fixture) stockBatch(drug *catalog.Drug, batch string, qty int, validTo *time.Time) uuid.UUID {
	res, err := f.ledger.ReceiveStock(context.Background(), inventory.Receipt{
		DrugID: drug.ID, PharmacyID: f.pharm, BatchNumber: batch, Quantity: qty,
		UnitPrice: drug.RetailPrice, ValidTo: validTo, Actor: "pharmacist-1",
	})
	if err != nil {
		panic(err)
	}
	return res.Record.ID
}

func (f *fixture) input(lines ...prescription.LineInput) prescription.CreateInput {
	return prescription.CreateInput{
		PatientID:  f.patient,
		DoctorID:   f.doctor,
		PharmacyID: f.pharm,
		Diagnosis:  "acute bronchitis",
		Lines:      lines,
		Actor:      "doctor-1",
	}
}

func line(drug *catalog.Drug, qty int, price string) prescription.LineInput {
	l := prescription.LineInput{DrugID: drug.ID, Quantity: qty, Dosage: "1", DosageUnit: "tablet", Frequency: "tid"}
	if price != "" {
		l.UnitPrice = decimal.RequireFromString(price)
	}
	return l
}
