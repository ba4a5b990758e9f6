// Package inventorytest holds in-memory inventory repositories for tests of
// the inventory service and the packages that draw on it.
package inventorytest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hospital/his/internal/domain/inventory"
)

// Memory stores records and ledger entries. Use Records and Transactions to
// obtain the repository views and pass Memory to dbtest.NewUnitOfWork.
type Memory struct {
	mu      sync.Mutex
	records map[uuid.UUID]*inventory.Record
	entries []*inventory.Transaction
	clock   time.Time
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[uuid.UUID]*inventory.Record),
		clock:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// tick returns strictly increasing timestamps so ordering by time is stable.
func (m *Memory) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *Memory) Snapshot() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := make(map[uuid.UUID]*inventory.Record, len(m.records))
	for id, r := range m.records {
		cp := *r
		records[id] = &cp
	}
	entries := append([]*inventory.Transaction(nil), m.entries...)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.records = records
		m.entries = entries
	}
}

// Put stores rec as is, bypassing the ledger. Tests use it to seed state or
// to simulate drift.
func (m *Memory) Put(rec *inventory.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.tick()
	}
	cp := *rec
	m.records[rec.ID] = &cp
}

// Quantity returns the stored quantity of a record, or -1 when absent.
func (m *Memory) Quantity(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[id]; ok {
		return r.Quantity
	}
	return -1
}

// Entries returns a copy of the ledger in append order.
func (m *Memory) Entries() []inventory.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]inventory.Transaction, len(m.entries))
	for i, e := range m.entries {
		out[i] = *e
	}
	return out
}

func (m *Memory) Records() inventory.RecordRepository { return recordStore{m} }

func (m *Memory) Transactions() inventory.TransactionRepository { return txnStore{m} }

type recordStore struct{ m *Memory }

func (s recordStore) Create(_ context.Context, rec *inventory.Record) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.DrugID == rec.DrugID && r.PharmacyID == rec.PharmacyID && r.BatchNumber == rec.BatchNumber {
			return fmt.Errorf("batch %s: %w", rec.BatchNumber, inventory.ErrDuplicateRecord)
		}
	}
	rec.ID = uuid.New()
	rec.CreatedAt = m.tick()
	rec.UpdatedAt = rec.CreatedAt
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (s recordStore) get(id uuid.UUID) (*inventory.Record, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	r, ok := s.m.records[id]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, inventory.ErrRecordNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s recordStore) GetByID(_ context.Context, id uuid.UUID) (*inventory.Record, error) {
	return s.get(id)
}

func (s recordStore) GetForUpdate(_ context.Context, id uuid.UUID) (*inventory.Record, error) {
	return s.get(id)
}

func (s recordStore) LockBatches(_ context.Context, drugID, pharmacyID uuid.UUID) ([]*inventory.Record, error) {
	out := s.filter(func(r *inventory.Record) bool {
		return r.DrugID == drugID && r.PharmacyID == pharmacyID
	})
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.ValidTo == nil && b.ValidTo != nil:
			return false
		case a.ValidTo != nil && b.ValidTo == nil:
			return true
		case a.ValidTo != nil && !a.ValidTo.Equal(*b.ValidTo):
			return a.ValidTo.Before(*b.ValidTo)
		case !a.CreatedAt.Equal(b.CreatedAt):
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.BatchNumber < b.BatchNumber
	})
	return out, nil
}

func (s recordStore) UpdateQuantity(_ context.Context, id uuid.UUID, quantity int) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	r, ok := s.m.records[id]
	if !ok {
		return fmt.Errorf("record %s: %w", id, inventory.ErrRecordNotFound)
	}
	if quantity < 0 {
		return fmt.Errorf("record %s: quantity %d violates check constraint", id, quantity)
	}
	r.Quantity = quantity
	r.UpdatedAt = s.m.tick()
	return nil
}

func (s recordStore) SetFrozen(_ context.Context, id uuid.UUID, frozen bool) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if r, ok := s.m.records[id]; ok {
		r.IsFrozen = frozen
	}
	return nil
}

func (s recordStore) Delete(_ context.Context, id uuid.UUID) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if r, ok := s.m.records[id]; ok && r.Quantity == 0 {
		delete(s.m.records, id)
	}
	return nil
}

// filter returns copies ordered by creation time.
func (s recordStore) filter(keep func(*inventory.Record) bool) []*inventory.Record {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []*inventory.Record
	for _, r := range s.m.records {
		if keep(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s recordStore) List(_ context.Context, f inventory.RecordFilter, limit, offset int) ([]*inventory.Record, int, error) {
	all := s.filter(func(r *inventory.Record) bool {
		return (f.DrugID == nil || r.DrugID == *f.DrugID) &&
			(f.PharmacyID == nil || r.PharmacyID == *f.PharmacyID) &&
			(f.BatchNumber == "" || r.BatchNumber == f.BatchNumber) &&
			(f.Frozen == nil || r.IsFrozen == *f.Frozen)
	})
	return page(all, limit, offset), len(all), nil
}

func (s recordStore) ListByPharmacy(_ context.Context, pharmacyID uuid.UUID) ([]*inventory.Record, error) {
	return s.filter(func(r *inventory.Record) bool { return r.PharmacyID == pharmacyID }), nil
}

func (s recordStore) FindLowStock(_ context.Context, pharmacyID *uuid.UUID) ([]*inventory.Record, error) {
	return s.filter(func(r *inventory.Record) bool {
		return r.BelowMinimum() && (pharmacyID == nil || r.PharmacyID == *pharmacyID)
	}), nil
}

func (s recordStore) FindExpiring(_ context.Context, before time.Time, pharmacyID *uuid.UUID) ([]*inventory.Record, error) {
	return s.filter(func(r *inventory.Record) bool {
		return r.Quantity > 0 && r.ValidTo != nil && !r.ValidTo.After(before) &&
			(pharmacyID == nil || r.PharmacyID == *pharmacyID)
	}), nil
}

type txnStore struct{ m *Memory }

func (s txnStore) Append(_ context.Context, t *inventory.Transaction) error {
	if t.Quantity <= 0 || (t.Direction != 1 && t.Direction != -1) {
		return fmt.Errorf("ledger entry violates check constraint: quantity %d direction %d", t.Quantity, t.Direction)
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	t.ID = uuid.New()
	t.CreatedAt = s.m.tick()
	cp := *t
	s.m.entries = append(s.m.entries, &cp)
	return nil
}

func matches(f inventory.TransactionFilter, t *inventory.Transaction) bool {
	switch {
	case f.DrugID != nil && t.DrugID != *f.DrugID,
		f.PharmacyID != nil && t.PharmacyID != *f.PharmacyID,
		f.BatchNumber != "" && t.BatchNumber != f.BatchNumber,
		f.Type != "" && t.Type != f.Type,
		f.ReferenceID != nil && (t.ReferenceID == nil || *t.ReferenceID != *f.ReferenceID),
		f.ReferenceType != "" && t.ReferenceType != f.ReferenceType,
		f.CreatedBy != "" && t.CreatedBy != f.CreatedBy,
		f.From != nil && t.CreatedAt.Before(*f.From),
		f.To != nil && !t.CreatedAt.Before(*f.To):
		return false
	}
	return true
}

// selected returns matching entries oldest first.
func (s txnStore) selected(f inventory.TransactionFilter) []*inventory.Transaction {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []*inventory.Transaction
	for _, t := range s.m.entries {
		if matches(f, t) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

func (s txnStore) List(_ context.Context, f inventory.TransactionFilter, limit, offset int) ([]*inventory.Transaction, int, error) {
	all := s.selected(f)
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return page(all, limit, offset), len(all), nil
}

func (s txnStore) Iterate(_ context.Context, f inventory.TransactionFilter, fn func(*inventory.Transaction) error) error {
	for _, t := range s.selected(f) {
		if err := fn(t); err != nil {
			return err
		}
	}
	return nil
}

func (s txnStore) Stats(_ context.Context, from, to *time.Time, pharmacyID *uuid.UUID) ([]inventory.TypeStat, error) {
	all := s.selected(inventory.TransactionFilter{From: from, To: to, PharmacyID: pharmacyID})
	byType := map[inventory.TransactionType]*inventory.TypeStat{}
	var order []inventory.TransactionType
	for _, t := range all {
		st, ok := byType[t.Type]
		if !ok {
			st = &inventory.TypeStat{Type: t.Type, TotalAmount: decimal.Zero}
			byType[t.Type] = st
			order = append(order, t.Type)
		}
		st.Count++
		st.Quantity += t.Quantity
		st.NetQuantity += t.Signed()
		st.TotalAmount = st.TotalAmount.Add(t.TotalAmount)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	out := make([]inventory.TypeStat, 0, len(order))
	for _, t := range order {
		out = append(out, *byType[t])
	}
	return out, nil
}

func (s txnStore) SignedSum(_ context.Context, drugID, pharmacyID uuid.UUID, batch string) (int, error) {
	sum := 0
	for _, t := range s.selected(inventory.TransactionFilter{DrugID: &drugID, PharmacyID: &pharmacyID, BatchNumber: batch}) {
		sum += t.Signed()
	}
	return sum, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
