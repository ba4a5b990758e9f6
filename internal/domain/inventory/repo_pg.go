package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/hospital/his/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// =========== Record Repository ===========

type recordRepoPG struct{ pool *pgxpool.Pool }

func NewRecordRepoPG(pool *pgxpool.Pool) RecordRepository {
	return &recordRepoPG{pool: pool}
}

func (r *recordRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const recordCols = `id, drug_id, pharmacy_id, batch_number, quantity, minimum_threshold,
	maximum_threshold, unit_price, valid_from, valid_to, is_frozen, created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.DrugID, &rec.PharmacyID, &rec.BatchNumber, &rec.Quantity,
		&rec.MinimumThreshold, &rec.MaximumThreshold, &rec.UnitPrice, &rec.ValidFrom, &rec.ValidTo,
		&rec.IsFrozen, &rec.CreatedAt, &rec.UpdatedAt)
	return &rec, err
}

func (r *recordRepoPG) scanOne(row pgx.Row, id uuid.UUID) (*Record, error) {
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, ErrRecordNotFound)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *recordRepoPG) scanAll(rows pgx.Rows) ([]*Record, error) {
	defer rows.Close()
	var items []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

func (r *recordRepoPG) Create(ctx context.Context, rec *Record) error {
	rec.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO inventory_records (id, drug_id, pharmacy_id, batch_number, quantity,
			minimum_threshold, maximum_threshold, unit_price, valid_from, valid_to, is_frozen)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		rec.ID, rec.DrugID, rec.PharmacyID, rec.BatchNumber, rec.Quantity,
		rec.MinimumThreshold, rec.MaximumThreshold, rec.UnitPrice, rec.ValidFrom, rec.ValidTo, rec.IsFrozen,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("batch %s: %w", rec.BatchNumber, ErrDuplicateRecord)
	}
	return err
}

func (r *recordRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	return r.scanOne(r.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM inventory_records WHERE id = $1`, id), id)
}

func (r *recordRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Record, error) {
	return r.scanOne(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM inventory_records WHERE id = $1 FOR UPDATE`, id), id)
}

func (r *recordRepoPG) LockBatches(ctx context.Context, drugID, pharmacyID uuid.UUID) ([]*Record, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+recordCols+` FROM inventory_records
		WHERE drug_id = $1 AND pharmacy_id = $2
		ORDER BY valid_to ASC NULLS LAST, created_at ASC, batch_number ASC
		FOR UPDATE`, drugID, pharmacyID)
	if err != nil {
		return nil, err
	}
	return r.scanAll(rows)
}

func (r *recordRepoPG) UpdateQuantity(ctx context.Context, id uuid.UUID, quantity int) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE inventory_records SET quantity = $2, updated_at = NOW() WHERE id = $1`, id, quantity)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record %s: %w", id, ErrRecordNotFound)
	}
	return nil
}

func (r *recordRepoPG) SetFrozen(ctx context.Context, id uuid.UUID, frozen bool) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE inventory_records SET is_frozen = $2, updated_at = NOW() WHERE id = $1`, id, frozen)
	return err
}

func (r *recordRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM inventory_records WHERE id = $1 AND quantity = 0`, id)
	return err
}

func (r *recordRepoPG) List(ctx context.Context, f RecordFilter, limit, offset int) ([]*Record, int, error) {
	q := db.NewQuery("inventory_records", recordCols)
	if f.DrugID != nil {
		q.Eq("drug_id", *f.DrugID)
	}
	if f.PharmacyID != nil {
		q.Eq("pharmacy_id", *f.PharmacyID)
	}
	if f.BatchNumber != "" {
		q.Eq("batch_number", f.BatchNumber)
	}
	if f.Frozen != nil {
		q.Eq("is_frozen", *f.Frozen)
	}
	q.OrderBy("created_at DESC")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, q.CountSQL(), q.Args()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, q.DataSQL(), q.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.scanAll(rows)
	return items, total, err
}

func (r *recordRepoPG) ListByPharmacy(ctx context.Context, pharmacyID uuid.UUID) ([]*Record, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+recordCols+` FROM inventory_records WHERE pharmacy_id = $1 ORDER BY drug_id, batch_number`, pharmacyID)
	if err != nil {
		return nil, err
	}
	return r.scanAll(rows)
}

func (r *recordRepoPG) FindLowStock(ctx context.Context, pharmacyID *uuid.UUID) ([]*Record, error) {
	q := db.NewQuery("inventory_records", recordCols)
	q.Add("quantity < minimum_threshold")
	if pharmacyID != nil {
		q.Eq("pharmacy_id", *pharmacyID)
	}
	q.OrderBy("quantity - minimum_threshold ASC")
	rows, err := r.conn(ctx).Query(ctx, q.SelectSQL(), q.Args()...)
	if err != nil {
		return nil, err
	}
	return r.scanAll(rows)
}

func (r *recordRepoPG) FindExpiring(ctx context.Context, before time.Time, pharmacyID *uuid.UUID) ([]*Record, error) {
	q := db.NewQuery("inventory_records", recordCols)
	q.Add("quantity > 0")
	q.Cmp("valid_to", "<=", before)
	if pharmacyID != nil {
		q.Eq("pharmacy_id", *pharmacyID)
	}
	q.OrderBy("valid_to ASC")
	rows, err := r.conn(ctx).Query(ctx, q.SelectSQL(), q.Args()...)
	if err != nil {
		return nil, err
	}
	return r.scanAll(rows)
}

// =========== Transaction Repository ===========

type transactionRepoPG struct{ pool *pgxpool.Pool }

func NewTransactionRepoPG(pool *pgxpool.Pool) TransactionRepository {
	return &transactionRepoPG{pool: pool}
}

func (r *transactionRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const txnCols = `id, record_id, drug_id, pharmacy_id, batch_number, transaction_type, direction,
	quantity, unit_price, total_amount, reason, reference_id, COALESCE(reference_type, ''),
	created_by, created_at`

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var t Transaction
	err := row.Scan(&t.ID, &t.RecordID, &t.DrugID, &t.PharmacyID, &t.BatchNumber, &t.Type, &t.Direction,
		&t.Quantity, &t.UnitPrice, &t.TotalAmount, &t.Reason, &t.ReferenceID, &t.ReferenceType,
		&t.CreatedBy, &t.CreatedAt)
	return &t, err
}

func (r *transactionRepoPG) Append(ctx context.Context, t *Transaction) error {
	t.ID = uuid.New()
	var refType *string
	if t.ReferenceType != "" {
		refType = &t.ReferenceType
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO inventory_transactions (id, record_id, drug_id, pharmacy_id, batch_number,
			transaction_type, direction, quantity, unit_price, total_amount, reason,
			reference_id, reference_type, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING created_at`,
		t.ID, t.RecordID, t.DrugID, t.PharmacyID, t.BatchNumber,
		t.Type, t.Direction, t.Quantity, t.UnitPrice, t.TotalAmount, t.Reason,
		t.ReferenceID, refType, t.CreatedBy,
	).Scan(&t.CreatedAt)
}

func filterQuery(f TransactionFilter) *db.Query {
	q := db.NewQuery("inventory_transactions", txnCols)
	if f.DrugID != nil {
		q.Eq("drug_id", *f.DrugID)
	}
	if f.PharmacyID != nil {
		q.Eq("pharmacy_id", *f.PharmacyID)
	}
	if f.BatchNumber != "" {
		q.Eq("batch_number", f.BatchNumber)
	}
	if f.Type != "" {
		q.Eq("transaction_type", f.Type)
	}
	if f.ReferenceID != nil {
		q.Eq("reference_id", *f.ReferenceID)
	}
	if f.ReferenceType != "" {
		q.Eq("reference_type", f.ReferenceType)
	}
	if f.CreatedBy != "" {
		q.Eq("created_by", f.CreatedBy)
	}
	if f.From != nil {
		q.Cmp("created_at", ">=", *f.From)
	}
	if f.To != nil {
		q.Cmp("created_at", "<", *f.To)
	}
	return q
}

func (r *transactionRepoPG) List(ctx context.Context, f TransactionFilter, limit, offset int) ([]*Transaction, int, error) {
	q := filterQuery(f)
	q.OrderBy("created_at DESC, id DESC")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, q.CountSQL(), q.Args()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, q.DataSQL(), q.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, t)
	}
	return items, total, rows.Err()
}

func (r *transactionRepoPG) Iterate(ctx context.Context, f TransactionFilter, fn func(*Transaction) error) error {
	q := filterQuery(f)
	q.OrderBy("created_at ASC, id ASC")
	rows, err := r.conn(ctx).Query(ctx, q.SelectSQL(), q.Args()...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (r *transactionRepoPG) Stats(ctx context.Context, from, to *time.Time, pharmacyID *uuid.UUID) ([]TypeStat, error) {
	q := db.NewQuery("inventory_transactions", `transaction_type, COUNT(*), COALESCE(SUM(quantity), 0),
		COALESCE(SUM(total_amount), 0), COALESCE(SUM(direction * quantity), 0)`)
	if from != nil {
		q.Cmp("created_at", ">=", *from)
	}
	if to != nil {
		q.Cmp("created_at", "<", *to)
	}
	if pharmacyID != nil {
		q.Eq("pharmacy_id", *pharmacyID)
	}
	rows, err := r.conn(ctx).Query(ctx, q.SelectSQL()+" GROUP BY transaction_type ORDER BY transaction_type", q.Args()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TypeStat
	for rows.Next() {
		var st TypeStat
		var amount decimal.Decimal
		if err := rows.Scan(&st.Type, &st.Count, &st.Quantity, &amount, &st.NetQuantity); err != nil {
			return nil, err
		}
		st.TotalAmount = amount
		out = append(out, st)
	}
	return out, rows.Err()
}

func (r *transactionRepoPG) SignedSum(ctx context.Context, drugID, pharmacyID uuid.UUID, batch string) (int, error) {
	var sum int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(SUM(direction * quantity), 0) FROM inventory_transactions
		WHERE drug_id = $1 AND pharmacy_id = $2 AND batch_number = $3`,
		drugID, pharmacyID, batch).Scan(&sum)
	return sum, err
}
