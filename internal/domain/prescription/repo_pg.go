package prescription

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hospital/his/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const headerCols = `id, prescription_number, patient_id, doctor_id, pharmacy_id, diagnosis,
	total_amount, status, review_comments, review_by, review_time, dispensed_by, dispense_time,
	remark, created_by, created_at, updated_at`

const lineCols = `id, prescription_id, line_no, drug_id, drug_name, dosage, dosage_unit,
	frequency, administration_route, duration, quantity, unit_price, total_price`

func scanHeader(row pgx.Row) (*Prescription, error) {
	var p Prescription
	err := row.Scan(&p.ID, &p.Number, &p.PatientID, &p.DoctorID, &p.PharmacyID, &p.Diagnosis,
		&p.TotalAmount, &p.Status, &p.ReviewComments, &p.ReviewBy, &p.ReviewTime, &p.DispensedBy,
		&p.DispenseTime, &p.Remark, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func scanLine(row pgx.Row) (*Line, error) {
	var l Line
	err := row.Scan(&l.ID, &l.PrescriptionID, &l.LineNo, &l.DrugID, &l.DrugName, &l.Dosage,
		&l.DosageUnit, &l.Frequency, &l.AdministrationRoute, &l.Duration, &l.Quantity,
		&l.UnitPrice, &l.TotalPrice)
	return &l, err
}

func (r *repoPG) Create(ctx context.Context, p *Prescription) error {
	q := r.conn(ctx)
	p.ID = uuid.New()
	err := q.QueryRow(ctx, `
		INSERT INTO prescriptions (id, prescription_number, patient_id, doctor_id, pharmacy_id,
			diagnosis, total_amount, status, remark, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (prescription_number) DO NOTHING
		RETURNING created_at, updated_at`,
		p.ID, p.Number, p.PatientID, p.DoctorID, p.PharmacyID,
		p.Diagnosis, p.TotalAmount, p.Status, p.Remark, p.CreatedBy,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", p.Number, ErrDuplicateNumber)
	}
	if err != nil {
		return err
	}

	for _, l := range p.Lines {
		l.ID = uuid.New()
		l.PrescriptionID = p.ID
		_, err := q.Exec(ctx, `
			INSERT INTO prescription_lines (`+lineCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			l.ID, l.PrescriptionID, l.LineNo, l.DrugID, l.DrugName, l.Dosage, l.DosageUnit,
			l.Frequency, l.AdministrationRoute, l.Duration, l.Quantity, l.UnitPrice, l.TotalPrice)
		if err != nil {
			return fmt.Errorf("insert line %d: %w", l.LineNo, err)
		}
	}
	return nil
}

func (r *repoPG) one(ctx context.Context, sql string, arg interface{}) (*Prescription, error) {
	p, err := scanHeader(r.conn(ctx).QueryRow(ctx, sql, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	lines, err := r.lines(ctx, []uuid.UUID{p.ID})
	if err != nil {
		return nil, err
	}
	p.Lines = lines[p.ID]
	return p, nil
}

func (r *repoPG) lines(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]*Line, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+lineCols+` FROM prescription_lines WHERE prescription_id = ANY($1) ORDER BY prescription_id, line_no`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uuid.UUID][]*Line, len(ids))
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		out[l.PrescriptionID] = append(out[l.PrescriptionID], l)
	}
	return out, rows.Err()
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return r.one(ctx, `SELECT `+headerCols+` FROM prescriptions WHERE id = $1`, id)
}

func (r *repoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return r.one(ctx, `SELECT `+headerCols+` FROM prescriptions WHERE id = $1 FOR UPDATE`, id)
}

func (r *repoPG) GetByNumber(ctx context.Context, number string) (*Prescription, error) {
	return r.one(ctx, `SELECT `+headerCols+` FROM prescriptions WHERE prescription_number = $1`, number)
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Prescription, int, error) {
	q := db.NewQuery("prescriptions", headerCols)
	if f.PatientID != nil {
		q.Eq("patient_id", *f.PatientID)
	}
	if f.DoctorID != nil {
		q.Eq("doctor_id", *f.DoctorID)
	}
	if f.PharmacyID != nil {
		q.Eq("pharmacy_id", *f.PharmacyID)
	}
	if f.Status != "" {
		q.Eq("status", f.Status)
	}
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
	var items []*Prescription
	var ids []uuid.UUID
	for rows.Next() {
		p, err := scanHeader(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
		ids = append(ids, p.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(ids) == 0 {
		return items, total, nil
	}
	lines, err := r.lines(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for _, p := range items {
		p.Lines = lines[p.ID]
	}
	return items, total, nil
}

func (r *repoPG) UpdateStatus(ctx context.Context, p *Prescription) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE prescriptions SET status = $2, review_comments = $3, review_by = $4, review_time = $5,
			dispensed_by = $6, dispense_time = $7, remark = $8, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.Status, p.ReviewComments, p.ReviewBy, p.ReviewTime,
		p.DispensedBy, p.DispenseTime, p.Remark,
	).Scan(&p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", p.ID, ErrNotFound)
	}
	return err
}
