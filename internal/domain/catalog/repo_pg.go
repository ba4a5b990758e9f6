package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hospital/his/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// StorePG implements Lookup, RuleSource and AllergySource over the
// hospital schema.
type StorePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) *StorePG {
	return &StorePG{pool: pool}
}

func (s *StorePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

func (s *StorePG) GetDrug(ctx context.Context, id uuid.UUID) (*Drug, error) {
	var d Drug
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT id, code, name, generic_name, specification, unit, retail_price, active
		FROM drugs WHERE id = $1`, id).
		Scan(&d.ID, &d.Code, &d.Name, &d.GenericName, &d.Specification, &d.Unit, &d.RetailPrice, &d.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("drug %s: %w", id, ErrDrugNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get drug %s: %w", id, err)
	}
	return &d, nil
}

func (s *StorePG) GetPharmacy(ctx context.Context, id uuid.UUID) (*Pharmacy, error) {
	var p Pharmacy
	err := s.conn(ctx).QueryRow(ctx, `SELECT id, code, name, active FROM pharmacies WHERE id = $1`, id).
		Scan(&p.ID, &p.Code, &p.Name, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pharmacy %s: %w", id, ErrPharmacyNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pharmacy %s: %w", id, err)
	}
	return &p, nil
}

func (s *StorePG) ActiveRulesForDrug(ctx context.Context, drugID uuid.UUID) ([]*DrugRule, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT id, drug_id, rule_type, COALESCE(max_quantity, 0), COALESCE(condition, ''),
			interacts_with, severity, description
		FROM drug_rules
		WHERE drug_id = $1 AND active
			AND (effective_from IS NULL OR effective_from <= NOW())
			AND (effective_to IS NULL OR effective_to > NOW())`, drugID)
	if err != nil {
		return nil, fmt.Errorf("query drug rules: %w", err)
	}
	defer rows.Close()

	var rules []*DrugRule
	for rows.Next() {
		var r DrugRule
		if err := rows.Scan(&r.ID, &r.DrugID, &r.Type, &r.MaxQuantity, &r.Condition,
			&r.InteractsWith, &r.Severity, &r.Description); err != nil {
			return nil, err
		}
		rules = append(rules, &r)
	}
	return rules, rows.Err()
}

func (s *StorePG) AllergiesForPatient(ctx context.Context, patientID uuid.UUID) ([]*Allergy, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT id, patient_id, drug_id, allergen, COALESCE(reaction, ''), severity
		FROM patient_allergies
		WHERE patient_id = $1 AND status = 'active'`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query patient allergies: %w", err)
	}
	defer rows.Close()

	var out []*Allergy
	for rows.Next() {
		var a Allergy
		if err := rows.Scan(&a.ID, &a.PatientID, &a.DrugID, &a.Allergen, &a.Reaction, &a.Severity); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
