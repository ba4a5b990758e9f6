package inventory

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "Ledger"

var exportHeader = []interface{}{
	"created_at", "transaction_type", "direction", "quantity", "unit_price", "total_amount",
	"drug_id", "pharmacy_id", "batch_number", "reason", "reference_type", "reference_id", "created_by",
}

// ExportTransactions writes the matching ledger entries, oldest first, as an
// xlsx workbook with one header row.
func (s *Service) ExportTransactions(ctx context.Context, f TransactionFilter, w io.Writer) (int, error) {
	wb := excelize.NewFile()
	defer func() { _ = wb.Close() }()

	if err := wb.SetSheetName(wb.GetSheetName(0), exportSheet); err != nil {
		return 0, fmt.Errorf("name sheet: %w", err)
	}
	sw, err := wb.NewStreamWriter(exportSheet)
	if err != nil {
		return 0, fmt.Errorf("open stream writer: %w", err)
	}
	if err := sw.SetRow("A1", exportHeader); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}

	row := 2
	err = s.txns.Iterate(ctx, f, func(t *Transaction) error {
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, exportRow(t)); err != nil {
			return fmt.Errorf("write row %d: %w", row, err)
		}
		row++
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := sw.Flush(); err != nil {
		return 0, fmt.Errorf("flush sheet: %w", err)
	}
	if _, err := wb.WriteTo(w); err != nil {
		return 0, fmt.Errorf("write workbook: %w", err)
	}
	return row - 2, nil
}

func exportRow(t *Transaction) []interface{} {
	refID := ""
	if t.ReferenceID != nil {
		refID = t.ReferenceID.String()
	}
	unit, _ := t.UnitPrice.Float64()
	total, _ := t.TotalAmount.Float64()
	return []interface{}{
		t.CreatedAt.UTC().Format(time.RFC3339), string(t.Type), t.Direction, t.Quantity, unit, total,
		t.DrugID.String(), t.PharmacyID.String(), t.BatchNumber, t.Reason, t.ReferenceType, refID, t.CreatedBy,
	}
}
