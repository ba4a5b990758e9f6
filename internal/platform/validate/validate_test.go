package validate

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hospital/his/internal/platform/apierror"
)

type line struct {
	DrugID    uuid.UUID       `json:"drug_id" validate:"uuid_required"`
	Quantity  int             `json:"quantity" validate:"gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price" validate:"money"`
}

type request struct {
	PatientID uuid.UUID `json:"patient_id" validate:"uuid_required"`
	Lines     []line    `json:"lines" validate:"required,min=1,dive"`
}

func TestValidate_OK(t *testing.T) {
	v := New()
	err := v.Validate(&request{
		PatientID: uuid.New(),
		Lines:     []line{{DrugID: uuid.New(), Quantity: 21, UnitPrice: decimal.RequireFromString("5.00")}},
	})
	assert.NoError(t, err)
}

func TestValidate_Failures(t *testing.T) {
	v := New()
	err := v.Validate(&request{
		Lines: []line{{Quantity: 0, UnitPrice: decimal.RequireFromString("-1")}},
	})
	require.Error(t, err)
	assert.Equal(t, apierror.KindValidation, apierror.KindOf(err))
	assert.Contains(t, err.Error(), "patient_id (uuid_required)")
	assert.Contains(t, err.Error(), "lines[0].quantity (gt=0)")
	assert.Contains(t, err.Error(), "lines[0].unit_price (money)")
}

func TestValidate_EmptyLines(t *testing.T) {
	err := New().Validate(&request{PatientID: uuid.New()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lines (required)")
}

func TestValidate_MoneyPrecision(t *testing.T) {
	err := New().Validate(&line{DrugID: uuid.New(), Quantity: 1, UnitPrice: decimal.RequireFromString("1.005")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unit_price (money)")
}

func TestValidate_MoneyRange(t *testing.T) {
	v := New()
	for _, ok := range []string{"0", "1.5", "1.500", "9999999999.99"} {
		assert.NoError(t, v.Validate(&line{DrugID: uuid.New(), Quantity: 1, UnitPrice: decimal.RequireFromString(ok)}), ok)
	}
	err := v.Validate(&line{DrugID: uuid.New(), Quantity: 1, UnitPrice: decimal.RequireFromString("10000000000")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unit_price (money)")
}
