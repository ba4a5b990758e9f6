package inventory

import "github.com/hospital/his/internal/platform/apierror"

var (
	ErrRecordNotFound    = apierror.New(apierror.KindNotFound, "inventory record not found")
	ErrNoBatch           = apierror.New(apierror.KindNotFound, "no inventory batch for drug at pharmacy")
	ErrInsufficientStock = apierror.New(apierror.KindInsufficientStock, "insufficient stock")
	ErrDuplicateRecord   = apierror.New(apierror.KindDuplicateRecord, "inventory record already exists for drug, pharmacy and batch")
	ErrFrozen            = apierror.New(apierror.KindFrozen, "inventory record is frozen")
	ErrRecordNotEmpty    = apierror.New(apierror.KindRecordNotEmpty, "inventory record still holds stock")
)
