package prescription

import (
	"errors"

	"github.com/hospital/his/internal/platform/apierror"
)

var (
	ErrNotFound              = apierror.New(apierror.KindNotFound, "prescription not found")
	ErrAlreadyReviewed       = apierror.New(apierror.KindAlreadyReviewed, "prescription has already been reviewed")
	ErrNotApproved           = apierror.New(apierror.KindNotApproved, "prescription is not approved for dispensing")
	ErrCannotCancelDispensed = apierror.New(apierror.KindCannotCancelDispensed, "a dispensed prescription cannot be cancelled")
	ErrInvalidTransition     = apierror.New(apierror.KindInvalidTransition, "transition not allowed from the current status")
	ErrSafetyCheckFailed     = apierror.New(apierror.KindSafetyCheckFailed, "prescription failed safety screening")

	// ErrDuplicateNumber is returned by Repository.Create when the number is
	// taken; the service retries with a fresh one.
	ErrDuplicateNumber = errors.New("prescription number already exists")
)
