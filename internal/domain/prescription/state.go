package prescription

import "fmt"

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusDispensed || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusPendingReview, StatusReviewed, StatusRejected, StatusDispensed, StatusCancelled:
		return true
	}
	return false
}

// canReview guards review: only pending prescriptions may be reviewed.
func canReview(from Status) error {
	if from != StatusPendingReview {
		return fmt.Errorf("status %s: %w", from, ErrAlreadyReviewed)
	}
	return nil
}

// canDispense guards dispense: only REVIEWED may be dispensed.
func canDispense(from Status) error {
	if from != StatusReviewed {
		return fmt.Errorf("status %s: %w", from, ErrNotApproved)
	}
	return nil
}

func canCancel(from Status) error {
	switch from {
	case StatusPendingReview, StatusReviewed:
		return nil
	case StatusDispensed:
		return ErrCannotCancelDispensed
	}
	return fmt.Errorf("cancel from %s: %w", from, ErrInvalidTransition)
}
