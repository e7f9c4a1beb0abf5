package common

import "errors"

// ErrAccessDenied is returned when a tenant requests a rule owned by
// another tenant.
var ErrAccessDenied = errors.New("access denied to rule")

// ValidationError marks a failure that is terminal for the event: the
// ingestion retry loop never re-attempts it.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Validationf builds a ValidationError from a preformatted reason.
func Validationf(reason string) *ValidationError {
	return &ValidationError{Reason: reason}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
