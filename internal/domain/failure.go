package domain

import (
	"errors"
	"fmt"
)

// Failure pairs a FailureReason with its underlying cause so collaborators
// can surface a typed reason while keeping the diagnostic detail.
type Failure struct {
	Reason FailureReason
	Err    error
}

func NewFailure(reason FailureReason, err error) *Failure {
	return &Failure{Reason: reason, Err: err}
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Reason)
	}
	return fmt.Sprintf("%s: %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// ReasonOf extracts the FailureReason carried by err, or fallback when err
// carries none.
func ReasonOf(err error, fallback FailureReason) FailureReason {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Reason
	}
	return fallback
}
