package erp

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable marks transient failures; the caller may retry the whole write.
	ErrUnavailable = errors.New("erp: unavailable")
	// ErrRejected marks permanent refusals such as an invalid slot.
	ErrRejected = errors.New("erp: rejected")
	// ErrMissingExternalID means the adapter reported success without an id.
	// That is an adapter bug, never a valid empty result.
	ErrMissingExternalID = errors.New("erp: record has no external id")
	// ErrNotFound is returned by Get/Update/Cancel for unknown ids.
	ErrNotFound = errors.New("erp: appointment not found")
)

// UnavailableError is a transient failure talking to the ERP.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("erp: %s: unavailable", e.Op)
	}
	return fmt.Sprintf("erp: %s: unavailable: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUnavailable}
	}
	return []error{ErrUnavailable, e.Err}
}

// RejectedError is a permanent refusal. Reason is the ERP's own message and is
// shown to the user verbatim.
type RejectedError struct {
	Op     string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("erp: %s rejected: %s", e.Op, e.Reason)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// Unavailable wraps err as a transient failure of op.
func Unavailable(op string, err error) error {
	return &UnavailableError{Op: op, Err: err}
}

// Rejected builds a permanent failure of op.
func Rejected(op, reason string) error {
	return &RejectedError{Op: op, Reason: reason}
}

// IsUnavailable reports whether err is transient.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsRejected reports whether err is a permanent refusal.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}

// RejectionReason extracts the ERP's message from a rejection.
func RejectionReason(err error) (string, bool) {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}

// CheckRecord enforces the non-empty id contract on a successful write.
func CheckRecord(op string, rec *Record) error {
	if rec == nil || rec.ExternalID == "" {
		return fmt.Errorf("erp: %s: %w", op, ErrMissingExternalID)
	}
	return nil
}
