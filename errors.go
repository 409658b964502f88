package costguard

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrInvalidArgument   = errors.New("costguard: invalid argument")
	ErrInputTooLarge     = errors.New("costguard: input exceeds context window")
	ErrDuplicateRequest  = errors.New("costguard: duplicate request id")
	ErrUnknownRequest    = errors.New("costguard: unknown request id")
	ErrActualAlreadySet  = errors.New("costguard: actual usage already recorded")
	ErrProbeFailed       = errors.New("costguard: capability probe failed")
	ErrTransportFailed   = errors.New("costguard: transport failed")
	ErrLedgerUnavailable = errors.New("costguard: ledger unavailable")
)

// SegmentError wraps an error with continuation lineage context.
type SegmentError struct {
	Err       error
	RequestID string
	Segment   int
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("costguard: request=%s segment=%d: %v", e.RequestID, e.Segment, e.Err)
}

func (e *SegmentError) Unwrap() error {
	return e.Err
}

// IsInvalid returns true if the error is a malformed-input condition that
// should never be retried.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrInputTooLarge)
}
