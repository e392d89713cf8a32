package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidState     = errors.New("invalid state")
	ErrInvalidInput     = errors.New("invalid input")
	ErrConflict         = errors.New("conflict")
	ErrInferenceFailure = errors.New("inference failure")
	ErrLedgerFailure    = errors.New("ledger failure")

	ErrAlreadyCancelled = &kindError{msg: "appointment already cancelled", kind: ErrConflict}
	ErrEmptyHistory     = &kindError{msg: "consultation has no chat history", kind: ErrInvalidState}
	ErrNoHypotheses     = &kindError{msg: "consultation has no hypotheses", kind: ErrInvalidState}
)

// kindError is a sentinel that also matches a broader taxonomy class.
type kindError struct {
	msg  string
	kind error
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.kind }
