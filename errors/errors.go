// Package errors re-exports github.com/cockroachdb/errors and declares the
// sentinels shared across automaton.
//
// Wrap sentinels to add context; errors.Is still matches through the chain:
//
//	return errors.WithDetailf(errors.Wrapf(errors.ErrInvalidSchedule, "no triggers"), "schedule_id=%s", id)
//
// Hints are for the person running the CLI, details for logs.
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New    = crdb.New
	Newf   = crdb.Newf
	Wrap   = crdb.Wrap
	Wrapf  = crdb.Wrapf
	Mark   = crdb.Mark
	Is     = crdb.Is
	As     = crdb.As
	Unwrap = crdb.Unwrap
)

var (
	WithHint      = crdb.WithHint
	WithHintf     = crdb.WithHintf
	WithDetail    = crdb.WithDetail
	WithDetailf   = crdb.WithDetailf
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
)

// Generic sentinels.
var (
	ErrNotFound           = New("not found")
	ErrInvalidRequest     = New("invalid request")
	ErrServiceUnavailable = New("service unavailable")
	ErrTimeout            = New("operation timed out")
	ErrConflict           = New("resource conflict")
)

// Automation sentinels.
var (
	// ErrScheduleNotFound is returned when a schedule record does not exist
	ErrScheduleNotFound = Wrap(ErrNotFound, "schedule")

	// ErrInvalidSchedule marks a malformed schedule definition
	ErrInvalidSchedule = Wrap(ErrInvalidRequest, "invalid schedule")

	// ErrMissingConstraint is returned when a frequency constraint ID is unknown
	ErrMissingConstraint = Wrap(ErrNotFound, "frequency constraint")

	ErrNoDelegate    = New("no delegate registered for payload type")
	ErrEngineStopped = New("automation engine stopped")
)

// IsNotFoundError reports whether err wraps ErrNotFound, including
// ErrScheduleNotFound and ErrMissingConstraint.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError reports whether err wraps ErrInvalidRequest.
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsServiceUnavailableError reports whether err wraps ErrServiceUnavailable.
func IsServiceUnavailableError(err error) bool {
	return err != nil && Is(err, ErrServiceUnavailable)
}
