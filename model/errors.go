package model

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Exit codes reported by the operator surface for each class of error.
const (
	ExitOK                 = 0
	ExitUnknown            = 1
	ExitNotFound           = 2
	ExitConflict           = 3
	ExitStaleProgress      = 4
	ExitInvariantViolation = 5
	ExitFatalIndexing      = 6
	ExitUsage              = 64 // malformed command line
)

// NotFoundError is returned when an operation references a record that does not exist.
type NotFoundError struct {
	EntityType string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.EntityType, e.ID)
}

// ConflictError is returned when a transaction collides with a concurrently committed write to the same record.
// Conflicts are the only retryable errors.
type ConflictError struct {
	EntityType string
	ID         string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting concurrent write to %s %q", e.EntityType, e.ID)
}

// StaleProgressError is returned when a block watermark would move backwards without a reorg. It indicates a
// misbehaving chain client and is surfaced rather than corrected.
type StaleProgressError struct {
	Deployment string
	Field      string
	Latest     int64
	Got        int64
}

func (e *StaleProgressError) Error() string {
	return fmt.Sprintf("deployment %s: stale %s: got block %d, already at block %d", e.Deployment, e.Field, e.Got, e.Latest)
}

// InvariantViolationError is returned when an operation would break an invariant of the registry. These are
// programming or operator errors and are never retried.
type InvariantViolationError struct {
	Deployment string
	Field      string
	Reason     string
}

func (e *InvariantViolationError) Error() string {
	if e.Deployment == "" {
		return fmt.Sprintf("invariant violation on %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("deployment %s: invariant violation on %s: %s", e.Deployment, e.Field, e.Reason)
}

// FatalIndexingError is returned for operations on a deployment that has failed. Indexing of that deployment
// must stop; other deployments are unaffected.
type FatalIndexingError struct {
	Deployment string
	Message    string
}

func (e *FatalIndexingError) Error() string {
	return fmt.Sprintf("deployment %s has failed: %s", e.Deployment, e.Message)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return xerrors.As(err, &target)
}

func IsConflict(err error) bool {
	var target *ConflictError
	return xerrors.As(err, &target)
}

func IsStaleProgress(err error) bool {
	var target *StaleProgressError
	return xerrors.As(err, &target)
}

func IsInvariantViolation(err error) bool {
	var target *InvariantViolationError
	return xerrors.As(err, &target)
}

func IsFatalIndexing(err error) bool {
	var target *FatalIndexingError
	return xerrors.As(err, &target)
}

// ExitCode maps an error to the process exit code used by the command line.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case IsNotFound(err):
		return ExitNotFound
	case IsConflict(err):
		return ExitConflict
	case IsStaleProgress(err):
		return ExitStaleProgress
	case IsInvariantViolation(err):
		return ExitInvariantViolation
	case IsFatalIndexing(err):
		return ExitFatalIndexing
	default:
		return ExitUnknown
	}
}

// ErrorClass returns a short label for the class of an error, suitable for metrics and logs.
func ErrorClass(err error) string {
	switch ExitCode(err) {
	case ExitOK:
		return ""
	case ExitNotFound:
		return "not_found"
	case ExitConflict:
		return "conflict"
	case ExitStaleProgress:
		return "stale_progress"
	case ExitInvariantViolation:
		return "invariant_violation"
	case ExitFatalIndexing:
		return "fatal_indexing"
	default:
		return "other"
	}
}
