package cat

import (
	"errors"
	"fmt"
	"time"
)

// ErrTransactionNotFound is returned by Repository.FindByID when no row
// exists for the requested TransID.
var ErrTransactionNotFound = errors.New("transaction not found")

// ErrOptimisticConflict reports a version CAS that matched zero rows.
// It means another actor already handled the transaction and is not
// usually propagated as a failure.
var ErrOptimisticConflict = errors.New("optimistic version conflict")

// ErrPipelineClosed is returned when a log mutation is enqueued after the
// pipeline shut down.
var ErrPipelineClosed = errors.New("log pipeline is closed")

// StorageError wraps a repository I/O or driver error.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps a driver error with the repository operation that
// produced it.
func NewStorageError(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// TimeoutError reports a business call that exceeded its wall-clock
// budget. The call itself may have succeeded; the SLA contract was still
// violated, so the error is surfaced to the caller.
type TimeoutError struct {
	Method  string
	Budget  time.Duration
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("method %s exceeded its %s budget (took %s)", e.Method, e.Budget, e.Elapsed)
}

// PartialCompensationError reports that a subset of participants failed
// their confirm, cancel or notice invocation. The transaction persists
// with only the failed subset so that recovery re-drives what is
// outstanding; the error is fatal to the current attempt, not to the
// transaction.
type PartialCompensationError struct {
	Action Action
	Failed []*Participant
}

func (e *PartialCompensationError) Error() string {
	return fmt.Sprintf("%s failed for %d of the enlisted participants", e.Action, len(e.Failed))
}
