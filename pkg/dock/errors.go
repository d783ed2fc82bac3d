package dock

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers ids that were never created and tombstoned ones.
	ErrNotFound = errors.New("assignment not found")
	// ErrVersionConflict matches any *ConflictError.
	ErrVersionConflict = errors.New("version conflict")
	// ErrStorage matches any *StorageError.
	ErrStorage = errors.New("storage failure")
)

// ConflictError is returned to the submitter only. It carries the stored
// state so the client can redisplay it.
type ConflictError struct {
	Result ConflictResult
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on assignment %d: current %d, attempted %d",
		e.Result.AssignmentID, e.Result.CurrentVersion, e.Result.AttemptedVersion)
}

func (e *ConflictError) Is(target error) bool { return target == ErrVersionConflict }

func NewConflict(current Assignment, attempted int64) *ConflictError {
	return &ConflictError{Result: ConflictResult{
		AssignmentID:     current.ID,
		CurrentVersion:   current.Version,
		AttemptedVersion: attempted,
		Current:          current.Clone(),
	}}
}

// IsConflict unwraps a conflict result from err.
func IsConflict(err error) (ConflictResult, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Result, true
	}
	return ConflictResult{}, false
}

// StorageError means the version store could not complete the atomic
// operation. It is never a conflict; Unwrap keeps context errors visible.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStorage, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }
