package adherence

import (
	"errors"
	"fmt"

	"medtracker/dblayer"
	"medtracker/dbtypes"
)

// NotFoundError is returned when a referenced record does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return dblayer.ErrNotFound
}

// StoreError is a failure of the persistent store.  The operation may be
// retried.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error during %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// classify converts an error from the store into the engine's error model.
// Validation and uniqueness errors pass through unchanged.
func classify(op, kind, id string, err error) error {
	if err == nil {
		return nil
	}

	var verr *dbtypes.ValidationError
	if errors.As(err, &verr) || errors.Is(err, dblayer.ErrMedicationAlreadyExists) {
		return err
	}
	if kind != "" && errors.Is(err, dblayer.ErrNotFound) {
		return &NotFoundError{Kind: kind, ID: id}
	}
	return &StoreError{Op: op, Err: err}
}
