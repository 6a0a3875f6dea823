package suggest

import (
	"errors"
	"fmt"
)

var (
	// ErrCompute marks inputs the heuristic cannot evaluate (zero shelf life,
	// zero quantity, no expiry date).
	ErrCompute = errors.New("suggest: cannot compute")
	// ErrPersistence matches any *PersistenceError.
	ErrPersistence        = errors.New("suggest: persistence failure")
	ErrLotNotFound        = errors.New("suggest: lot not found")
	ErrSuggestionNotFound = errors.New("suggest: suggestion not found")
	// ErrNotApplicable is returned when applying a suggestion that carries no
	// price (Restock, Dispose).
	ErrNotApplicable = errors.New("suggest: suggestion type cannot be applied")
)

// PersistenceError reports a store read or write failure during a batch.
// When returned from RegenerateAll the stored set is unchanged.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("suggest: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }
