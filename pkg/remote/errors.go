package remote

import (
	"errors"
	"fmt"
)

// Sentinel errors for producer lookup.
var (
	// ErrNoProducer indicates no calculation produced the folder.
	ErrNoProducer = errors.New("no calculation produced the folder")

	// ErrMultipleProducers indicates the folder is claimed by more than one calculation.
	ErrMultipleProducers = errors.New("more than one calculation produced the folder")
)

// LookupError wraps a failed producer lookup with the folder and the number
// of candidate calculations found.
type LookupError struct {
	Folder Folder
	Count  int
	Err    error
}

// Error implements the error interface.
func (e *LookupError) Error() string {
	if e.Count > 1 {
		return fmt.Sprintf("producer of %s: %v (%d found)", e.Folder, e.Err, e.Count)
	}
	return fmt.Sprintf("producer of %s: %v", e.Folder, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *LookupError) Unwrap() error {
	return e.Err
}

// LookupFailed builds the lookup error for count candidates. It returns nil
// when count is exactly one.
func LookupFailed(f Folder, count int) error {
	switch {
	case count == 0:
		return &LookupError{Folder: f, Count: 0, Err: ErrNoProducer}
	case count > 1:
		return &LookupError{Folder: f, Count: count, Err: ErrMultipleProducers}
	default:
		return nil
	}
}

// IsNoProducer returns true if the error indicates the folder has no producer.
func IsNoProducer(err error) bool {
	return errors.Is(err, ErrNoProducer)
}

// IsMultipleProducers returns true if the error indicates an ambiguous producer.
func IsMultipleProducers(err error) bool {
	return errors.Is(err, ErrMultipleProducers)
}
