package namelist

import (
	"errors"
	"fmt"
)

// ErrInvalidParameters is the root of every parameter validation failure.
var ErrInvalidParameters = errors.New("invalid namelist parameters")

// DeniedKeyError reports a key that is computed internally and may not be
// supplied by the caller.
type DeniedKeyError struct {
	Key string
}

func (e *DeniedKeyError) Error() string {
	return fmt.Sprintf("key `%s` is not allowed", e.Key)
}

func (e *DeniedKeyError) Unwrap() error { return ErrInvalidParameters }

// UnknownKeyError reports a key outside a strict allow-list.
type UnknownKeyError struct {
	Key string
}

func (e *UnknownKeyError) Error() string {
	return fmt.Sprintf("key `%s` is not valid", e.Key)
}

func (e *UnknownKeyError) Unwrap() error { return ErrInvalidParameters }

// MissingKeyError reports a mandatory key that was not supplied.
type MissingKeyError struct {
	Key string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("key `%s` is not in given parameters", e.Key)
}

func (e *MissingKeyError) Unwrap() error { return ErrInvalidParameters }

// ValueError reports a value that cannot be rendered.
type ValueError struct {
	Key   string
	Value any
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("key `%s` has unsupported value type %T", e.Key, e.Value)
}

func (e *ValueError) Unwrap() error { return ErrInvalidParameters }
