// Package outcome holds the error kinds surfaced by store, refresh and mutation
// operations, and the tagged result delivered to completion callbacks.
package outcome

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrRemoteFetchFailed  = errors.New("remote fetch failed")
	ErrRemoteTimeout      = fmt.Errorf("%w: timeout", ErrRemoteFetchFailed)
	ErrWriteFailed        = errors.New("write failed")
	ErrAlreadyInProgress  = errors.New("already in progress")
	ErrCancelled          = errors.New("cancelled")
)

// Failure is a structured failure: which store, which operation, and why.
type Failure struct {
	Store string
	Op    string
	Cause error
}

func (f *Failure) Error() string {
	if f.Store == "" {
		return fmt.Sprintf("%s: %v", f.Op, f.Cause)
	}
	return fmt.Sprintf("%s %s: %v", f.Op, f.Store, f.Cause)
}

func (f *Failure) Unwrap() error {
	return f.Cause
}

// Fail builds a Failure
func Fail(store, op string, cause error) *Failure {
	return &Failure{Store: store, Op: op, Cause: cause}
}

// Kind returns the matching error kind of err, or nil when err carries none.
func Kind(err error) error {
	for _, kind := range []error{
		ErrStorageUnavailable,
		ErrRemoteTimeout,
		ErrRemoteFetchFailed,
		ErrWriteFailed,
		ErrAlreadyInProgress,
		ErrCancelled,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Result is either Success with a value or Failure with a reason.
type Result[T any] struct {
	Value   T
	Failure *Failure
}

// Success wraps v as a successful result
func Success[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

// Failed wraps f as a failed result
func Failed[T any](f *Failure) Result[T] {
	return Result[T]{Failure: f}
}

// OK reports whether r is a success
func (r Result[T]) OK() bool {
	return r.Failure == nil
}

// Err returns the failure as an error, or nil
func (r Result[T]) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}

// Completion receives the result of an asynchronous operation
type Completion[T any] func(Result[T])
