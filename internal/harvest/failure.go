package harvest

import (
	"errors"
	"fmt"
)

// Category classifies why an attempt failed.
type Category string

// Failure categories.
const (
	CategoryAuthentication Category = "authentication"
	CategorySessionInvalid Category = "session_invalid"
	CategoryTransient      Category = "transient"
	CategoryStructural     Category = "structural_mismatch"
	CategoryFatal          Category = "fatal"
	// CategoryCanceled is not a failure: the run is being stopped.
	CategoryCanceled Category = "canceled"
)

// Sentinel errors shared by the engine and its collaborators.
var (
	// ErrNoIdentitiesAvailable means the identity pool is exhausted. It is fatal for the run.
	ErrNoIdentitiesAvailable = errors.New("no identities available")
	// ErrNoSeed means the seed page at the cursor had nothing new.
	ErrNoSeed = errors.New("no seed found")
	// ErrTopicExhausted means the current seed topic has no further pages.
	ErrTopicExhausted = errors.New("seed topic exhausted")
)

// Failure is a classified error raised by a collaborator.
type Failure struct {
	Category Category
	Reason   string
	Err      error
}

// Error implements error.
func (f *Failure) Error() string {
	switch {
	case f.Err != nil && f.Reason != "":
		return fmt.Sprintf("%s: %s: %v", f.Category, f.Reason, f.Err)
	case f.Err != nil:
		return fmt.Sprintf("%s: %v", f.Category, f.Err)
	case f.Reason != "":
		return fmt.Sprintf("%s: %s", f.Category, f.Reason)
	default:
		return string(f.Category)
	}
}

// Unwrap exposes the underlying cause.
func (f *Failure) Unwrap() error {
	return f.Err
}

// NewFailure wraps err with a category.
func NewFailure(category Category, reason string, err error) *Failure {
	return &Failure{Category: category, Reason: reason, Err: err}
}

// SessionInvalid reports a block or challenge against the active identity.
func SessionInvalid(reason string) *Failure {
	return &Failure{Category: CategorySessionInvalid, Reason: reason}
}

// Transient reports a recoverable infrastructure fault.
func Transient(reason string, err error) *Failure {
	return &Failure{Category: CategoryTransient, Reason: reason, Err: err}
}

// Structural reports that expected content was absent.
func Structural(reason string) *Failure {
	return &Failure{Category: CategoryStructural, Reason: reason}
}

// AuthFailed reports a permanently invalid credential.
func AuthFailed(reason string, err error) *Failure {
	return &Failure{Category: CategoryAuthentication, Reason: reason, Err: err}
}

// Fatal reports an unrecoverable condition.
func Fatal(reason string, err error) *Failure {
	return &Failure{Category: CategoryFatal, Reason: reason, Err: err}
}
