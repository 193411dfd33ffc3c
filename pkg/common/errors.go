package common

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrTransientStore     = errors.New("transient store error")
	ErrConstraintConflict = errors.New("constraint conflict")
	ErrMalformedMention   = errors.New("malformed mention")
	ErrModelUnavailable   = errors.New("model unavailable")
	ErrIndexCorruption    = errors.New("uniqueness index corrupted")
	ErrLockUnavailable    = errors.New("single-flight lock unavailable")
	ErrNotFound           = errors.New("not found")
)

// TransientStoreError wraps a store failure that is worth retrying.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() []error {
	return []error{ErrTransientStore, e.Err}
}

// Transient wraps err as a TransientStoreError unless it already is one.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransientStoreError
	if errors.As(err, &te) {
		return err
	}
	return &TransientStoreError{Op: op, Err: err}
}

// MalformedMentionError describes a single mention that had to be dropped.
type MalformedMentionError struct {
	Mention Mention
	Reason  string
}

func (e *MalformedMentionError) Error() string {
	return fmt.Sprintf("mention %q in document %s: %s", e.Mention.Text, e.Mention.DocumentID, e.Reason)
}

func (e *MalformedMentionError) Unwrap() error {
	return ErrMalformedMention
}

// ModelUnavailableError is returned by the NLP collaborator when it cannot
// produce mentions for a document.
type ModelUnavailableError struct {
	DocumentID string
	Err        error
}

func (e *ModelUnavailableError) Error() string {
	return fmt.Sprintf("model unavailable for document %s: %v", e.DocumentID, e.Err)
}

func (e *ModelUnavailableError) Unwrap() []error {
	return []error{ErrModelUnavailable, e.Err}
}

// IsRetryable reports whether err is a transient failure. Deadline overruns
// of store calls count as transient; caller cancellation does not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransientStore) || errors.Is(err, context.DeadlineExceeded)
}

// IsFatal reports whether err must stop the run without touching the graph.
func IsFatal(err error) bool {
	return errors.Is(err, ErrIndexCorruption) || errors.Is(err, ErrLockUnavailable)
}
