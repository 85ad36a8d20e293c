package service

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when no local payment record matches.
var ErrNotFound = errors.New("payment not found")

type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

func invalid(field, msg string) error { return &ValidationError{Field: field, Msg: msg} }

// PersistenceError wraps store failures.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// PublishError means the outcome message was not confirmed by the broker.
// The record transition was rolled back, so the caller may retry.
type PublishError struct {
	Key string
	Err error
}

func (e *PublishError) Error() string { return fmt.Sprintf("publish %s: %v", e.Key, e.Err) }
func (e *PublishError) Unwrap() error { return e.Err }

// IncompleteRecordError blocks a SUCCESS message that would lack the ids the
// ticket side needs. The record stays PENDING.
type IncompleteRecordError struct {
	TransactionID string
	Missing       string
}

func (e *IncompleteRecordError) Error() string {
	return fmt.Sprintf("payment %s has no %s, refusing to publish", e.TransactionID, e.Missing)
}
