// Package persistence provides standardized error types for storage
// operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrIdentityNotFound indicates an identity was not found by the given identifier.
	ErrIdentityNotFound = errors.New("identity not found")

	// ErrRelationshipNotFound indicates a relationship was not found.
	ErrRelationshipNotFound = errors.New("relationship not found")

	// ErrWorkflowNotFound indicates a workflow was not found by the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")
)

// StoreError wraps storage errors with operation context.
type StoreError struct {
	Op     string // operation being performed (e.g. "GetByID", "Save")
	Entity string // entity kind ("identity", "relationship", "workflow")
	ID     string // entity ID if applicable
	Err    error  // underlying error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewStoreError creates a new store error with context.
func NewStoreError(op, entity, id string, err error) *StoreError {
	return &StoreError{Op: op, Entity: entity, ID: id, Err: err}
}

// IsIdentityNotFound checks if an error indicates an identity was not found.
func IsIdentityNotFound(err error) bool {
	return errors.Is(err, ErrIdentityNotFound)
}

// IsRelationshipNotFound checks if an error indicates a relationship was not found.
func IsRelationshipNotFound(err error) bool {
	return errors.Is(err, ErrRelationshipNotFound)
}

// IsWorkflowNotFound checks if an error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsNotFound checks if an error is any of the not-found sentinels.
func IsNotFound(err error) bool {
	return IsIdentityNotFound(err) || IsRelationshipNotFound(err) || IsWorkflowNotFound(err)
}
