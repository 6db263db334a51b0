// Package aggregate enforces business invariants for identity operations.
//
// Validators are pure: they never mutate state and never perform I/O. A
// command handler mutates state and emits events only after the relevant
// validator accepts.
package aggregate

import (
	"errors"
	"fmt"
)

// Standard domain error types returned by validators.
var (
	// ErrAlreadyArchived indicates an operation targeted an archived identity.
	ErrAlreadyArchived = errors.New("identity is already archived")

	// ErrIdentityMerged indicates an operation targeted a merged identity.
	ErrIdentityMerged = errors.New("identity has been merged")

	// ErrIncompatibleTypes indicates a merge between different identity types.
	ErrIncompatibleTypes = errors.New("cannot merge identities of different types")

	// ErrTargetLessVerified indicates a merge where the source outranks the target.
	ErrTargetLessVerified = errors.New("source identity is more verified than target")

	// ErrMergeIntoPending indicates a merge into an identity that is still pending.
	ErrMergeIntoPending = errors.New("cannot merge into pending identity")

	// ErrDuplicateClaim indicates another identity already holds the claim.
	ErrDuplicateClaim = errors.New("claim is already held by another identity")

	// ErrSelfRelationship indicates a relationship with identical endpoints.
	ErrSelfRelationship = errors.New("identity cannot relate to itself")

	// ErrRelationshipNotAllowed indicates the type pair is not whitelisted for
	// the relationship type.
	ErrRelationshipNotAllowed = errors.New("relationship not allowed between these identity types")

	// ErrEndpointNotActive indicates a relationship endpoint is not active.
	ErrEndpointNotActive = errors.New("both relationship endpoints must be active")

	// ErrNotRevocable indicates the relationship's rules forbid revocation.
	ErrNotRevocable = errors.New("relationship rules forbid revocation")

	// ErrWorkflowInProgress indicates a concurrent workflow of the same type.
	ErrWorkflowInProgress = errors.New("workflow of this type is already in progress")

	// ErrInvalidTransition indicates a status change outside the allowed lattice.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrVerificationDowngrade indicates a verification level decrease.
	ErrVerificationDowngrade = errors.New("cannot downgrade verification level")

	// ErrVerificationSkip indicates a verification advance of more than one level.
	ErrVerificationSkip = errors.New("cannot skip verification levels")
)

// InvariantError wraps an invariant violation with the rule that was broken.
type InvariantError struct {
	Rule string // short description of the violated rule
	Err  error  // underlying sentinel, if any
}

func (e *InvariantError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invariant violation: %s: %v", e.Rule, e.Err)
	}

	return "invariant violation: " + e.Rule
}

func (e *InvariantError) Unwrap() error {
	return e.Err
}

// NewInvariantError creates an invariant violation for the given rule.
func NewInvariantError(rule string) *InvariantError {
	return &InvariantError{Rule: rule}
}

// ActiveRelationshipsError indicates an archive was attempted while the
// identity still has active relationships and force was not set.
type ActiveRelationshipsError struct {
	Count int
}

func (e *ActiveRelationshipsError) Error() string {
	return fmt.Sprintf("identity has %d active relationships", e.Count)
}

// IsActiveRelationships checks whether an error is an ActiveRelationshipsError
// and returns the relationship count.
func IsActiveRelationships(err error) (int, bool) {
	var are *ActiveRelationshipsError
	if errors.As(err, &are) {
		return are.Count, true
	}

	return 0, false
}

// IsInvariantViolation checks whether an error is an invariant violation.
func IsInvariantViolation(err error) bool {
	var ie *InvariantError

	return errors.As(err, &ie)
}

// IsConflict reports whether the error describes a state conflict that maps
// to a 409 at the API boundary.
func IsConflict(err error) bool {
	if _, ok := IsActiveRelationships(err); ok {
		return true
	}

	return errors.Is(err, ErrWorkflowInProgress) ||
		errors.Is(err, ErrAlreadyArchived) ||
		errors.Is(err, ErrIdentityMerged) ||
		errors.Is(err, ErrNotRevocable) ||
		errors.Is(err, ErrDuplicateClaim)
}
