package aggregate

import (
	"github.com/identra/identra/pkg/models"
)

// statusLattice lists the allowed non-terminal status transitions:
// Pending<->Active and Active<->Suspended. Archived and Merged are entered
// through their dedicated commands only and are never left.
var statusLattice = map[models.IdentityStatus][]models.IdentityStatus{
	models.IdentityStatusPending:   {models.IdentityStatusActive},
	models.IdentityStatusActive:    {models.IdentityStatusPending, models.IdentityStatusSuspended},
	models.IdentityStatusSuspended: {models.IdentityStatusActive},
}

// ValidateStatusTransition checks a status change against the lifecycle
// lattice.
func ValidateStatusTransition(from, to models.IdentityStatus) error {
	if from == to {
		return nil
	}

	for _, allowed := range statusLattice[from] {
		if allowed == to {
			return nil
		}
	}

	return ErrInvalidTransition
}

// ValidateUpdate checks whether an identity may be updated to a new status.
// The duplicate-claim check on create is delegated to the caller, which owns
// the claim index.
func ValidateUpdate(identity *models.Identity, newStatus models.IdentityStatus) error {
	if identity.Status == models.IdentityStatusArchived {
		return ErrAlreadyArchived
	}

	if identity.Status == models.IdentityStatusMerged {
		return ErrIdentityMerged
	}

	if newStatus.Terminal() {
		return NewInvariantError("terminal statuses are set by archive and merge commands only")
	}

	return ValidateStatusTransition(identity.Status, newStatus)
}

// ValidateMerge checks whether source may be merged into target.
func ValidateMerge(source, target *models.Identity) error {
	if source.Status == models.IdentityStatusArchived || target.Status == models.IdentityStatusArchived {
		return ErrAlreadyArchived
	}

	if source.Status == models.IdentityStatusMerged || target.Status == models.IdentityStatusMerged {
		return ErrIdentityMerged
	}

	if source.Type != target.Type {
		return ErrIncompatibleTypes
	}

	if target.Status == models.IdentityStatusPending {
		return ErrMergeIntoPending
	}

	if source.VerificationLevel > target.VerificationLevel {
		return ErrTargetLessVerified
	}

	return nil
}

// ValidateArchive checks whether an identity may be archived given its
// active relationship count.
func ValidateArchive(identity *models.Identity, activeRelationships int, force bool) error {
	if identity.Status == models.IdentityStatusArchived {
		return ErrAlreadyArchived
	}

	if identity.Status == models.IdentityStatusMerged {
		return ErrIdentityMerged
	}

	if activeRelationships > 0 && !force {
		return &ActiveRelationshipsError{Count: activeRelationships}
	}

	return nil
}

// relationshipWhitelist maps a relationship type to the identity type pairs
// it is allowed between. A nil entry means any pair is acceptable.
var relationshipWhitelist = map[models.RelationshipType][][2]models.IdentityType{
	models.RelationshipMemberOf: {
		{models.IdentityTypePerson, models.IdentityTypeOrganization},
	},
	models.RelationshipManagerOf: {
		{models.IdentityTypePerson, models.IdentityTypePerson},
	},
	models.RelationshipReportsTo: {
		{models.IdentityTypePerson, models.IdentityTypePerson},
	},
}

// ValidateRelationship checks whether a relationship of the given type may be
// established from one identity to another.
func ValidateRelationship(from, to *models.Identity, relType models.RelationshipType) error {
	if from.ID == to.ID {
		return ErrSelfRelationship
	}

	if from.Status != models.IdentityStatusActive || to.Status != models.IdentityStatusActive {
		return ErrEndpointNotActive
	}

	pairs, restricted := relationshipWhitelist[relType]
	if !restricted {
		return nil
	}

	for _, pair := range pairs {
		if from.Type == pair[0] && to.Type == pair[1] {
			return nil
		}
	}

	return ErrRelationshipNotAllowed
}

// ValidateWorkflowStart checks whether a workflow of the given type may be
// started for an identity, given the identity's other workflows.
func ValidateWorkflowStart(identity *models.Identity, workflowType models.WorkflowType, existing []*models.Workflow) error {
	if identity.Status == models.IdentityStatusArchived {
		return ErrAlreadyArchived
	}

	if identity.Status == models.IdentityStatusMerged {
		return ErrIdentityMerged
	}

	for _, w := range existing {
		if w.Type == workflowType && !w.Status.Terminal() {
			return ErrWorkflowInProgress
		}
	}

	switch workflowType {
	case models.WorkflowVerification:
		if identity.Status != models.IdentityStatusPending && identity.Status != models.IdentityStatusActive {
			return NewInvariantError("verification requires a pending or active identity")
		}
	case models.WorkflowOffboarding:
		if identity.Status != models.IdentityStatusActive {
			return NewInvariantError("only active identities can be offboarded")
		}
	case models.WorkflowAccountRecovery, models.WorkflowPasswordReset, models.WorkflowMfaSetup:
		if identity.Status != models.IdentityStatusActive {
			return NewInvariantError("recovery workflows require an active identity")
		}
	}

	return nil
}

// ValidateVerificationTransition checks that a verification level change is
// monotonic and advances at most one level.
func ValidateVerificationTransition(current, next models.VerificationLevel) error {
	if next < current {
		return ErrVerificationDowngrade
	}

	if next-current > 1 {
		return ErrVerificationSkip
	}

	return nil
}
