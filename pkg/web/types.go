// Package web provides the HTTP surface of the identity engine.
package web

import "github.com/identra/identra/pkg/models"

// RevokeRelationshipRequest carries the optional revocation context.
type RevokeRelationshipRequest struct {
	Reason  string `json:"reason,omitempty"`
	ActorID string `json:"actor_id,omitempty"`
}

// StartVerificationRequest names the verification method being attempted.
type StartVerificationRequest struct {
	Method  string `json:"method" validate:"required"`
	ActorID string `json:"actor_id,omitempty"`
}

// CompleteVerificationRequest advances the identity to a new level.
type CompleteVerificationRequest struct {
	Level      models.VerificationLevel `json:"level"`
	VerifiedBy string                   `json:"verified_by,omitempty"`
}

// CancelWorkflowRequest carries the cancellation context.
type CancelWorkflowRequest struct {
	Reason  string `json:"reason,omitempty"`
	ActorID string `json:"actor_id,omitempty"`
}

// SyncProjectionsRequest names the actor that requested the sync.
type SyncProjectionsRequest struct {
	ActorID string `json:"actor_id,omitempty"`
}
