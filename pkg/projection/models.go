// Package projection maintains the read models derived from the event
// stream: identity summaries, adjacency lists and the workflow worklist.
package projection

import (
	"time"

	"github.com/identra/identra/pkg/models"
)

// IdentitySummary is the denormalized identity index entry, queryable by id,
// type and claim.
type IdentitySummary struct {
	IdentityID        string                      `json:"identity_id"`
	Type              models.IdentityType         `json:"type"`
	Status            models.IdentityStatus       `json:"status"`
	MergedInto        string                      `json:"merged_into,omitempty"`
	VerificationLevel models.VerificationLevel    `json:"verification_level"`
	Claims            map[models.ClaimType]string `json:"claims,omitempty"`
	Tags              []string                    `json:"tags,omitempty"`
	UpdatedAt         time.Time                   `json:"updated_at"`
}

// EdgeRef is one entry of an adjacency list.
type EdgeRef struct {
	RelationshipID string                  `json:"relationship_id"`
	PeerID         string                  `json:"peer_id"`
	Type           models.RelationshipType `json:"type"`
}

// Adjacency holds the forward and reverse relationship lists of one
// identity, in establishment order.
type Adjacency struct {
	IdentityID string    `json:"identity_id"`
	Outgoing   []EdgeRef `json:"outgoing"`
	Incoming   []EdgeRef `json:"incoming"`
}

// WorklistItem is a workflow blocked on something outside the engine:
// operator input or an approval.
type WorklistItem struct {
	WorkflowID   string                `json:"workflow_id"`
	IdentityID   string                `json:"identity_id"`
	Type         models.WorkflowType   `json:"type"`
	Status       models.WorkflowStatus `json:"status"`
	CurrentStep  string                `json:"current_step"`
	WaitingSince time.Time             `json:"waiting_since"`
}

// SyncStatus tracks the sync state of a registered projection target.
type SyncStatus string

const (
	SyncStatusPending   SyncStatus = "pending"
	SyncStatusSynced    SyncStatus = "synced"
	SyncStatusOutOfSync SyncStatus = "out_of_sync"
	SyncStatusFailed    SyncStatus = "failed"
)

// Record registers an external projection target and its sync state.
type Record struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"          validate:"required"`
	TargetDomain string     `json:"target_domain" validate:"required"`
	Status       SyncStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	SyncError    string     `json:"sync_error,omitempty"`
}

// SummaryOf builds the summary entry for an identity.
func SummaryOf(identity *models.Identity) *IdentitySummary {
	summary := &IdentitySummary{
		IdentityID:        identity.ID,
		Type:              identity.Type,
		Status:            identity.Status,
		MergedInto:        identity.MergedInto,
		VerificationLevel: identity.VerificationLevel,
		Tags:              identity.Tags,
		UpdatedAt:         identity.UpdatedAt,
	}

	if len(identity.Claims) > 0 {
		summary.Claims = make(map[models.ClaimType]string, len(identity.Claims))
		for _, c := range identity.Claims {
			if _, ok := summary.Claims[c.Type]; !ok {
				summary.Claims[c.Type] = c.Value
			}
		}
	}

	return summary
}

// ItemOf builds the worklist entry for a workflow, or nil when the workflow
// does not require external action.
func ItemOf(workflow *models.Workflow) *WorklistItem {
	if !workflow.Status.RequiresAction() {
		return nil
	}

	item := &WorklistItem{
		WorkflowID:  workflow.ID,
		IdentityID:  workflow.IdentityID,
		Type:        workflow.Type,
		Status:      workflow.Status,
		CurrentStep: workflow.CurrentStep,
	}

	if step, ok := workflow.ActiveStep(); ok && step.EnteredAt != nil {
		item.WaitingSince = *step.EnteredAt
	}

	return item
}
