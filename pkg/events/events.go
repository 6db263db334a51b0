// Package events defines the domain events emitted by the identity engine.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/identra/identra/pkg/models"
)

type EventType string

// Topic is the event stream all engine events are published to.
const Topic = "identra.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Identity lifecycle events.
	IdentityCreatedEvent  EventType = "identity.created"
	IdentityUpdatedEvent  EventType = "identity.updated"
	IdentityArchivedEvent EventType = "identity.archived"
	IdentitiesMergedEvent EventType = "identity.merged"

	// Relationship events.
	RelationshipEstablishedEvent EventType = "relationship.established"
	RelationshipRevokedEvent     EventType = "relationship.revoked"
	RelationshipExpiredEvent     EventType = "relationship.expired"

	// Workflow events.
	WorkflowStartedEvent       EventType = "workflow.started"
	WorkflowStepCompletedEvent EventType = "workflow.step.completed"
	WorkflowCompletedEvent     EventType = "workflow.completed"
	WorkflowTimedOutEvent      EventType = "workflow.timed_out"
	WorkflowCancelledEvent     EventType = "workflow.cancelled"

	// Verification events.
	VerificationStartedEvent   EventType = "verification.started"
	VerificationCompletedEvent EventType = "verification.completed"

	// Projection events.
	ProjectionCreatedEvent EventType = "projection.created"
	ProjectionSyncedEvent  EventType = "projection.synced"
)

// BaseEvent carries the fields common to every domain event. IdentityID is
// the aggregate the event belongs to; ActorID is the identity that issued the
// triggering command.
type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	IdentityID string         `json:"identity_id"`
	ActorID    string         `json:"actor_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, identityID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		IdentityID: identityID,
		Metadata:   make(map[string]any),
	}
}

type IdentityCreated struct {
	BaseEvent

	IdentityType models.IdentityType `json:"identity_type"`
	Claims       []models.Claim      `json:"claims,omitempty"`
}

func (e IdentityCreated) GetType() EventType {
	return IdentityCreatedEvent
}

type IdentityUpdated struct {
	BaseEvent

	OldStatus models.IdentityStatus `json:"old_status"`
	NewStatus models.IdentityStatus `json:"new_status"`
}

func (e IdentityUpdated) GetType() EventType {
	return IdentityUpdatedEvent
}

type IdentityArchived struct {
	BaseEvent

	PreviousStatus models.IdentityStatus `json:"previous_status"`
	Forced         bool                  `json:"forced"`
	Reason         string                `json:"reason,omitempty"`
}

func (e IdentityArchived) GetType() EventType {
	return IdentityArchivedEvent
}

// IdentitiesMerged is emitted on the source identity's stream; IdentityID is
// the source and TargetID the surviving identity.
type IdentitiesMerged struct {
	BaseEvent

	TargetID              string                   `json:"target_id"`
	MigratedRelationships int                      `json:"migrated_relationships"`
	MigratedWorkflows     int                      `json:"migrated_workflows"`
	RetainedVerification  models.VerificationLevel `json:"retained_verification_level"`
}

func (e IdentitiesMerged) GetType() EventType {
	return IdentitiesMergedEvent
}

type RelationshipEstablished struct {
	BaseEvent

	RelationshipID string                  `json:"relationship_id"`
	FromID         string                  `json:"from_id"`
	ToID           string                  `json:"to_id"`
	Relationship   models.RelationshipType `json:"relationship_type"`
	ExpiresAt      *time.Time              `json:"expires_at,omitempty"`
}

func (e RelationshipEstablished) GetType() EventType {
	return RelationshipEstablishedEvent
}

type RelationshipRevoked struct {
	BaseEvent

	RelationshipID string                  `json:"relationship_id"`
	FromID         string                  `json:"from_id"`
	ToID           string                  `json:"to_id"`
	Relationship   models.RelationshipType `json:"relationship_type"`
	Reason         string                  `json:"reason,omitempty"`
}

func (e RelationshipRevoked) GetType() EventType {
	return RelationshipRevokedEvent
}

type RelationshipExpired struct {
	BaseEvent

	RelationshipID string                  `json:"relationship_id"`
	FromID         string                  `json:"from_id"`
	ToID           string                  `json:"to_id"`
	Relationship   models.RelationshipType `json:"relationship_type"`
	Reason         string                  `json:"reason,omitempty"`
}

func (e RelationshipExpired) GetType() EventType {
	return RelationshipExpiredEvent
}

type WorkflowStarted struct {
	BaseEvent

	WorkflowID   string              `json:"workflow_id"`
	WorkflowType models.WorkflowType `json:"workflow_type"`
	InitialStep  string              `json:"initial_step"`
}

func (e WorkflowStarted) GetType() EventType {
	return WorkflowStartedEvent
}

type WorkflowStepCompleted struct {
	BaseEvent

	WorkflowID string                `json:"workflow_id"`
	StepID     string                `json:"step_id"`
	NextStep   string                `json:"next_step,omitempty"`
	NewStatus  models.WorkflowStatus `json:"new_status"`
	Result     map[string]any        `json:"result,omitempty"`
}

func (e WorkflowStepCompleted) GetType() EventType {
	return WorkflowStepCompletedEvent
}

type WorkflowCompleted struct {
	BaseEvent

	WorkflowID   string                `json:"workflow_id"`
	WorkflowType models.WorkflowType   `json:"workflow_type"`
	FinalStatus  models.WorkflowStatus `json:"final_status"`
}

func (e WorkflowCompleted) GetType() EventType {
	return WorkflowCompletedEvent
}

type WorkflowTimedOut struct {
	BaseEvent

	WorkflowID string `json:"workflow_id"`
	StepID     string `json:"step_id"`
	Reason     string `json:"reason"`
}

func (e WorkflowTimedOut) GetType() EventType {
	return WorkflowTimedOutEvent
}

type WorkflowCancelled struct {
	BaseEvent

	WorkflowID     string                `json:"workflow_id"`
	PreviousStatus models.WorkflowStatus `json:"previous_status"`
	Reason         string                `json:"reason,omitempty"`
}

func (e WorkflowCancelled) GetType() EventType {
	return WorkflowCancelledEvent
}

type VerificationStarted struct {
	BaseEvent

	Method string `json:"method"`
}

func (e VerificationStarted) GetType() EventType {
	return VerificationStartedEvent
}

type VerificationCompleted struct {
	BaseEvent

	Successful bool                     `json:"successful"`
	NewLevel   models.VerificationLevel `json:"new_level"`
}

func (e VerificationCompleted) GetType() EventType {
	return VerificationCompletedEvent
}

type ProjectionCreated struct {
	BaseEvent

	ProjectionID   string `json:"projection_id"`
	ProjectionType string `json:"projection_type"`
	TargetDomain   string `json:"target_domain"`
}

func (e ProjectionCreated) GetType() EventType {
	return ProjectionCreatedEvent
}

type ProjectionSynced struct {
	BaseEvent

	ProjectionsSynced int `json:"projections_synced"`
	SyncErrors        int `json:"sync_errors"`
}

func (e ProjectionSynced) GetType() EventType {
	return ProjectionSyncedEvent
}
