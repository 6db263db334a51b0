package projection

import (
	"context"
	"errors"
)

var (
	// ErrSummaryNotFound indicates no summary exists for the identity.
	ErrSummaryNotFound = errors.New("identity summary not found")

	// ErrAdjacencyNotFound indicates no adjacency entry exists for the identity.
	ErrAdjacencyNotFound = errors.New("adjacency not found")

	// ErrRecordNotFound indicates no projection record exists for the id.
	ErrRecordNotFound = errors.New("projection record not found")
)

// Store is the read-model backend. Applied and MarkApplied key event
// application on (entity id, event id), which makes replaying an event a
// no-op.
type Store interface {
	GetSummary(ctx context.Context, identityID string) (*IdentitySummary, error)
	PutSummary(ctx context.Context, summary *IdentitySummary) error
	SummariesByType(ctx context.Context, identityType string) ([]*IdentitySummary, error)
	SummaryByClaim(ctx context.Context, claimType, value string) (*IdentitySummary, error)

	GetAdjacency(ctx context.Context, identityID string) (*Adjacency, error)
	PutAdjacency(ctx context.Context, adjacency *Adjacency) error

	Worklist(ctx context.Context) ([]*WorklistItem, error)
	PutWorklistItem(ctx context.Context, item *WorklistItem) error
	RemoveWorklistItem(ctx context.Context, workflowID string) error

	GetRecord(ctx context.Context, id string) (*Record, error)
	PutRecord(ctx context.Context, record *Record) error
	Records(ctx context.Context) ([]*Record, error)

	Applied(ctx context.Context, entityID, eventID string) (bool, error)
	MarkApplied(ctx context.Context, entityID, eventID string) error

	// Cursor tracks the last applied event id, for observability.
	Cursor(ctx context.Context) (string, error)
	SetCursor(ctx context.Context, eventID string) error
}
