package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/identra/identra/pkg/models"
	"github.com/identra/identra/pkg/persistence"
)

// WorkflowRepository handles workflow-related database operations.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const workflowColumns = `
	id
  , identity_id
  , type
  , status
  , failure_reason
  , steps
  , current_step
  , started_at
  , started_by
  , completed_at
  , context
`

func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1`

	workflow, err := scanWorkflow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetByID", "workflow", id, persistence.ErrWorkflowNotFound)
		}

		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}

	return workflow, nil
}

func (r *WorkflowRepository) GetByIdentity(ctx context.Context, identityID string) ([]*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE identity_id = $1 ORDER BY seq`

	return r.queryWorkflows(ctx, query, identityID)
}

func (r *WorkflowRepository) Active(ctx context.Context) ([]*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows
		WHERE status NOT IN ('completed', 'failed', 'cancelled') ORDER BY seq`

	return r.queryWorkflows(ctx, query)
}

func (r *WorkflowRepository) Save(ctx context.Context, workflow *models.Workflow) error {
	steps, err := json.Marshal(workflow.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	workflowContext, err := json.Marshal(workflow.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal context: %w", err)
	}

	query := `
		INSERT INTO workflows (
			id, identity_id, type, status, failure_reason, steps,
			current_step, started_at, started_by, completed_at, context
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			failure_reason = EXCLUDED.failure_reason,
			steps = EXCLUDED.steps,
			current_step = EXCLUDED.current_step,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			context = EXCLUDED.context,
			identity_id = EXCLUDED.identity_id
	`

	_, err = r.db.ExecContext(ctx, query,
		workflow.ID,
		workflow.IdentityID,
		string(workflow.Type),
		string(workflow.Status),
		nullString(workflow.FailureReason),
		steps,
		nullString(workflow.CurrentStep),
		nullTime(workflow.StartedAt),
		nullString(workflow.StartedBy),
		nullTime(workflow.CompletedAt),
		workflowContext,
	)
	if err != nil {
		return persistence.NewStoreError("Save", "workflow", workflow.ID, err)
	}

	return nil
}

func (r *WorkflowRepository) queryWorkflows(ctx context.Context, query string, args ...any) ([]*models.Workflow, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	workflows := make([]*models.Workflow, 0)

	for rows.Next() {
		workflow, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}

		workflows = append(workflows, workflow)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	return workflows, nil
}

func scanWorkflow(row rowScanner) (*models.Workflow, error) {
	var (
		workflow      models.Workflow
		failureReason sql.NullString
		steps         []byte
		currentStep   sql.NullString
		startedAt     sql.NullTime
		startedBy     sql.NullString
		completedAt   sql.NullTime
		workflowCtx   []byte
	)

	err := row.Scan(
		&workflow.ID,
		&workflow.IdentityID,
		&workflow.Type,
		&workflow.Status,
		&failureReason,
		&steps,
		&currentStep,
		&startedAt,
		&startedBy,
		&completedAt,
		&workflowCtx,
	)
	if err != nil {
		return nil, err
	}

	workflow.FailureReason = failureReason.String
	workflow.CurrentStep = currentStep.String
	workflow.StartedBy = startedBy.String

	if startedAt.Valid {
		t := startedAt.Time

		workflow.StartedAt = &t
	}

	if completedAt.Valid {
		t := completedAt.Time

		workflow.CompletedAt = &t
	}

	if err := json.Unmarshal(steps, &workflow.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}

	if err := json.Unmarshal(workflowCtx, &workflow.Context); err != nil {
		return nil, fmt.Errorf("failed to unmarshal context: %w", err)
	}

	return &workflow, nil
}
