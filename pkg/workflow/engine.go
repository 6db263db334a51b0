// Package workflow runs guarded state machines owned by identities.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/identra/identra/pkg/aggregate"
	"github.com/identra/identra/pkg/eventbus"
	"github.com/identra/identra/pkg/events"
	"github.com/identra/identra/pkg/models"
	"github.com/identra/identra/pkg/persistence"
)

var (
	// ErrWorkflowTerminal indicates a command targeted a finished workflow.
	ErrWorkflowTerminal = errors.New("workflow is in a terminal state")

	// ErrStepNotActive indicates the completed step is not the current one.
	ErrStepNotActive = errors.New("step is not the active step")

	// ErrDefinitionNotFound indicates no definition exists for the type.
	ErrDefinitionNotFound = errors.New("no workflow definition for type")

	// ErrInvalidDefinition indicates a malformed workflow definition.
	ErrInvalidDefinition = errors.New("invalid workflow definition")
)

// Engine drives workflow instances through their definitions. Between
// commands a started, non-terminal workflow always has exactly one active
// step.
type Engine struct {
	logger     *slog.Logger
	identities persistence.IdentityRepository
	workflows  persistence.WorkflowRepository
	registry   *Registry
	locks      *aggregate.LockManager
	publisher  eventbus.EventPublisher
	validate   *validator.Validate
}

func NewEngine(
	logger *slog.Logger,
	identities persistence.IdentityRepository,
	workflows persistence.WorkflowRepository,
	registry *Registry,
	locks *aggregate.LockManager,
	publisher eventbus.EventPublisher,
) *Engine {
	return &Engine{
		logger:     logger.With("module", "workflow"),
		identities: identities,
		workflows:  workflows,
		registry:   registry,
		locks:      locks,
		publisher:  publisher,
		validate:   validator.New(),
	}
}

// StartCommand starts a workflow for an identity.
type StartCommand struct {
	IdentityID string              `json:"identity_id" validate:"required"`
	Type       models.WorkflowType `json:"type"        validate:"required"`
	StartedBy  string              `json:"started_by,omitempty"`
	Context    map[string]any      `json:"context,omitempty"`
}

// Start creates a workflow instance and activates its initial step. At most
// one non-terminal workflow per type may run for an identity.
func (e *Engine) Start(ctx context.Context, cmd StartCommand) (*models.Workflow, error) {
	if err := e.validate.Struct(cmd); err != nil {
		return nil, fmt.Errorf("invalid start command: %w", err)
	}

	def, err := e.registry.Definition(cmd.Type)
	if err != nil {
		return nil, err
	}

	release := e.locks.Acquire(cmd.IdentityID)
	defer release()

	identity, err := e.identities.GetByID(ctx, cmd.IdentityID)
	if err != nil {
		return nil, err
	}

	existing, err := e.workflows.GetByIdentity(ctx, cmd.IdentityID)
	if err != nil {
		return nil, err
	}

	if err := aggregate.ValidateWorkflowStart(identity, cmd.Type, existing); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	workflow := def.NewInstance(uuid.Must(uuid.NewV7()).String(), cmd.IdentityID)
	workflow.StartedAt = &now
	workflow.StartedBy = cmd.StartedBy

	if cmd.Context != nil {
		workflow.Context = cmd.Context
	}

	initial, ok := def.StepDef(def.InitialStep)
	if !ok {
		return nil, fmt.Errorf("%w: initial step %q is not a step", ErrInvalidDefinition, def.InitialStep)
	}

	e.activateStep(workflow, initial, now)

	if err := e.workflows.Save(ctx, workflow); err != nil {
		return nil, err
	}

	event := events.WorkflowStarted{
		BaseEvent:    events.NewBaseEvent(events.WorkflowStartedEvent, workflow.IdentityID),
		WorkflowID:   workflow.ID,
		WorkflowType: workflow.Type,
		InitialStep:  workflow.CurrentStep,
	}
	event.ActorID = cmd.StartedBy

	e.publish(ctx, workflow.IdentityID, event)

	e.logger.InfoContext(ctx, "workflow started",
		"workflow_id", workflow.ID, "identity_id", workflow.IdentityID, "type", workflow.Type)

	return workflow, nil
}

// CompleteStepCommand reports the outcome of the active step.
type CompleteStepCommand struct {
	WorkflowID string         `json:"workflow_id" validate:"required"`
	StepID     string         `json:"step_id"     validate:"required"`
	Succeeded  bool           `json:"succeeded"`
	Result     map[string]any `json:"result,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
}

// CompleteStep records the step outcome and advances the workflow. Outgoing
// transitions are evaluated in declaration order and the first whose
// condition holds selects the next step. With no matching transition the
// workflow fails on a failed step, advances to the next pending step on a
// successful one, and completes when none remain.
func (e *Engine) CompleteStep(ctx context.Context, cmd CompleteStepCommand) (*models.Workflow, error) {
	if err := e.validate.Struct(cmd); err != nil {
		return nil, fmt.Errorf("invalid complete-step command: %w", err)
	}

	workflow, err := e.workflows.GetByID(ctx, cmd.WorkflowID)
	if err != nil {
		return nil, err
	}

	release := e.locks.Acquire(workflow.IdentityID)
	defer release()

	// Reload under the lock; another command may have advanced it.
	workflow, err = e.workflows.GetByID(ctx, cmd.WorkflowID)
	if err != nil {
		return nil, err
	}

	if workflow.Status.Terminal() {
		return nil, ErrWorkflowTerminal
	}

	if workflow.CurrentStep != cmd.StepID {
		return nil, fmt.Errorf("%w: %s", ErrStepNotActive, cmd.StepID)
	}

	def, err := e.registry.Definition(workflow.Type)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	step, ok := workflow.Step(cmd.StepID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStepNotActive, cmd.StepID)
	}

	step.Status = models.StepStatusCompleted
	if !cmd.Succeeded {
		step.Status = models.StepStatusFailed
	}

	step.CompletedAt = &now
	step.Result = cmd.Result

	next, err := e.selectNext(def, cmd.StepID, cmd.Succeeded, cmd.Result)
	if err != nil {
		return nil, err
	}

	if next == nil {
		next = e.nextPending(def, workflow, cmd.Succeeded)
	}

	switch {
	case next != nil:
		e.activateStep(workflow, *next, now)
	case !cmd.Succeeded:
		workflow.Status = models.WorkflowStatusFailed
		workflow.FailureReason = fmt.Sprintf("step %s failed", cmd.StepID)
		workflow.CurrentStep = ""
		workflow.CompletedAt = &now
	default:
		workflow.Status = models.WorkflowStatusCompleted
		workflow.CurrentStep = ""
		workflow.CompletedAt = &now
	}

	if err := e.workflows.Save(ctx, workflow); err != nil {
		return nil, err
	}

	stepEvent := events.WorkflowStepCompleted{
		BaseEvent:  events.NewBaseEvent(events.WorkflowStepCompletedEvent, workflow.IdentityID),
		WorkflowID: workflow.ID,
		StepID:     cmd.StepID,
		NextStep:   workflow.CurrentStep,
		NewStatus:  workflow.Status,
		Result:     cmd.Result,
	}
	stepEvent.ActorID = cmd.ActorID

	e.publish(ctx, workflow.IdentityID, stepEvent)

	if workflow.Status.Terminal() {
		doneEvent := events.WorkflowCompleted{
			BaseEvent:    events.NewBaseEvent(events.WorkflowCompletedEvent, workflow.IdentityID),
			WorkflowID:   workflow.ID,
			WorkflowType: workflow.Type,
			FinalStatus:  workflow.Status,
		}
		doneEvent.ActorID = cmd.ActorID

		e.publish(ctx, workflow.IdentityID, doneEvent)
	}

	e.logger.InfoContext(ctx, "workflow step completed",
		"workflow_id", workflow.ID, "step_id", cmd.StepID,
		"next_step", workflow.CurrentStep, "status", workflow.Status)

	return workflow, nil
}

// CompleteCommand finalizes a workflow directly, carrying the outcome.
type CompleteCommand struct {
	WorkflowID string         `json:"workflow_id" validate:"required"`
	Succeeded  bool           `json:"succeeded"`
	Result     map[string]any `json:"result,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
}

// Complete finalizes a non-terminal workflow without walking the remaining
// steps. The active step takes the outcome, remaining pending steps are
// skipped.
func (e *Engine) Complete(ctx context.Context, cmd CompleteCommand) (*models.Workflow, error) {
	if err := e.validate.Struct(cmd); err != nil {
		return nil, fmt.Errorf("invalid complete command: %w", err)
	}

	workflow, err := e.workflows.GetByID(ctx, cmd.WorkflowID)
	if err != nil {
		return nil, err
	}

	release := e.locks.Acquire(workflow.IdentityID)
	defer release()

	workflow, err = e.workflows.GetByID(ctx, cmd.WorkflowID)
	if err != nil {
		return nil, err
	}

	if workflow.Status.Terminal() {
		return nil, ErrWorkflowTerminal
	}

	now := time.Now().UTC()

	if active, ok := workflow.ActiveStep(); ok {
		active.Status = models.StepStatusCompleted
		if !cmd.Succeeded {
			active.Status = models.StepStatusFailed
		}

		active.CompletedAt = &now
		active.Result = cmd.Result
	}

	for _, step := range workflow.Steps {
		if step.Status == models.StepStatusPending {
			step.Status = models.StepStatusSkipped
		}
	}

	workflow.Status = models.WorkflowStatusCompleted
	if !cmd.Succeeded {
		workflow.Status = models.WorkflowStatusFailed
		workflow.FailureReason = "completed with failure outcome"
	}

	workflow.CurrentStep = ""
	workflow.CompletedAt = &now

	if err := e.workflows.Save(ctx, workflow); err != nil {
		return nil, err
	}

	event := events.WorkflowCompleted{
		BaseEvent:    events.NewBaseEvent(events.WorkflowCompletedEvent, workflow.IdentityID),
		WorkflowID:   workflow.ID,
		WorkflowType: workflow.Type,
		FinalStatus:  workflow.Status,
	}
	event.ActorID = cmd.ActorID

	e.publish(ctx, workflow.IdentityID, event)

	e.logger.InfoContext(ctx, "workflow completed",
		"workflow_id", workflow.ID, "status", workflow.Status)

	return workflow, nil
}

// Cancel stops a non-terminal workflow synchronously.
func (e *Engine) Cancel(ctx context.Context, workflowID, actorID, reason string) (*models.Workflow, error) {
	workflow, err := e.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	release := e.locks.Acquire(workflow.IdentityID)
	defer release()

	workflow, err = e.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if workflow.Status.Terminal() {
		return nil, ErrWorkflowTerminal
	}

	now := time.Now().UTC()
	previous := workflow.Status

	if active, ok := workflow.ActiveStep(); ok {
		active.Status = models.StepStatusSkipped
		active.CompletedAt = &now
	}

	workflow.Status = models.WorkflowStatusCancelled
	workflow.FailureReason = reason
	workflow.CurrentStep = ""
	workflow.CompletedAt = &now

	if err := e.workflows.Save(ctx, workflow); err != nil {
		return nil, err
	}

	event := events.WorkflowCancelled{
		BaseEvent:      events.NewBaseEvent(events.WorkflowCancelledEvent, workflow.IdentityID),
		WorkflowID:     workflow.ID,
		PreviousStatus: previous,
		Reason:         reason,
	}
	event.ActorID = actorID

	e.publish(ctx, workflow.IdentityID, event)

	e.logger.InfoContext(ctx, "workflow cancelled",
		"workflow_id", workflow.ID, "previous_status", previous, "reason", reason)

	return workflow, nil
}

// SweepTimeouts fails every workflow whose active step exceeded its timeout.
// It returns the number of workflows failed.
func (e *Engine) SweepTimeouts(ctx context.Context, now time.Time) (int, error) {
	active, err := e.workflows.Active(ctx)
	if err != nil {
		return 0, err
	}

	failed := 0

	for _, workflow := range active {
		step, ok := workflow.ActiveStep()
		if !ok || !step.TimedOut(now) {
			continue
		}

		if err := e.failTimedOut(ctx, workflow.ID, step.ID, now); err != nil {
			e.logger.ErrorContext(ctx, "failed to time out workflow",
				"workflow_id", workflow.ID, "error", err)

			continue
		}

		failed++
	}

	if failed > 0 {
		e.logger.InfoContext(ctx, "timed-out workflows swept", "count", failed)
	}

	return failed, nil
}

func (e *Engine) failTimedOut(ctx context.Context, workflowID, stepID string, now time.Time) error {
	workflow, err := e.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return err
	}

	release := e.locks.Acquire(workflow.IdentityID)
	defer release()

	workflow, err = e.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return err
	}

	step, ok := workflow.ActiveStep()
	if !ok || step.ID != stepID || !step.TimedOut(now) {
		// Advanced or cancelled since the listing.
		return nil
	}

	step.Status = models.StepStatusFailed
	step.CompletedAt = &now

	reason := fmt.Sprintf("step %s timed out after %s", step.ID, step.Timeout)
	workflow.Status = models.WorkflowStatusFailed
	workflow.FailureReason = reason
	workflow.CurrentStep = ""
	workflow.CompletedAt = &now

	if err := e.workflows.Save(ctx, workflow); err != nil {
		return err
	}

	event := events.WorkflowTimedOut{
		BaseEvent:  events.NewBaseEvent(events.WorkflowTimedOutEvent, workflow.IdentityID),
		WorkflowID: workflow.ID,
		StepID:     step.ID,
		Reason:     reason,
	}

	e.publish(ctx, workflow.IdentityID, event)

	return nil
}

// Get returns a workflow by id.
func (e *Engine) Get(ctx context.Context, id string) (*models.Workflow, error) {
	return e.workflows.GetByID(ctx, id)
}

// GetByIdentity returns every workflow of an identity, oldest first.
func (e *Engine) GetByIdentity(ctx context.Context, identityID string) ([]*models.Workflow, error) {
	return e.workflows.GetByIdentity(ctx, identityID)
}

// ActiveByIdentity returns the identity's non-terminal workflows.
func (e *Engine) ActiveByIdentity(ctx context.Context, identityID string) ([]*models.Workflow, error) {
	all, err := e.workflows.GetByIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}

	active := make([]*models.Workflow, 0, len(all))

	for _, w := range all {
		if !w.Status.Terminal() {
			active = append(active, w)
		}
	}

	return active, nil
}

// selectNext evaluates the step's outgoing transitions in declaration order
// and returns the definition of the first admissible target.
func (e *Engine) selectNext(def *models.WorkflowDefinition, stepID string, succeeded bool, result map[string]any) (*models.StepDefinition, error) {
	for _, t := range def.TransitionsFrom(stepID) {
		holds, err := models.EvaluateCondition(t.Condition, succeeded, result)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate transition %s -> %s: %w", t.From, t.To, err)
		}

		if !holds {
			continue
		}

		next, ok := def.StepDef(t.To)
		if !ok {
			return nil, fmt.Errorf("%w: transition target %q", ErrInvalidDefinition, t.To)
		}

		return &next, nil
	}

	return nil, nil
}

// nextPending returns the first still-pending step in declaration order, for
// definitions that leave gaps in their transition table. Failed steps never
// fall through.
func (e *Engine) nextPending(def *models.WorkflowDefinition, workflow *models.Workflow, succeeded bool) *models.StepDefinition {
	if !succeeded {
		return nil
	}

	for _, sd := range def.Steps {
		step, ok := workflow.Step(sd.ID)
		if ok && step.Status == models.StepStatusPending {
			return &sd
		}
	}

	return nil
}

func (e *Engine) activateStep(workflow *models.Workflow, def models.StepDefinition, now time.Time) {
	step, ok := workflow.Step(def.ID)
	if !ok {
		return
	}

	step.Status = models.StepStatusActive
	step.EnteredAt = &now
	step.CompletedAt = nil

	workflow.CurrentStep = def.ID
	workflow.Status = def.Kind.WaitStatus()
}

func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.publisher == nil {
		return
	}

	if err := e.publisher.Publish(ctx, key, event); err != nil {
		e.logger.ErrorContext(ctx, "failed to publish event",
			"event_type", event.GetType(), "error", err)
	}
}
