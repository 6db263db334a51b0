package models

import "time"

// WorkflowType identifies a multi-step process an identity can go through.
type WorkflowType string

const (
	WorkflowVerification           WorkflowType = "verification"
	WorkflowPersonOnboarding       WorkflowType = "person_onboarding"
	WorkflowOrganizationOnboarding WorkflowType = "organization_onboarding"
	WorkflowIdentityMerge          WorkflowType = "identity_merge"
	WorkflowOffboarding            WorkflowType = "offboarding"
	WorkflowPasswordReset          WorkflowType = "password_reset"
	WorkflowMfaSetup               WorkflowType = "mfa_setup"
	WorkflowAccountRecovery        WorkflowType = "account_recovery"
	WorkflowPermissionChange       WorkflowType = "permission_change"
	WorkflowCustom                 WorkflowType = "custom"
)

// WorkflowStatus represents the lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	WorkflowStatusNotStarted         WorkflowStatus = "not_started"
	WorkflowStatusInProgress         WorkflowStatus = "in_progress"
	WorkflowStatusWaitingForInput    WorkflowStatus = "waiting_for_input"
	WorkflowStatusWaitingForApproval WorkflowStatus = "waiting_for_approval"
	WorkflowStatusPaused             WorkflowStatus = "paused"
	WorkflowStatusCompleted          WorkflowStatus = "completed"
	WorkflowStatusFailed             WorkflowStatus = "failed"
	WorkflowStatusCancelled          WorkflowStatus = "cancelled"
)

// Terminal reports whether the workflow can make no further progress.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	default:
		return false
	}
}

// RequiresAction reports whether the workflow is blocked on something
// outside the engine. These statuses feed the projection worklist.
func (s WorkflowStatus) RequiresAction() bool {
	return s == WorkflowStatusWaitingForInput || s == WorkflowStatusWaitingForApproval
}

// StepStatus represents the state of a single step within a workflow.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusActive    StepStatus = "active"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// StepState is the runtime state of one step in a workflow instance.
type StepState struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Status      StepStatus     `json:"status"`
	EnteredAt   *time.Time     `json:"entered_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Timeout     time.Duration  `json:"timeout,omitempty"` // zero means no timeout
	Result      map[string]any `json:"result,omitempty"`
}

// TimedOut reports whether an active step has exceeded its timeout.
func (s *StepState) TimedOut(now time.Time) bool {
	if s.Status != StepStatusActive || s.Timeout == 0 || s.EnteredAt == nil {
		return false
	}

	return now.Sub(*s.EnteredAt) > s.Timeout
}

// Workflow is a state-machine instance owned by one identity.
//
// Invariant: while the workflow is non-terminal and started, exactly one step
// is active and CurrentStep names it.
type Workflow struct {
	ID            string         `json:"id"`
	IdentityID    string         `json:"identity_id" validate:"required"`
	Type          WorkflowType   `json:"type"        validate:"required"`
	Status        WorkflowStatus `json:"status"`
	FailureReason string         `json:"failure_reason,omitempty"`
	Steps         []*StepState   `json:"steps"`
	CurrentStep   string         `json:"current_step,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	StartedBy     string         `json:"started_by,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
}

// Step returns the step state with the given id.
func (w *Workflow) Step(stepID string) (*StepState, bool) {
	for _, s := range w.Steps {
		if s.ID == stepID {
			return s, true
		}
	}

	return nil, false
}

// ActiveStep returns the currently active step, if any.
func (w *Workflow) ActiveStep() (*StepState, bool) {
	if w.CurrentStep == "" {
		return nil, false
	}

	return w.Step(w.CurrentStep)
}

// PendingSteps counts steps that have not yet been entered.
func (w *Workflow) PendingSteps() int {
	count := 0

	for _, s := range w.Steps {
		if s.Status == StepStatusPending {
			count++
		}
	}

	return count
}
