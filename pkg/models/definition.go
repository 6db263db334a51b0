package models

import "time"

// StepKind classifies what a workflow step does.
type StepKind string

const (
	StepKindDataCollection StepKind = "data_collection"
	StepKindVerification   StepKind = "verification"
	StepKindApproval       StepKind = "approval"
	StepKindNotification   StepKind = "notification"
	StepKindDecision       StepKind = "decision"
	StepKindSystemAction   StepKind = "system_action"
	StepKindExternalWait   StepKind = "external_wait"
)

// WaitStatus returns the workflow status to assume while a step of this kind
// is active. Steps that block on an external party surface as waiting states
// so the projection worklist can pick them up.
func (k StepKind) WaitStatus() WorkflowStatus {
	switch k {
	case StepKindDataCollection, StepKindExternalWait:
		return WorkflowStatusWaitingForInput
	case StepKindApproval:
		return WorkflowStatusWaitingForApproval
	default:
		return WorkflowStatusInProgress
	}
}

// ConditionKind selects how a transition guard is evaluated.
type ConditionKind string

const (
	ConditionAlways      ConditionKind = "always"
	ConditionOnSuccess   ConditionKind = "on_success"
	ConditionOnFailure   ConditionKind = "on_failure"
	ConditionFieldEquals ConditionKind = "field_equals"
	ConditionExpression  ConditionKind = "expression"
	ConditionManual      ConditionKind = "manual"
)

// TransitionCondition guards a transition between two steps.
type TransitionCondition struct {
	Kind       ConditionKind `json:"kind"`
	Field      string        `json:"field,omitempty"`      // field_equals
	Value      any           `json:"value,omitempty"`      // field_equals
	Expression string        `json:"expression,omitempty"` // expression
}

// Transition connects two steps of a workflow definition. Transitions out of
// a step are evaluated in declaration order and the first whose condition
// holds wins.
type Transition struct {
	From      string              `json:"from"`
	To        string              `json:"to"`
	Condition TransitionCondition `json:"condition"`
}

// StepDefinition describes one step of a workflow definition.
type StepDefinition struct {
	ID      string        `json:"id"      validate:"required"`
	Name    string        `json:"name"    validate:"required"`
	Kind    StepKind      `json:"kind"    validate:"required"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// WorkflowDefinition is the static shape of a workflow type: its steps and
// the guarded transitions between them.
type WorkflowDefinition struct {
	Type        WorkflowType     `json:"type"         validate:"required"`
	Name        string           `json:"name"`
	InitialStep string           `json:"initial_step" validate:"required"`
	Steps       []StepDefinition `json:"steps"        validate:"required,min=1"`
	Transitions []Transition     `json:"transitions"`
}

// StepDef returns the step definition with the given id.
func (d *WorkflowDefinition) StepDef(stepID string) (StepDefinition, bool) {
	for _, s := range d.Steps {
		if s.ID == stepID {
			return s, true
		}
	}

	return StepDefinition{}, false
}

// TransitionsFrom returns the outgoing transitions of a step in declaration
// order.
func (d *WorkflowDefinition) TransitionsFrom(stepID string) []Transition {
	var out []Transition

	for _, t := range d.Transitions {
		if t.From == stepID {
			out = append(out, t)
		}
	}

	return out
}

// NewInstance builds a fresh workflow instance from the definition. All steps
// start pending; the instance is not started until the engine activates the
// initial step.
func (d *WorkflowDefinition) NewInstance(id, identityID string) *Workflow {
	steps := make([]*StepState, 0, len(d.Steps))
	for _, s := range d.Steps {
		steps = append(steps, &StepState{
			ID:      s.ID,
			Name:    s.Name,
			Status:  StepStatusPending,
			Timeout: s.Timeout,
		})
	}

	return &Workflow{
		ID:         id,
		IdentityID: identityID,
		Type:       d.Type,
		Status:     WorkflowStatusNotStarted,
		Steps:      steps,
		Context:    make(map[string]any),
	}
}
