package workflow

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/identra/identra/pkg/models"
)

// definitionSchema validates custom workflow definitions before they are
// registered. Structural rules the schema cannot express (step references,
// duplicate ids) are checked by validateDefinition.
const definitionSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["type", "initial_step", "steps"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"name": {"type": "string"},
		"initial_step": {"type": "string", "minLength": 1},
		"steps": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["id", "name", "kind"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"name": {"type": "string", "minLength": 1},
					"kind": {
						"type": "string",
						"enum": ["data_collection", "verification", "approval", "notification", "decision", "system_action", "external_wait"]
					},
					"timeout": {"type": "integer", "minimum": 0}
				}
			}
		},
		"transitions": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["from", "to"],
				"properties": {
					"from": {"type": "string", "minLength": 1},
					"to": {"type": "string", "minLength": 1},
					"condition": {
						"type": "object",
						"properties": {
							"kind": {
								"type": "string",
								"enum": ["always", "on_success", "on_failure", "field_equals", "expression", "manual"]
							},
							"field": {"type": "string"},
							"value": {},
							"expression": {"type": "string"}
						}
					}
				}
			}
		}
	}
}`

// Registry holds the workflow definitions known to the engine. Built-in
// definitions cover the standard workflow types; custom definitions are
// registered at runtime from validated JSON.
type Registry struct {
	mu          sync.RWMutex
	definitions map[models.WorkflowType]*models.WorkflowDefinition
	schema      *gojsonschema.Schema
}

func NewRegistry() (*Registry, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(definitionSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile definition schema: %w", err)
	}

	r := &Registry{
		definitions: make(map[models.WorkflowType]*models.WorkflowDefinition),
		schema:      schema,
	}

	for _, def := range builtinDefinitions() {
		r.definitions[def.Type] = def
	}

	return r, nil
}

// Definition returns the definition for a workflow type.
func (r *Registry) Definition(workflowType models.WorkflowType) (*models.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.definitions[workflowType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, workflowType)
	}

	return def, nil
}

// Register adds or replaces a definition.
func (r *Registry) Register(def *models.WorkflowDefinition) error {
	if err := validateDefinition(def); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.definitions[def.Type] = def

	return nil
}

// RegisterJSON validates a raw JSON definition against the schema and
// registers it.
func (r *Registry) RegisterJSON(raw []byte) (*models.WorkflowDefinition, error) {
	result, err := r.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to validate definition: %w", err)
	}

	if !result.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDefinition, result.Errors()[0].String())
	}

	var def models.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("failed to parse definition: %w", err)
	}

	if err := r.Register(&def); err != nil {
		return nil, err
	}

	return &def, nil
}

func validateDefinition(def *models.WorkflowDefinition) error {
	if def.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidDefinition)
	}

	if len(def.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidDefinition)
	}

	ids := make(map[string]bool, len(def.Steps))

	for _, s := range def.Steps {
		if ids[s.ID] {
			return fmt.Errorf("%w: duplicate step %q", ErrInvalidDefinition, s.ID)
		}

		ids[s.ID] = true
	}

	if !ids[def.InitialStep] {
		return fmt.Errorf("%w: initial step %q is not a step", ErrInvalidDefinition, def.InitialStep)
	}

	for _, t := range def.Transitions {
		if !ids[t.From] {
			return fmt.Errorf("%w: transition from unknown step %q", ErrInvalidDefinition, t.From)
		}

		if !ids[t.To] {
			return fmt.Errorf("%w: transition to unknown step %q", ErrInvalidDefinition, t.To)
		}
	}

	return nil
}

func builtinDefinitions() []*models.WorkflowDefinition {
	onSuccess := models.TransitionCondition{Kind: models.ConditionOnSuccess}

	return []*models.WorkflowDefinition{
		{
			Type:        models.WorkflowVerification,
			Name:        "Identity Verification",
			InitialStep: "collect_claims",
			Steps: []models.StepDefinition{
				{ID: "collect_claims", Name: "Collect Claims", Kind: models.StepKindDataCollection, Timeout: 72 * time.Hour},
				{ID: "review_documents", Name: "Review Documents", Kind: models.StepKindVerification, Timeout: 24 * time.Hour},
				{ID: "approve", Name: "Approve Verification", Kind: models.StepKindApproval, Timeout: 48 * time.Hour},
				{ID: "apply_level", Name: "Apply Verification Level", Kind: models.StepKindSystemAction},
			},
			Transitions: []models.Transition{
				{From: "collect_claims", To: "review_documents", Condition: onSuccess},
				{From: "review_documents", To: "approve", Condition: onSuccess},
				{From: "approve", To: "apply_level", Condition: onSuccess},
			},
		},
		{
			Type:        models.WorkflowPersonOnboarding,
			Name:        "Person Onboarding",
			InitialStep: "collect_profile",
			Steps: []models.StepDefinition{
				{ID: "collect_profile", Name: "Collect Profile", Kind: models.StepKindDataCollection, Timeout: 7 * 24 * time.Hour},
				{ID: "verify_email", Name: "Verify Email", Kind: models.StepKindExternalWait, Timeout: 24 * time.Hour},
				{ID: "setup_access", Name: "Set Up Access", Kind: models.StepKindSystemAction},
				{ID: "welcome", Name: "Send Welcome", Kind: models.StepKindNotification},
			},
			Transitions: []models.Transition{
				{From: "collect_profile", To: "verify_email", Condition: onSuccess},
				{From: "verify_email", To: "setup_access", Condition: onSuccess},
				{From: "setup_access", To: "welcome", Condition: onSuccess},
			},
		},
		{
			Type:        models.WorkflowOrganizationOnboarding,
			Name:        "Organization Onboarding",
			InitialStep: "register_details",
			Steps: []models.StepDefinition{
				{ID: "register_details", Name: "Register Details", Kind: models.StepKindDataCollection, Timeout: 7 * 24 * time.Hour},
				{ID: "verify_documents", Name: "Verify Documents", Kind: models.StepKindVerification, Timeout: 72 * time.Hour},
				{ID: "compliance_review", Name: "Compliance Review", Kind: models.StepKindApproval, Timeout: 5 * 24 * time.Hour},
				{ID: "provision", Name: "Provision Organization", Kind: models.StepKindSystemAction},
			},
			Transitions: []models.Transition{
				{From: "register_details", To: "verify_documents", Condition: onSuccess},
				{From: "verify_documents", To: "compliance_review", Condition: onSuccess},
				{From: "compliance_review", To: "provision", Condition: onSuccess},
			},
		},
		{
			Type:        models.WorkflowIdentityMerge,
			Name:        "Identity Merge",
			InitialStep: "validate_pair",
			Steps: []models.StepDefinition{
				{ID: "validate_pair", Name: "Validate Merge Pair", Kind: models.StepKindSystemAction},
				{ID: "merge_approval", Name: "Approve Merge", Kind: models.StepKindApproval, Timeout: 72 * time.Hour},
				{ID: "migrate", Name: "Migrate Data", Kind: models.StepKindSystemAction},
				{ID: "notify", Name: "Notify Parties", Kind: models.StepKindNotification},
			},
			Transitions: []models.Transition{
				{From: "validate_pair", To: "merge_approval", Condition: onSuccess},
				{From: "merge_approval", To: "migrate", Condition: onSuccess},
				{From: "migrate", To: "notify", Condition: onSuccess},
			},
		},
		{
			Type:        models.WorkflowOffboarding,
			Name:        "Offboarding",
			InitialStep: "manager_signoff",
			Steps: []models.StepDefinition{
				{ID: "manager_signoff", Name: "Manager Sign-off", Kind: models.StepKindApproval, Timeout: 5 * 24 * time.Hour},
				{ID: "revoke_access", Name: "Revoke Access", Kind: models.StepKindSystemAction},
				{ID: "archive_data", Name: "Archive Data", Kind: models.StepKindSystemAction},
			},
			Transitions: []models.Transition{
				{From: "manager_signoff", To: "revoke_access", Condition: onSuccess},
				{From: "revoke_access", To: "archive_data", Condition: onSuccess},
			},
		},
		{
			Type:        models.WorkflowPasswordReset,
			Name:        "Password Reset",
			InitialStep: "verify_channel",
			Steps: []models.StepDefinition{
				{ID: "verify_channel", Name: "Verify Channel", Kind: models.StepKindExternalWait, Timeout: time.Hour},
				{ID: "set_password", Name: "Set New Password", Kind: models.StepKindDataCollection, Timeout: time.Hour},
				{ID: "confirm", Name: "Confirm Reset", Kind: models.StepKindNotification},
			},
			Transitions: []models.Transition{
				{From: "verify_channel", To: "set_password", Condition: onSuccess},
				{From: "set_password", To: "confirm", Condition: onSuccess},
			},
		},
		{
			Type:        models.WorkflowMfaSetup,
			Name:        "MFA Setup",
			InitialStep: "choose_method",
			Steps: []models.StepDefinition{
				{ID: "choose_method", Name: "Choose Method", Kind: models.StepKindDataCollection, Timeout: 24 * time.Hour},
				{ID: "enroll", Name: "Enroll Device", Kind: models.StepKindExternalWait, Timeout: time.Hour},
				{ID: "confirm_enrollment", Name: "Confirm Enrollment", Kind: models.StepKindSystemAction},
			},
			Transitions: []models.Transition{
				{From: "choose_method", To: "enroll", Condition: onSuccess},
				{From: "enroll", To: "confirm_enrollment", Condition: onSuccess},
			},
		},
		{
			Type:        models.WorkflowAccountRecovery,
			Name:        "Account Recovery",
			InitialStep: "identify",
			Steps: []models.StepDefinition{
				{ID: "identify", Name: "Identify Account", Kind: models.StepKindDataCollection, Timeout: time.Hour},
				{ID: "assess_risk", Name: "Assess Risk", Kind: models.StepKindDecision},
				{ID: "manual_review", Name: "Manual Review", Kind: models.StepKindApproval, Timeout: 48 * time.Hour},
				{ID: "restore_access", Name: "Restore Access", Kind: models.StepKindSystemAction},
			},
			Transitions: []models.Transition{
				{From: "identify", To: "assess_risk", Condition: onSuccess},
				{From: "assess_risk", To: "manual_review", Condition: models.TransitionCondition{
					Kind: models.ConditionFieldEquals, Field: "risk_level", Value: "high",
				}},
				{From: "assess_risk", To: "restore_access", Condition: models.TransitionCondition{Kind: models.ConditionOnSuccess}},
				{From: "manual_review", To: "restore_access", Condition: onSuccess},
			},
		},
		{
			Type:        models.WorkflowPermissionChange,
			Name:        "Permission Change",
			InitialStep: "request_change",
			Steps: []models.StepDefinition{
				{ID: "request_change", Name: "Request Change", Kind: models.StepKindDataCollection, Timeout: 24 * time.Hour},
				{ID: "approve_change", Name: "Approve Change", Kind: models.StepKindApproval, Timeout: 72 * time.Hour},
				{ID: "apply_change", Name: "Apply Change", Kind: models.StepKindSystemAction},
			},
			Transitions: []models.Transition{
				{From: "request_change", To: "approve_change", Condition: onSuccess},
				{From: "approve_change", To: "apply_change", Condition: onSuccess},
			},
		},
	}
}
