package web

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/identra/identra/pkg/aggregate"
	"github.com/identra/identra/pkg/persistence"
	"github.com/identra/identra/pkg/projection"
	"github.com/identra/identra/pkg/workflow"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// invariantRejections are the domain rules whose violation maps to 422: the
// request was well-formed but the aggregate's current state forbids it.
var invariantRejections = []error{
	aggregate.ErrIncompatibleTypes,
	aggregate.ErrTargetLessVerified,
	aggregate.ErrMergeIntoPending,
	aggregate.ErrSelfRelationship,
	aggregate.ErrRelationshipNotAllowed,
	aggregate.ErrEndpointNotActive,
	aggregate.ErrInvalidTransition,
	aggregate.ErrVerificationDowngrade,
	aggregate.ErrVerificationSkip,
}

func isInvariantRejection(err error) bool {
	if aggregate.IsInvariantViolation(err) {
		return true
	}

	for _, sentinel := range invariantRejections {
		if errors.Is(err, sentinel) {
			return true
		}
	}

	return false
}

// handleDomainError maps service errors onto RFC 7807 problem responses.
func handleDomainError(c fiber.Ctx, err error) error {
	var validationErrs validator.ValidationErrors

	switch {
	case errors.As(err, &validationErrs):
		return badRequest(c, err.Error())

	case errors.Is(err, workflow.ErrInvalidDefinition):
		return badRequest(c, err.Error())

	case persistence.IsNotFound(err),
		errors.Is(err, workflow.ErrDefinitionNotFound),
		errors.Is(err, projection.ErrSummaryNotFound),
		errors.Is(err, projection.ErrAdjacencyNotFound),
		errors.Is(err, projection.ErrRecordNotFound):
		return notFound(c, err.Error())

	case aggregate.IsConflict(err),
		errors.Is(err, workflow.ErrWorkflowTerminal),
		errors.Is(err, workflow.ErrStepNotActive):
		detail := err.Error()
		if count, ok := aggregate.IsActiveRelationships(err); ok {
			detail = fmt.Sprintf("identity has %d active relationships; retry with force to archive anyway", count)
		}

		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("conflict").
			WithDetail(detail)

		return c.Status(fiber.StatusConflict).JSON(problem)

	case isInvariantRejection(err):
		problem := problems.NewStatusProblem(422).
			WithInstance(c.Path()).
			WithType("invariant_violation").
			WithDetail(err.Error())

		return c.Status(fiber.StatusUnprocessableEntity).JSON(problem)

	default:
		return internalError(c, err)
	}
}
