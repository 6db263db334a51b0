// Package models provides conditional evaluation for workflow transitions.
package models

import (
	"fmt"
	"strconv"
	"strings"
)

// EvaluateCondition decides whether a transition guard holds for the given
// step outcome. succeeded is the completion outcome of the step the
// transition leaves; result is the data reported with the completion.
//
// Manual conditions never hold during automatic evaluation: they are only
// satisfied by an explicit operator command.
func EvaluateCondition(cond TransitionCondition, succeeded bool, result map[string]any) (bool, error) {
	switch cond.Kind {
	case ConditionAlways, "":
		return true, nil
	case ConditionOnSuccess:
		return succeeded, nil
	case ConditionOnFailure:
		return !succeeded, nil
	case ConditionFieldEquals:
		if result == nil {
			return false, nil
		}

		actual, ok := result[cond.Field]
		if !ok {
			return false, nil
		}

		return fmt.Sprintf("%v", actual) == fmt.Sprintf("%v", cond.Value), nil
	case ConditionExpression:
		return evaluateExpression(cond.Expression, result)
	case ConditionManual:
		return false, nil
	default:
		return false, fmt.Errorf("unknown condition kind %q", cond.Kind)
	}
}

// evaluateExpression interprets a minimal expression language over the step
// result: "field", "field == literal" and "field != literal". A bare field
// evaluates to its truthiness.
func evaluateExpression(expr string, result map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}

	if field, literal, ok := strings.Cut(expr, "!="); ok {
		eq := compareField(strings.TrimSpace(field), strings.TrimSpace(literal), result)

		return !eq, nil
	}

	if field, literal, ok := strings.Cut(expr, "=="); ok {
		return compareField(strings.TrimSpace(field), strings.TrimSpace(literal), result), nil
	}

	if result == nil {
		return false, nil
	}

	return truthy(result[expr])
}

func compareField(field, literal string, result map[string]any) bool {
	if result == nil {
		return false
	}

	actual, ok := result[field]
	if !ok {
		return false
	}

	return fmt.Sprintf("%v", actual) == strings.Trim(literal, `"'`)
}

func truthy(value any) (bool, error) {
	switch v := value.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	case string:
		if v == "" {
			return false, nil
		}

		result, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("cannot convert string %q to boolean: %w", v, err)
		}

		return result, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	default:
		return false, fmt.Errorf("cannot convert %T to boolean", value)
	}
}
