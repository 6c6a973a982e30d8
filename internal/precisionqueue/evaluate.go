package precisionqueue

import (
	"github.com/ccmesh/routing-engine/pkg/models"
)

// evaluateTerm compares one of the agent's attribute associations against the
// term's literal. An attribute the agent has no association for makes the
// whole term false; a broken rule degrades matching instead of failing it.
func evaluateTerm(agent *models.Agent, term models.Term) bool {
	v, ok := agent.Attribute(term.AttributeID)
	if !ok {
		return false
	}
	switch term.Relation {
	case models.RelEqual:
		return v == term.Value
	case models.RelNotEqual:
		return v != term.Value
	case models.RelGreater:
		return v > term.Value
	case models.RelGreaterOrEqual:
		return v >= term.Value
	case models.RelLess:
		return v < term.Value
	case models.RelLessOrEqual:
		return v <= term.Value
	default:
		return false
	}
}

// fold applies the joining operator. There is no operator precedence beyond
// the explicit AND/OR markers: everything folds strictly left to right.
func fold(acc bool, op models.LogicalOp, next bool) bool {
	switch op {
	case models.OpAnd:
		return acc && next
	case models.OpOr:
		return acc || next
	default:
		return next
	}
}

func evaluateExpression(agent *models.Agent, expr models.Expression) bool {
	result := false
	for i, term := range expr.Terms {
		op := term.Concat
		if i == 0 {
			op = models.OpNone
		}
		result = fold(result, op, evaluateTerm(agent, term))
	}
	return result
}

// Evaluate decides whether an agent satisfies a step's eligibility
// expression. It is a pure function of the agent's current attribute
// associations and the expression tree.
func Evaluate(agent *models.Agent, step models.StepConfig) bool {
	result := false
	for i, expr := range step.Expressions {
		op := expr.Concat
		if i == 0 {
			op = models.OpNone
		}
		result = fold(result, op, evaluateExpression(agent, expr))
	}
	return result
}
