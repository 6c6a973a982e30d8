package models

import "time"

// LogicalOp joins a term or expression to the one before it. The first
// term/expression in a list carries no operator.
type LogicalOp string

const (
	OpNone LogicalOp = ""
	OpAnd  LogicalOp = "AND"
	OpOr   LogicalOp = "OR"
)

// RelationalOp compares an agent's associated attribute value to a literal.
type RelationalOp string

const (
	RelEqual          RelationalOp = "EQUAL"
	RelNotEqual       RelationalOp = "NOT_EQUAL"
	RelGreater        RelationalOp = "GREATER_THAN"
	RelGreaterOrEqual RelationalOp = "GREATER_THAN_OR_EQUAL"
	RelLess           RelationalOp = "LESS_THAN"
	RelLessOrEqual    RelationalOp = "LESS_THAN_OR_EQUAL"
)

// Term compares one routing attribute against a literal value. Concat is the
// logical operator joining this term to the previous one in its expression.
type Term struct {
	AttributeID string       `json:"attribute_id"`
	Relation    RelationalOp `json:"relation"`
	Value       int          `json:"value"`
	Concat      LogicalOp    `json:"concat,omitempty"`
}

// Expression is an ordered list of terms folded left to right. Concat joins
// the expression to the previous one in its step.
type Expression struct {
	Terms  []Term    `json:"terms"`
	Concat LogicalOp `json:"concat,omitempty"`
}

// StepConfig is one escalation level of a precision queue: a boolean
// eligibility expression plus the time a task waits at this step before
// escalating to the next.
type StepConfig struct {
	ID          string        `json:"id"`
	Expressions []Expression  `json:"expressions"`
	Timeout     time.Duration `json:"timeout"`
}

// QueueConfig is the persisted configuration of a precision queue.
type QueueConfig struct {
	ID    string       `json:"id"`
	Name  string       `json:"name"`
	MrdID string       `json:"mrd_id"`
	Steps []StepConfig `json:"steps"`
}
