package logic

import (
	"fmt"

	"github.com/google/uuid"
)

// UnknownTokenError is returned when a token is not bound in the registry.
type UnknownTokenError struct {
	Token string
}

func (e *UnknownTokenError) Error() string {
	return fmt.Sprintf("unknown token %q", e.Token)
}

// InvalidOperandError is returned when an operand does not match the kind
// the operator accepts.
type InvalidOperandError struct {
	Op      Operator
	Operand any
	Want    string
}

func (e *InvalidOperandError) Error() string {
	return fmt.Sprintf("operator %s requires %s operand, got %T", e.Op.Label(), e.Want, e.Operand)
}

// InvalidRuleReferenceError is returned for a malformed "source.key"
// reference or one naming an unknown data source or key.
type InvalidRuleReferenceError struct {
	Reference string
	Reason    string
}

func (e *InvalidRuleReferenceError) Error() string {
	return fmt.Sprintf("invalid rule reference %q: %s", e.Reference, e.Reason)
}

// EvaluationError wraps a failure while compiling or executing criteria for
// a patient. Patient is uuid.Nil for cohort-level failures.
type EvaluationError struct {
	Token   string
	Patient uuid.UUID
	Err     error
}

func (e *EvaluationError) Error() string {
	if e.Patient == uuid.Nil {
		return fmt.Sprintf("evaluate %q: %v", e.Token, e.Err)
	}
	return fmt.Sprintf("evaluate %q for patient %s: %v", e.Token, e.Patient, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// ParseError reports a syntax error in a query expression.
type ParseError struct {
	Query string
	Pos   int
	Msg   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q at position %d: %s", e.Query, e.Pos, e.Msg)
}
