package logic

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Rule is a named unit of evaluation logic bound to a token.
type Rule interface {
	Evaluate(ctx context.Context, ec *EvalContext, patient uuid.UUID, params Params) (Result, error)
	// Dependencies lists the tokens the rule evaluates.
	Dependencies() []string
	// TTL is how long a computed Result may be served from cache. Zero
	// disables caching.
	TTL() time.Duration
	DefaultDatatype() Datatype
}

// StatefulRule is a rule that can be rebuilt from a short textual form.
type StatefulRule interface {
	Rule
	SerializeState() string
	RestoreState(state string) error
}

// ParameterInfo describes a parameter accepted by a rule.
type ParameterInfo struct {
	Name         string   `json:"name"`
	Datatype     Datatype `json:"datatype"`
	Required     bool     `json:"required"`
	DefaultValue any      `json:"default_value,omitempty"`
}

// ParameterizedRule is a rule that documents its parameters.
type ParameterizedRule interface {
	Rule
	Parameters() []ParameterInfo
}

// Validator is implemented by rules whose configuration can be checked
// before registration.
type Validator interface {
	Validate() error
}

// RuleFunc adapts a function into a Rule with fixed metadata.
type RuleFunc struct {
	Fn       func(ctx context.Context, ec *EvalContext, patient uuid.UUID, params Params) (Result, error)
	Deps     []string
	Datatype Datatype
	CacheTTL time.Duration
}

func (r *RuleFunc) Evaluate(ctx context.Context, ec *EvalContext, patient uuid.UUID, params Params) (Result, error) {
	return r.Fn(ctx, ec, patient, params)
}

func (r *RuleFunc) Dependencies() []string { return r.Deps }
func (r *RuleFunc) TTL() time.Duration { return r.CacheTTL }
func (r *RuleFunc) DefaultDatatype() Datatype { return r.Datatype }
