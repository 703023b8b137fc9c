// Package rules holds the composite rules shipped with the engine and the
// loader for rule definition files.
package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinlogic/internal/platform/logic"
)

// Tag marks every built-in token.
const Tag = "builtin"

const (
	TokenAge         = "AGE"
	TokenHIVPositive = "HIV POSITIVE"
	TokenDead        = "DEAD"
)

// RegisterBuiltins binds the built-in rules. Call it before
// RegisterDataSourceKeys so that a built-in wins over a data source key of
// the same name.
func RegisterBuiltins(svc *logic.Service) error {
	for token, rule := range map[string]logic.Rule{
		TokenAge:         &AgeRule{},
		TokenHIVPositive: &HIVPositiveRule{},
		TokenDead:        &DeadRule{},
	} {
		if err := svc.AddRule(token, rule, Tag); err != nil {
			return fmt.Errorf("register %s: %w", token, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// AGE
// ---------------------------------------------------------------------------

// AgeRule computes the completed age at the index date from BIRTHDATE.
type AgeRule struct{}

var ageUnits = map[string]bool{"years": true, "months": true, "days": true}

func (r *AgeRule) Evaluate(ctx context.Context, ec *logic.EvalContext, patient uuid.UUID, params logic.Params) (logic.Result, error) {
	units := "years"
	if v, ok := params["units"]; ok {
		s, _ := v.(string)
		s = strings.ToLower(strings.TrimSpace(s))
		if !ageUnits[s] {
			return logic.Result{}, fmt.Errorf("age: unsupported units %v", v)
		}
		units = s
	}

	birth, err := ec.EvalToken(ctx, patient, "BIRTHDATE")
	if err != nil {
		return logic.Result{}, err
	}
	dob, ok := birth.ToDatetime()
	if !ok || dob.After(ec.IndexDate) {
		return logic.EmptyResult(), nil
	}
	return logic.NumberResult(float64(age(dob, ec.IndexDate, units)), ec.IndexDate), nil
}

// age counts completed units between from and to.
func age(from, to time.Time, units string) int {
	from, to = from.UTC(), to.UTC()
	switch units {
	case "days":
		return int(to.Sub(from).Hours() / 24)
	case "months":
		n := (to.Year()-from.Year())*12 + int(to.Month()-from.Month())
		if to.Day() < from.Day() {
			n--
		}
		return n
	}
	n := to.Year() - from.Year()
	if to.Month() < from.Month() || (to.Month() == from.Month() && to.Day() < from.Day()) {
		n--
	}
	return n
}

func (r *AgeRule) Dependencies() []string { return []string{"BIRTHDATE"} }
func (r *AgeRule) TTL() time.Duration { return time.Hour }
func (r *AgeRule) DefaultDatatype() logic.Datatype { return logic.DatatypeNumeric }

func (r *AgeRule) Parameters() []logic.ParameterInfo {
	return []logic.ParameterInfo{
		{Name: "units", Datatype: logic.DatatypeText, DefaultValue: "years"},
	}
}

// ---------------------------------------------------------------------------
// HIV POSITIVE
// ---------------------------------------------------------------------------

// HIVPositiveRule finds the earliest evidence of HIV infection. Each proof
// is the first matching observation; the rule answers true at the earliest
// of them, or empty when there is none.
type HIVPositiveRule struct{}

func hivProofs() []*logic.Criteria {
	return []*logic.Criteria{
		logic.Token("PROBLEM ADDED").Contains(logic.Code{Value: "HIV INFECTED"}).First(),
		logic.Token("HIV VIRAL LOAD").GT(0).First(),
		logic.Token("HIV RAPID TEST").EqualTo(logic.Code{Value: "POSITIVE"}).First(),
	}
}

func (r *HIVPositiveRule) Evaluate(ctx context.Context, ec *logic.EvalContext, patient uuid.UUID, params logic.Params) (logic.Result, error) {
	var earliest time.Time
	found := false
	for _, proof := range hivProofs() {
		res, err := ec.Eval(ctx, patient, proof)
		if err != nil {
			// A deployment without one of the concepts still answers from
			// the others.
			var unknown *logic.UnknownTokenError
			if errors.As(err, &unknown) {
				continue
			}
			return logic.Result{}, err
		}
		if res.IsEmpty() {
			continue
		}
		at := res.Atom(0).ObservedAt
		if !found || at.Before(earliest) {
			earliest, found = at, true
		}
	}
	if !found {
		return logic.EmptyResult(), nil
	}
	return logic.BooleanResult(true, earliest), nil
}

func (r *HIVPositiveRule) Dependencies() []string {
	return []string{"HIV RAPID TEST", "HIV VIRAL LOAD", "PROBLEM ADDED"}
}

func (r *HIVPositiveRule) TTL() time.Duration { return 15 * time.Minute }
func (r *HIVPositiveRule) DefaultDatatype() logic.Datatype { return logic.DatatypeBoolean }

// ---------------------------------------------------------------------------
// DEAD
// ---------------------------------------------------------------------------

// DeadRule reports whether the patient has died. A recorded death date
// counts even when the flag was never set; the atom is dated at the death.
type DeadRule struct{}

const (
	refDeadFlag  = "@person.DEAD"
	refDeathDate = "@person.DEATH DATE"
)

func (r *DeadRule) Evaluate(ctx context.Context, ec *logic.EvalContext, patient uuid.UUID, params logic.Params) (logic.Result, error) {
	date, err := ec.EvalToken(ctx, patient, refDeathDate)
	if err != nil {
		return logic.Result{}, err
	}
	if at, ok := date.ToDatetime(); ok {
		return logic.BooleanResult(true, at), nil
	}
	flag, err := ec.EvalToken(ctx, patient, refDeadFlag)
	if err != nil {
		return logic.Result{}, err
	}
	return logic.BooleanResult(flag.ToBoolean(), time.Time{}), nil
}

func (r *DeadRule) Dependencies() []string { return []string{refDeathDate, refDeadFlag} }
func (r *DeadRule) TTL() time.Duration { return time.Hour }
func (r *DeadRule) DefaultDatatype() logic.Datatype { return logic.DatatypeBoolean }
