package logic

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_CD4BelowThreshold(t *testing.T) {
	f := newCD4Fixture(t)

	res, err := f.svc.EvalPatient(context.Background(), f.p1, Token("CD4 COUNT").LT(200), nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Size())
	assert.Equal(t, 150.0, res.Atom(0).Number)
	assert.Equal(t, f.jan, res.Atom(0).ObservedAt)
}

func TestService_LastCD4(t *testing.T) {
	f := newCD4Fixture(t)

	res, err := f.svc.EvalPatient(context.Background(), f.p1, Token("CD4 COUNT").Last(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Size())
	assert.Equal(t, 250.0, res.Atom(0).Number)
}

func TestService_FirstTwoAndCount(t *testing.T) {
	f := newCD4Fixture(t)
	ctx := context.Background()

	res, err := f.svc.EvalPatient(ctx, f.p1, Token("CD4 COUNT").Last(2), nil)
	require.NoError(t, err)
	require.Equal(t, 2, res.Size())
	assert.Equal(t, 250.0, res.Atom(0).Number)
	assert.Equal(t, 150.0, res.Atom(1).Number)

	res, err = f.svc.EvalPatient(ctx, f.p1, Token("CD4 COUNT").Count(), nil)
	require.NoError(t, err)
	n, ok := res.ToNumber()
	require.True(t, ok)
	assert.Equal(t, 2.0, n)

	res, err = f.svc.EvalPatient(ctx, f.p1, Token("CD4 COUNT").Average(), nil)
	require.NoError(t, err)
	n, _ = res.ToNumber()
	assert.Equal(t, 200.0, n)
}

func TestService_CohortIncludesPatientsWithoutData(t *testing.T) {
	f := newCD4Fixture(t)
	cohort := []uuid.UUID{f.p1, f.p2, f.p3}

	for name, c := range map[string]*Criteria{
		"bare":     Token("CD4 COUNT"),
		"filtered": Token("CD4 COUNT").GT(100),
		"last":     Token("CD4 COUNT").Last(),
	} {
		t.Run(name, func(t *testing.T) {
			res, err := f.svc.Eval(context.Background(), cohort, c, nil)
			require.NoError(t, err)
			require.Len(t, res, 3)
			assert.NoError(t, res[f.p3].Err())
			assert.True(t, res[f.p3].IsEmpty())
			assert.True(t, res[f.p1].Exists())
			assert.True(t, res[f.p2].Exists())
		})
	}
}

func TestService_CohortDeduplicates(t *testing.T) {
	f := newCD4Fixture(t)

	res, err := f.svc.Eval(context.Background(), []uuid.UUID{f.p1, f.p1, f.p2}, Token("CD4 COUNT"), nil)
	require.NoError(t, err)
	assert.Len(t, res, 2)
}

func TestService_FailureIsolation(t *testing.T) {
	f := newCD4Fixture(t)
	f.src.failFor(f.p2)
	cohort := []uuid.UUID{f.p1, f.p2, f.p3}

	for name, c := range map[string]*Criteria{
		"bare":     Token("CD4 COUNT"),
		"filtered": Token("CD4 COUNT").LT(200),
	} {
		t.Run(name, func(t *testing.T) {
			res, err := f.svc.Eval(context.Background(), cohort, c, nil)
			require.NoError(t, err)
			require.Len(t, res, 3)

			var evalErr *EvaluationError
			require.ErrorAs(t, res[f.p2].Err(), &evalErr)
			assert.Equal(t, f.p2, evalErr.Patient)
			assert.ErrorIs(t, res[f.p2].Err(), errBackend)

			assert.NoError(t, res[f.p1].Err())
			assert.True(t, res[f.p1].Exists())
			assert.NoError(t, res[f.p3].Err())
		})
	}

	_, err := f.svc.EvalPatient(context.Background(), f.p2, Token("CD4 COUNT"), nil)
	assert.ErrorIs(t, err, errBackend)
}

func TestService_PushdownReadsOnce(t *testing.T) {
	f := newCD4Fixture(t)
	cohort := []uuid.UUID{f.p1, f.p2, f.p3}

	_, err := f.svc.Eval(context.Background(), cohort, Token("CD4 COUNT"), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, f.src.readCount())

	res, err := f.svc.Eval(context.Background(), cohort, Token("CD4 COUNT").Exists(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, f.src.readCount())
	assert.True(t, res[f.p1].ToBoolean())
	assert.False(t, res[f.p3].ToBoolean())
	assert.Equal(t, 1, res[f.p3].Size(), "EXISTS yields a boolean atom even without data")

	// The fake compiles no comparisons, so each patient is read on its own.
	_, err = f.svc.Eval(context.Background(), cohort, Token("CD4 COUNT").LT(200), nil)
	require.NoError(t, err)
	assert.Equal(t, 5, f.src.readCount())
}

func TestService_DoubleNegation(t *testing.T) {
	f := newCD4Fixture(t)
	c := Token("CD4 COUNT").LT(200)

	assert.Same(t, c, c.Not().Not())

	cohort := []uuid.UUID{f.p1, f.p2, f.p3}
	plain, err := f.svc.Eval(context.Background(), cohort, c.Exists(), nil)
	require.NoError(t, err)
	negated, err := f.svc.Eval(context.Background(), cohort, c.Exists().Not().Not(), nil)
	require.NoError(t, err)
	for _, p := range cohort {
		assert.Equal(t, plain[p].ToBoolean(), negated[p].ToBoolean())
	}

	single, err := f.svc.Eval(context.Background(), cohort, c.Exists().Not(), nil)
	require.NoError(t, err)
	for _, p := range cohort {
		assert.NotEqual(t, plain[p].ToBoolean(), single[p].ToBoolean())
	}
}

func TestService_LogicalLaws(t *testing.T) {
	f := newCD4Fixture(t)
	cohort := []uuid.UUID{f.p1, f.p2, f.p3}
	a := Token("CD4 COUNT").LT(200).Exists()
	b := Token("WEIGHT").Exists()
	c := Token("CD4 COUNT").GT(400).Exists()

	pairs := []struct {
		name string
		x, y *Criteria
	}{
		{"and commutes", a.And(b), b.And(a)},
		{"or commutes", a.Or(b), b.Or(a)},
		{"and associates", a.And(b).And(c), a.And(b.And(c))},
		{"or associates", a.Or(b).Or(c), a.Or(b.Or(c))},
	}
	for _, tt := range pairs {
		t.Run(tt.name, func(t *testing.T) {
			x, err := f.svc.Eval(context.Background(), cohort, tt.x, nil)
			require.NoError(t, err)
			y, err := f.svc.Eval(context.Background(), cohort, tt.y, nil)
			require.NoError(t, err)
			for _, p := range cohort {
				assert.Equal(t, x[p].ToBoolean(), y[p].ToBoolean(), "patient %s", p)
			}
		})
	}

	res, err := f.svc.Eval(context.Background(), cohort, a.And(b), nil)
	require.NoError(t, err)
	assert.True(t, res[f.p1].ToBoolean())
	assert.False(t, res[f.p2].ToBoolean())
	assert.False(t, res[f.p3].ToBoolean())
	assert.Equal(t, f.mar, res[f.p1].Atom(0).ObservedAt)
}

func TestService_WithinIsInclusiveAndUnsigned(t *testing.T) {
	src := newFakeSource("obs")
	p := uuid.New()
	edge := MonthsOf(-6).AddTo(testNow)
	src.add("VISIT", p,
		TextAtom("edge", edge),
		TextAtom("inside", day(2024, 3, 1)),
		TextAtom("index", testNow),
		TextAtom("outside", edge.Add(-time.Second)),
		TextAtom("future", testNow.Add(time.Hour)),
		TextAtom("undated", time.Time{}),
	)
	svc := newTestService(t, src)

	fwd, err := svc.EvalPatient(context.Background(), p, Token("VISIT").Within(MonthsOf(6)), nil)
	require.NoError(t, err)
	back, err := svc.EvalPatient(context.Background(), p, Token("VISIT").Within(MonthsOf(-6)), nil)
	require.NoError(t, err)

	assert.Equal(t, "edge,inside,index", fwd.ToText())
	assert.Equal(t, fwd.ToText(), back.ToText())
}

func TestService_AsOfMovesIndexDate(t *testing.T) {
	f := newCD4Fixture(t)
	ctx := context.Background()

	res, err := f.svc.EvalPatient(ctx, f.p1, Token("CD4 COUNT").AsOf(day(2024, 2, 1)).Last(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Size())
	assert.Equal(t, 150.0, res.Atom(0).Number)

	// WITHIN under AS OF is measured from the AS OF date.
	res, err = f.svc.EvalPatient(ctx, f.p1, Token("CD4 COUNT").Within(DaysOf(30)).AsOf(day(2024, 2, 1)), nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Size())
	assert.Equal(t, 150.0, res.Atom(0).Number)

	res, err = f.svc.EvalPatient(ctx, f.p1, Token("CD4 COUNT").Within(DaysOf(30)), nil, WithIndexDate(day(2024, 3, 15)))
	require.NoError(t, err)
	require.Equal(t, 1, res.Size())
	assert.Equal(t, 250.0, res.Atom(0).Number)
}

func TestService_WithinOverAsOf(t *testing.T) {
	f := newCD4Fixture(t)
	ctx := context.Background()
	c := Token("CD4 COUNT").AsOf(day(2024, 2, 1)).Within(DaysOf(30))

	res, err := f.svc.EvalPatient(ctx, f.p1, c, nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Size(), "the window ends at the AS OF date")
	assert.Equal(t, 150.0, res.Atom(0).Number)

	// Same tree evaluated inside a composite rule.
	require.NoError(t, f.svc.AddRule("RECENT CD4", &RuleFunc{
		Fn: func(ctx context.Context, ec *EvalContext, patient uuid.UUID, params Params) (Result, error) {
			return ec.Eval(ctx, patient, c)
		},
		Datatype: DatatypeNumeric,
	}))
	res, err = f.svc.EvalPatient(ctx, f.p1, Token("RECENT CD4"), nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Size())
	assert.Equal(t, 150.0, res.Atom(0).Number)

	q, err := Compile(c, &Schema{
		Table:         "obs",
		PatientColumn: "patient_id",
		TimeColumn:    "obs_datetime",
		Resolve: func(string) (Field, bool) {
			return Field{Numeric: "value_numeric"}, true
		},
	}, 1, testNow)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{day(2024, 2, 1), day(2024, 1, 2), day(2024, 2, 1)}, q.Args)
}

func TestService_BeforeAfter(t *testing.T) {
	f := newCD4Fixture(t)
	ctx := context.Background()

	res, err := f.svc.EvalPatient(ctx, f.p1, Token("CD4 COUNT").After(day(2024, 2, 1)), nil)
	require.NoError(t, err)
	assert.Equal(t, "250", res.ToText())

	res, err = f.svc.EvalPatient(ctx, f.p1, Token("CD4 COUNT").Before(day(2024, 2, 1)), nil)
	require.NoError(t, err)
	assert.Equal(t, "150", res.ToText())

	res, err = f.svc.EvalPatient(ctx, f.p1, Token("CD4 COUNT").Before(f.jan), nil)
	require.NoError(t, err)
	assert.True(t, res.IsEmpty(), "BEFORE is exclusive")
}

func TestService_InAndEquals(t *testing.T) {
	src := newFakeSource("obs")
	p := uuid.New()
	src.add("PROBLEM ADDED", p,
		CodedAtom(Code{Value: "C-1", Display: "HIV INFECTED"}, day(2023, 1, 1)),
		CodedAtom(Code{Value: "C-2", Display: "TUBERCULOSIS"}, day(2023, 2, 1)),
	)
	svc := newTestService(t, src)
	ctx := context.Background()

	res, err := svc.EvalPatient(ctx, p, Token("PROBLEM ADDED").EqualTo(Code{Value: "HIV INFECTED"}), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Size())

	res, err = svc.EvalPatient(ctx, p, Token("PROBLEM ADDED").In(Code{Value: "C-2"}, Code{Value: "MALARIA"}), nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Size())
	assert.Equal(t, "TUBERCULOSIS", res.Atom(0).Code.Display)

	res, err = svc.EvalPatient(ctx, p, Token("PROBLEM ADDED").EqualTo(Code{Value: "c-2"}), nil)
	require.NoError(t, err)
	assert.True(t, res.IsEmpty(), "code values compare exactly")

	res, err = svc.EvalPatient(ctx, p, Token("PROBLEM ADDED").EqualTo("tuberculosis"), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Size(), "text matches a coded display ignoring case")

	res, err = svc.EvalPatient(ctx, p, Token("PROBLEM ADDED").EqualTo("C-1"), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Size(), "text matches a code value")

	res, err = svc.EvalPatient(ctx, p, Token("PROBLEM ADDED").Contains("infect"), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Size())
}

func TestService_RejectsBeforeWork(t *testing.T) {
	f := newCD4Fixture(t)
	cohort := []uuid.UUID{f.p1}

	_, err := f.svc.Eval(context.Background(), cohort, Token("CD4 COUNT").LT("low"), nil)
	var operandErr *InvalidOperandError
	require.ErrorAs(t, err, &operandErr)
	assert.Equal(t, OpLT, operandErr.Op)

	_, err = f.svc.Eval(context.Background(), cohort, Token("NO SUCH TOKEN").Exists(), nil)
	var unknown *UnknownTokenError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "NO SUCH TOKEN", unknown.Token)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.svc.Eval(ctx, cohort, Token("CD4 COUNT"), nil)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 0, f.src.readCount())
}

func TestService_ReferenceTokens(t *testing.T) {
	f := newCD4Fixture(t)

	for _, tok := range []string{"@obs.CD4 COUNT", "${OBS::CD4 COUNT}"} {
		res, err := f.svc.EvalPatient(context.Background(), f.p1, Token(tok).Last(), nil)
		require.NoError(t, err, tok)
		assert.Equal(t, 250.0, res.Atom(0).Number, tok)
	}

	_, err := f.svc.EvalPatient(context.Background(), f.p1, Token("@labs.CD4 COUNT"), nil)
	var refErr *InvalidRuleReferenceError
	assert.ErrorAs(t, err, &refErr)
}

func TestService_RuleCaching(t *testing.T) {
	f := newCD4Fixture(t)
	var calls atomic.Int32
	rule := &RuleFunc{
		Fn: func(ctx context.Context, ec *EvalContext, patient uuid.UUID, params Params) (Result, error) {
			calls.Add(1)
			return ec.Eval(ctx, patient, Token("CD4 COUNT").LT(200).Exists())
		},
		Deps:     []string{"CD4 COUNT"},
		Datatype: DatatypeBoolean,
		CacheTTL: time.Hour,
	}
	require.NoError(t, f.svc.AddRule("LOW CD4", rule, "hiv"))
	ctx := context.Background()

	res, err := f.svc.EvalPatient(ctx, f.p1, Token("LOW CD4"), nil)
	require.NoError(t, err)
	assert.True(t, res.ToBoolean())
	assert.Equal(t, "LOW CD4", res.Concept())

	_, err = f.svc.EvalPatient(ctx, f.p1, Token("low cd4"), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "second call is served from cache")

	_, err = f.svc.EvalPatient(ctx, f.p1, Token("LOW CD4"), Params{"threshold": 100})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "parameters are part of the cache key")

	_, err = f.svc.EvalPatient(ctx, f.p1, Token("LOW CD4"), nil, WithIndexDate(day(2024, 1, 1)))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load(), "an explicit index date is part of the cache key")

	require.NoError(t, f.svc.UpdateRule("LOW CD4", rule))
	_, err = f.svc.EvalPatient(ctx, f.p1, Token("LOW CD4"), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(4), calls.Load(), "updating a rule drops its cached results")
}

func TestService_ParamsReachRules(t *testing.T) {
	f := newCD4Fixture(t)
	rule := &RuleFunc{
		Fn: func(ctx context.Context, ec *EvalContext, patient uuid.UUID, params Params) (Result, error) {
			limit, _ := params["threshold"].(int)
			return ec.Eval(ctx, patient, Token("CD4 COUNT").LT(limit))
		},
		Datatype: DatatypeNumeric,
	}
	require.NoError(t, f.svc.AddRule("CD4 BELOW", rule))

	res, err := f.svc.EvalPatient(context.Background(), f.p1, Token("CD4 BELOW").WithParam("threshold", 300), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Size())

	res, err = f.svc.EvalPatient(context.Background(), f.p1, Token("CD4 BELOW"), Params{"threshold": 200})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Size())
}

func TestService_ParamsStayWithTheirOperand(t *testing.T) {
	f := newCD4Fixture(t)
	require.NoError(t, f.svc.AddRule("HAS FLAG", &RuleFunc{
		Fn: func(ctx context.Context, ec *EvalContext, patient uuid.UUID, params Params) (Result, error) {
			_, ok := params["flag"]
			return BooleanResult(ok, testNow), nil
		},
		Datatype: DatatypeBoolean,
	}))
	ctx := context.Background()

	tests := []struct {
		name string
		c    *Criteria
		want bool
	}{
		{"own params", Token("HAS FLAG").WithParam("flag", 1), true},
		{"right operand of AND", Token("CD4 COUNT").And(Token("HAS FLAG").WithParam("flag", 1)), true},
		{"right operand of OR", Token("HAS FLAG").Or(Token("HAS FLAG").WithParam("flag", 1)), true},
		{"under NOT", Token("HAS FLAG").WithParam("flag", 1).Not(), false},
		{"left params do not leak right", Token("HAS FLAG").WithParam("flag", 1).And(Token("HAS FLAG").Not()), true},
		{"params on the whole tree", Token("CD4 COUNT").And(Token("HAS FLAG")).WithParam("flag", 1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.svc.EvalPatient(ctx, f.p1, tt.c, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.ToBoolean())
		})
	}
}

func TestService_PatientTimeoutIsIsolated(t *testing.T) {
	f := newCD4Fixture(t)
	slow := f.p2
	rule := &RuleFunc{
		Fn: func(ctx context.Context, ec *EvalContext, patient uuid.UUID, params Params) (Result, error) {
			if patient == slow {
				<-ctx.Done()
				return Result{}, ctx.Err()
			}
			return BooleanResult(true, testNow), nil
		},
	}
	require.NoError(t, f.svc.AddRule("SLOW", rule))
	f.svc.opts.PatientTimeout = 20 * time.Millisecond

	res, err := f.svc.Eval(context.Background(), []uuid.UUID{f.p1, f.p2, f.p3}, Token("SLOW"), nil)
	require.NoError(t, err)
	assert.ErrorIs(t, res[slow].Err(), context.DeadlineExceeded)
	assert.True(t, res[f.p1].ToBoolean())
	assert.True(t, res[f.p3].ToBoolean())
}

func TestService_Progress(t *testing.T) {
	f := newCD4Fixture(t)
	var (
		mu    sync.Mutex
		calls int
		last  int
	)
	f.svc.opts.Progress = func(done, total int) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if done > last {
			last = done
		}
		assert.Equal(t, 3, total)
	}

	_, err := f.svc.Eval(context.Background(), []uuid.UUID{f.p1, f.p2, f.p3}, Token("CD4 COUNT").Last(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, last)
}

func TestService_EvalMany(t *testing.T) {
	f := newCD4Fixture(t)
	last := Token("CD4 COUNT").Last()
	low := Token("CD4 COUNT").LT(200)

	res, err := f.svc.EvalMany(context.Background(), []uuid.UUID{f.p1, f.p2}, []*Criteria{last, low}, nil)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "250", res[last.Key()][f.p1].ToText())
	assert.Equal(t, "150", res[low.Key()][f.p1].ToText())
	assert.True(t, res[low.Key()][f.p2].IsEmpty())

	below := &RuleFunc{
		Fn: func(ctx context.Context, ec *EvalContext, patient uuid.UUID, params Params) (Result, error) {
			limit, _ := params["threshold"].(int)
			return ec.Eval(ctx, patient, Token("CD4 COUNT").LT(limit))
		},
		Datatype: DatatypeNumeric,
	}
	require.NoError(t, f.svc.AddRule("CD4 BELOW", below))
	b200 := Token("CD4 BELOW").WithParam("threshold", 200).Count()
	b300 := Token("CD4 BELOW").WithParam("threshold", 300).Count()
	res, err = f.svc.EvalMany(context.Background(), []uuid.UUID{f.p1}, []*Criteria{b200, b300}, nil)
	require.NoError(t, err)
	require.Len(t, res, 2, "criteria differing only in params keep separate results")
	assert.Equal(t, "1", res[b200.Key()][f.p1].ToText())
	assert.Equal(t, "2", res[b300.Key()][f.p1].ToText())

	byExpr, err := f.svc.EvalPatientMany(context.Background(), f.p1, []string{"LAST {CD4 COUNT}", "COUNT {WEIGHT}"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "250", byExpr["LAST {CD4 COUNT}"].ToText())
	assert.Equal(t, "1", byExpr["COUNT {WEIGHT}"].ToText())

	_, err = f.svc.EvalPatientMany(context.Background(), f.p1, []string{"LAST {CD4 COUNT", "x"}, nil)
	var parseErr *ParseError
	assert.ErrorAs(t, err, &parseErr)
}

func TestService_EvalExpression(t *testing.T) {
	f := newCD4Fixture(t)

	res, err := f.svc.EvalExpression(context.Background(), []uuid.UUID{f.p1, f.p2}, "CD4 COUNT < 200 OR WEIGHT > 70", nil)
	require.NoError(t, err)
	assert.True(t, res[f.p1].ToBoolean())
	assert.False(t, res[f.p2].ToBoolean())

	r, err := f.svc.EvalPatientExpression(context.Background(), f.p1, "LAST {CD4 COUNT}", nil)
	require.NoError(t, err)
	assert.Equal(t, "250", r.ToText())
}

func TestService_RegisterReference(t *testing.T) {
	f := newCD4Fixture(t)

	require.NoError(t, f.svc.RegisterReference("CD4", "obs.CD4 COUNT", "hiv", "labs"))
	res, err := f.svc.EvalPatient(context.Background(), f.p1, Token("CD4").Last(), nil)
	require.NoError(t, err)
	assert.Equal(t, "250", res.ToText())

	info, err := f.svc.Describe("cd4")
	require.NoError(t, err)
	assert.Equal(t, "CD4", info.Token)
	assert.Equal(t, "obs.CD4 COUNT", info.Reference)
	assert.Equal(t, []string{"hiv", "labs"}, info.Tags)

	before := f.svc.Registry().Len()
	err = f.svc.RegisterReference("BROKEN", "obs.NOT A KEY")
	var refErr *InvalidRuleReferenceError
	require.ErrorAs(t, err, &refErr)
	assert.Equal(t, before, f.svc.Registry().Len())
	_, err = f.svc.Registry().GetRule("BROKEN")
	assert.Error(t, err)
}

func TestService_RegisterDataSourceKeys(t *testing.T) {
	f := newCD4Fixture(t)

	assert.Equal(t, []string{"CD4 COUNT", "WEIGHT"}, f.svc.Registry().GetTokensWithTag("obs"))
	dt, err := f.svc.DefaultDatatype("CD4 COUNT")
	require.NoError(t, err)
	assert.Equal(t, DatatypeNone, dt)

	added, err := f.svc.RegisterDataSourceKeys()
	require.NoError(t, err)
	assert.Zero(t, added, "existing tokens are left alone")
}

func TestService_ParameterList(t *testing.T) {
	f := newCD4Fixture(t)

	params, err := f.svc.ParameterList("CD4 COUNT")
	require.NoError(t, err)
	assert.Nil(t, params)

	_, err = f.svc.ParameterList("MISSING")
	assert.True(t, errors.As(err, new(*UnknownTokenError)))
}
