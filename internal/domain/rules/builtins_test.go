package rules

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/clinlogic/internal/platform/logic"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// memSource answers bare key reads from memory.
type memSource struct {
	name string
	ttl  time.Duration
	data map[string]map[uuid.UUID][]logic.Atom
	keys []string
}

func newMemSource(name string) *memSource {
	return &memSource{name: name, data: make(map[string]map[uuid.UUID][]logic.Atom)}
}

func (m *memSource) add(key string, patient uuid.UUID, atoms ...logic.Atom) *memSource {
	k := strings.ToUpper(key)
	if m.data[k] == nil {
		m.data[k] = make(map[uuid.UUID][]logic.Atom)
		m.keys = append(m.keys, key)
		sort.Strings(m.keys)
	}
	m.data[k][patient] = append(m.data[k][patient], atoms...)
	return m
}

func (m *memSource) Name() string { return m.name }
func (m *memSource) Keys() []string { return m.keys }
func (m *memSource) DefaultTTL() time.Duration { return m.ttl }
func (m *memSource) Supports(op logic.Operator) bool { return false }

func (m *memSource) HasKey(key string) bool {
	_, ok := m.data[strings.ToUpper(key)]
	return ok
}

func (m *memSource) Read(ctx context.Context, ec *logic.EvalContext, cohort []uuid.UUID, c *logic.Criteria) (map[uuid.UUID]logic.Result, error) {
	out := make(map[uuid.UUID]logic.Result, len(cohort))
	for _, p := range cohort {
		out[p] = logic.NewResult(m.data[strings.ToUpper(c.RootToken())][p]...)
	}
	return out, nil
}

func newTestService(t *testing.T, sources ...logic.DataSource) *logic.Service {
	t.Helper()
	svc := logic.NewService(
		logic.NewRegistry(zerolog.Nop()),
		logic.NewResultCache(),
		logic.NewSourceRegistry(sources...),
		logic.Options{Workers: 2, PatientTimeout: time.Second, Now: func() time.Time { return testNow }},
		zerolog.Nop(),
	)
	require.NoError(t, RegisterBuiltins(svc))
	_, err := svc.RegisterDataSourceKeys()
	require.NoError(t, err)
	return svc
}

func TestRegisterBuiltins(t *testing.T) {
	person := newMemSource("person").add("DEAD", uuid.New(), logic.BooleanAtom(true, time.Time{}))
	svc := newTestService(t, person)

	assert.ElementsMatch(t, []string{TokenAge, TokenDead, TokenHIVPositive}, svc.Registry().GetTokensWithTag(Tag))

	info, err := svc.Describe("dead")
	require.NoError(t, err)
	assert.Equal(t, []string{"builtin"}, info.Tags, "the built-in keeps the token over the person key")
	assert.Equal(t, logic.DatatypeBoolean, info.Datatype)

	params, err := svc.ParameterList(TokenAge)
	require.NoError(t, err)
	require.Len(t, params, 1)
	assert.Equal(t, "units", params[0].Name)
}

func TestAgeRule(t *testing.T) {
	p1, p2, p3 := uuid.New(), uuid.New(), uuid.New()
	person := newMemSource("person").
		add("BIRTHDATE", p1, logic.DatetimeAtom(day(1990, 6, 2), day(1990, 6, 2))).
		add("BIRTHDATE", p2, logic.DatetimeAtom(day(2030, 1, 1), time.Time{}))
	svc := newTestService(t, person)
	ctx := context.Background()

	r, err := svc.EvalPatient(ctx, p1, logic.Token("AGE"), nil)
	require.NoError(t, err)
	n, ok := r.ToNumber()
	require.True(t, ok)
	assert.Equal(t, 33.0, n, "one day short of the 34th birthday")

	r, err = svc.EvalPatient(ctx, p1, logic.Token("AGE"), nil, logic.WithIndexDate(day(2024, 6, 2)))
	require.NoError(t, err)
	n, _ = r.ToNumber()
	assert.Equal(t, 34.0, n)

	r, err = svc.EvalPatient(ctx, p1, logic.Token("AGE"), logic.Params{"units": "months"})
	require.NoError(t, err)
	n, _ = r.ToNumber()
	assert.Equal(t, 407.0, n)

	r, err = svc.EvalPatient(ctx, p1, logic.Token("AGE").GTE(18), nil)
	require.NoError(t, err)
	assert.True(t, r.ToBoolean())

	r, err = svc.EvalPatient(ctx, p2, logic.Token("AGE"), nil)
	require.NoError(t, err)
	assert.True(t, r.IsEmpty(), "birth after the index date")

	r, err = svc.EvalPatient(ctx, p3, logic.Token("AGE"), nil)
	require.NoError(t, err)
	assert.True(t, r.IsEmpty())

	_, err = svc.EvalPatient(ctx, p1, logic.Token("AGE"), logic.Params{"units": "fortnights"})
	assert.Error(t, err)
}

func TestAge_Units(t *testing.T) {
	from := day(2000, 2, 29)
	assert.Equal(t, 23, age(from, day(2024, 2, 28), "years"))
	assert.Equal(t, 24, age(from, day(2024, 2, 29), "years"))
	assert.Equal(t, 287, age(from, day(2024, 2, 28), "months"))
	assert.Equal(t, 7, age(day(2024, 1, 1), day(2024, 1, 8), "days"))
}

func TestHIVPositiveRule(t *testing.T) {
	p1, p2, p3 := uuid.New(), uuid.New(), uuid.New()
	obs := newMemSource("obs").
		add("PROBLEM ADDED", p1,
			logic.CodedAtom(logic.Code{Value: "5622", Display: "OTHER NON-CODED"}, day(2023, 12, 1)),
			logic.CodedAtom(logic.Code{Value: "138405", Display: "HIV INFECTED"}, day(2024, 3, 1))).
		add("HIV VIRAL LOAD", p1,
			logic.NumberAtom(0, day(2024, 1, 1)),
			logic.NumberAtom(5000, day(2024, 4, 1))).
		add("HIV RAPID TEST", p2,
			logic.CodedAtom(logic.Code{Value: "664", Display: "NEGATIVE"}, day(2024, 1, 15)),
			logic.CodedAtom(logic.Code{Value: "703", Display: "POSITIVE"}, day(2024, 2, 1)))
	svc := newTestService(t, obs)

	results, err := svc.Eval(context.Background(), []uuid.UUID{p1, p2, p3}, logic.Token("HIV POSITIVE"), nil)
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.Equal(t, 1, results[p1].Size())
	assert.True(t, results[p1].ToBoolean())
	assert.Equal(t, day(2024, 3, 1), results[p1].Atom(0).ObservedAt)

	require.Equal(t, 1, results[p2].Size())
	assert.Equal(t, day(2024, 2, 1), results[p2].Atom(0).ObservedAt)

	assert.True(t, results[p3].IsEmpty())
	assert.NoError(t, results[p3].Err())
}

func TestHIVPositiveRule_MissingConcept(t *testing.T) {
	p := uuid.New()
	obs := newMemSource("obs").add("HIV VIRAL LOAD", p, logic.NumberAtom(120, day(2024, 5, 1)))
	svc := newTestService(t, obs)

	r, err := svc.EvalPatient(context.Background(), p, logic.Token("HIV POSITIVE").Within(logic.MonthsOf(3)), nil)
	require.NoError(t, err)
	assert.True(t, r.ToBoolean())
}

func TestDeadRule(t *testing.T) {
	p1, p2, p3 := uuid.New(), uuid.New(), uuid.New()
	died := day(2023, 9, 9)
	person := newMemSource("person").
		add("DEATH DATE", p1, logic.DatetimeAtom(died, died)).
		add("DEAD", p2, logic.BooleanAtom(true, time.Time{})).
		add("DEAD", p3, logic.BooleanAtom(false, time.Time{}))
	svc := newTestService(t, person)

	results, err := svc.Eval(context.Background(), []uuid.UUID{p1, p2, p3}, logic.Token("DEAD"), nil)
	require.NoError(t, err)

	assert.True(t, results[p1].ToBoolean())
	assert.Equal(t, died, results[p1].Atom(0).ObservedAt)
	assert.True(t, results[p2].ToBoolean())
	assert.False(t, results[p3].ToBoolean())
	assert.Equal(t, 1, results[p3].Size())
}

func TestDeadRule_NoPersonSource(t *testing.T) {
	svc := newTestService(t)
	results, err := svc.Eval(context.Background(), []uuid.UUID{uuid.New()}, logic.Token("DEAD"), nil)
	require.NoError(t, err)
	for _, r := range results {
		var refErr *logic.InvalidRuleReferenceError
		assert.ErrorAs(t, r.Err(), &refErr)
	}
}
