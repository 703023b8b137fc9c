package logic

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EvalContext carries the per-call state of an evaluation. It is shared by
// every worker of a cohort evaluation and by composite rules that evaluate
// further criteria.
type EvalContext struct {
	IndexDate time.Time
	Cohort    []uuid.UUID
	Params    Params

	// explicitDate is set when the caller chose the index date, which makes
	// it part of the cache key.
	explicitDate bool
	svc          *Service
	memo         *memo
}

// EvalOption adjusts a new EvalContext.
type EvalOption func(*EvalContext)

// WithIndexDate evaluates relative to t instead of the call start time.
func WithIndexDate(t time.Time) EvalOption {
	return func(ec *EvalContext) {
		if !t.IsZero() {
			ec.IndexDate = t
			ec.explicitDate = true
		}
	}
}

// Eval evaluates c for one patient within this context. Composite rules use
// it to build on other criteria.
func (ec *EvalContext) Eval(ctx context.Context, patient uuid.UUID, c *Criteria) (Result, error) {
	if err := c.Err(); err != nil {
		return Result{}, err
	}
	return ec.svc.evalNode(ctx, ec, patient, c, ec.Params.merge(c.Params()))
}

// EvalToken evaluates a bare token for one patient.
func (ec *EvalContext) EvalToken(ctx context.Context, patient uuid.UUID, token string) (Result, error) {
	return ec.Eval(ctx, patient, Token(token))
}

// at returns a copy anchored at t that shares the memo.
func (ec *EvalContext) at(t time.Time) *EvalContext {
	cp := *ec
	cp.IndexDate = t
	cp.explicitDate = true
	return &cp
}

func (ec *EvalContext) cacheDate() time.Time {
	if ec.explicitDate {
		return ec.IndexDate
	}
	return time.Time{}
}

// memo holds sub-expression results for the lifetime of one call.
type memo struct {
	mu      sync.Mutex
	results map[string]Result
}

func newMemo() *memo {
	return &memo{results: make(map[string]Result)}
}

func memoKey(ec *EvalContext, patient uuid.UUID, c *Criteria, params Params) string {
	return patient.String() + "|" + strconv.FormatInt(ec.IndexDate.UnixNano(), 10) + "|" + params.Key() + "|" + c.Key()
}

func (m *memo) get(key string) (Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[key]
	return r, ok
}

func (m *memo) put(key string, r Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[key] = r
}
