package logic

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Options tunes cohort evaluation.
type Options struct {
	// Workers bounds the number of patients evaluated concurrently.
	Workers int
	// PatientTimeout bounds the evaluation of a single patient.
	PatientTimeout time.Duration
	// Progress is called after each patient completes. It may be called
	// from several goroutines at once.
	Progress func(done, total int)
	// Now supplies the default index date.
	Now func() time.Time
}

// Service evaluates criteria against the registry and data sources.
type Service struct {
	registry *Registry
	cache    *ResultCache
	sources  *SourceRegistry
	opts     Options
	logger   zerolog.Logger
}

// NewService creates a Service. A nil cache or source registry is replaced
// by an empty one.
func NewService(reg *Registry, cache *ResultCache, sources *SourceRegistry, opts Options, logger zerolog.Logger) *Service {
	if cache == nil {
		cache = NewResultCache()
	}
	if sources == nil {
		sources = NewSourceRegistry()
	}
	if opts.Workers < 1 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.PatientTimeout <= 0 {
		opts.PatientTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		registry: reg,
		cache:    cache,
		sources:  sources,
		opts:     opts,
		logger:   logger.With().Str("component", "logic-service").Logger(),
	}
}

func (s *Service) Registry() *Registry { return s.registry }
func (s *Service) Sources() *SourceRegistry { return s.sources }
func (s *Service) Cache() *ResultCache { return s.cache }

// Parse parses a query expression relative to the service clock.
func (s *Service) Parse(expr string) (*Criteria, error) {
	return ParseAt(expr, s.opts.Now())
}

func (s *Service) newContext(cohort []uuid.UUID, params Params, opts ...EvalOption) *EvalContext {
	ec := &EvalContext{
		IndexDate: s.opts.Now(),
		Cohort:    cohort,
		Params:    params,
		svc:       s,
		memo:      newMemo(),
	}
	for _, opt := range opts {
		opt(ec)
	}
	return ec
}

// ---------------------------------------------------------------------------
// Evaluation entry points
// ---------------------------------------------------------------------------

// Eval evaluates c for every distinct member of cohort. The returned map
// holds one entry per member. Members without data get an empty Result and
// members whose evaluation failed get an error-marked Result.
func (s *Service) Eval(ctx context.Context, cohort []uuid.UUID, c *Criteria, params Params, opts ...EvalOption) (map[uuid.UUID]Result, error) {
	if err := s.check(ctx, c); err != nil {
		return nil, err
	}
	cohort = dedupe(cohort)
	ec := s.newContext(cohort, params, opts...)
	return s.evalWith(ctx, ec, c)
}

// EvalPatient evaluates c for a single patient and returns its failure as
// an error.
func (s *Service) EvalPatient(ctx context.Context, patient uuid.UUID, c *Criteria, params Params, opts ...EvalOption) (Result, error) {
	res, err := s.Eval(ctx, []uuid.UUID{patient}, c, params, opts...)
	if err != nil {
		return Result{}, err
	}
	r := res[patient]
	if err := r.Err(); err != nil {
		return Result{}, err
	}
	return r, nil
}

// EvalExpression parses expr and evaluates it for cohort.
func (s *Service) EvalExpression(ctx context.Context, cohort []uuid.UUID, expr string, params Params, opts ...EvalOption) (map[uuid.UUID]Result, error) {
	c, err := s.Parse(expr)
	if err != nil {
		return nil, err
	}
	return s.Eval(ctx, cohort, c, params, opts...)
}

// EvalPatientExpression parses expr and evaluates it for one patient.
func (s *Service) EvalPatientExpression(ctx context.Context, patient uuid.UUID, expr string, params Params, opts ...EvalOption) (Result, error) {
	c, err := s.Parse(expr)
	if err != nil {
		return Result{}, err
	}
	return s.EvalPatient(ctx, patient, c, params, opts...)
}

// EvalMany evaluates several criteria over one cohort, sharing the call
// memo. Results are keyed by each criteria's Key.
func (s *Service) EvalMany(ctx context.Context, cohort []uuid.UUID, criteria []*Criteria, params Params, opts ...EvalOption) (map[string]map[uuid.UUID]Result, error) {
	for _, c := range criteria {
		if err := s.check(ctx, c); err != nil {
			return nil, err
		}
	}
	cohort = dedupe(cohort)
	ec := s.newContext(cohort, params, opts...)
	out := make(map[string]map[uuid.UUID]Result, len(criteria))
	for _, c := range criteria {
		res, err := s.evalWith(ctx, ec, c)
		if err != nil {
			return nil, err
		}
		out[c.Key()] = res
	}
	return out, nil
}

// EvalPatientMany parses and evaluates several expressions for one patient.
// Results are keyed by the expressions as given.
func (s *Service) EvalPatientMany(ctx context.Context, patient uuid.UUID, exprs []string, params Params, opts ...EvalOption) (map[string]Result, error) {
	criteria := make([]*Criteria, len(exprs))
	for i, expr := range exprs {
		c, err := s.Parse(expr)
		if err != nil {
			return nil, err
		}
		criteria[i] = c
	}
	res, err := s.EvalMany(ctx, []uuid.UUID{patient}, criteria, params, opts...)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Result, len(exprs))
	for i, expr := range exprs {
		out[expr] = res[criteria[i].Key()][patient]
	}
	return out, nil
}

// check rejects invalid criteria, unresolvable tokens and a finished
// context before any work is done.
func (s *Service) check(ctx context.Context, c *Criteria) error {
	if err := c.Err(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, tok := range c.Tokens() {
		if _, _, err := s.resolve(tok); err != nil {
			return err
		}
	}
	return nil
}

func dedupe(cohort []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(cohort))
	out := make([]uuid.UUID, 0, len(cohort))
	for _, p := range cohort {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func (s *Service) evalWith(ctx context.Context, ec *EvalContext, c *Criteria) (map[uuid.UUID]Result, error) {
	params := ec.Params.merge(c.Params())
	start := time.Now()
	if src, rewritten, ok := s.pushdownTarget(c); ok {
		res, err := s.evalPushdown(ctx, ec, src, c, rewritten, params)
		if err == nil {
			s.logger.Debug().
				Str("criteria", c.String()).
				Str("source", src.Name()).
				Int("cohort", len(ec.Cohort)).
				Dur("elapsed", time.Since(start)).
				Msg("evaluated by data source")
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn().Err(err).Str("criteria", c.String()).Msg("data source read failed, evaluating per patient")
	}
	res, err := s.evalCohort(ctx, ec, c, params)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().
		Str("criteria", c.String()).
		Int("cohort", len(ec.Cohort)).
		Dur("elapsed", time.Since(start)).
		Msg("evaluated")
	return res, nil
}

func (s *Service) evalCohort(ctx context.Context, ec *EvalContext, c *Criteria, params Params) (map[uuid.UUID]Result, error) {
	cohort := ec.Cohort
	results := make([]Result, len(cohort))
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for i, patient := range cohort {
		if gctx.Err() != nil {
			break
		}
		i, patient := i, patient
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, s.opts.PatientTimeout)
			defer cancel()
			res, err := s.evalNode(pctx, ec, patient, c, params)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				evalErr := asEvaluationError(c.RootToken(), patient, err)
				s.logger.Warn().Err(err).Str("patient", patient.String()).Str("criteria", c.String()).Msg("patient evaluation failed")
				res = ErrorResult(evalErr)
			}
			results[i] = res
			s.progress(int(done.Add(1)), len(cohort))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[uuid.UUID]Result, len(cohort))
	for i, p := range cohort {
		out[p] = results[i]
	}
	return out, nil
}

func (s *Service) progress(done, total int) {
	if s.opts.Progress != nil {
		s.opts.Progress(done, total)
	}
}

func asEvaluationError(token string, patient uuid.UUID, err error) error {
	var ee *EvaluationError
	if errors.As(err, &ee) {
		if ee.Patient == patient {
			return ee
		}
		cp := *ee
		cp.Patient = patient
		return &cp
	}
	return &EvaluationError{Token: token, Patient: patient, Err: err}
}

// ---------------------------------------------------------------------------
// Per-node evaluation
// ---------------------------------------------------------------------------

func (s *Service) evalNode(ctx context.Context, ec *EvalContext, patient uuid.UUID, c *Criteria, params Params) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	key := memoKey(ec, patient, c, params)
	if r, ok := ec.memo.get(key); ok {
		return r, nil
	}
	r, err := s.evalUncached(ctx, ec, patient, c, params)
	if err != nil {
		return Result{}, err
	}
	ec.memo.put(key, r)
	return r, nil
}

func (s *Service) evalUncached(ctx context.Context, ec *EvalContext, patient uuid.UUID, c *Criteria, params Params) (Result, error) {
	// child evaluates a subtree with its own params layered over the caller's
	child := func(ec *EvalContext, n *Criteria) (Result, error) {
		return s.evalNode(ctx, ec, patient, n, params.merge(n.Params()))
	}

	if t := c.Transform(); t != nil {
		inner, err := child(ec, c.withoutTransform())
		if err != nil {
			return Result{}, err
		}
		return applyTransform(inner, t), nil
	}

	switch c.op {
	case OpNone:
		if c.left != nil {
			return child(ec, c.left)
		}
		return s.evalToken(ctx, ec, patient, c.token, params)

	case OpAnd, OpOr:
		l, err := child(ec, c.left)
		if err != nil {
			return Result{}, err
		}
		r, err := child(ec, c.rightCriteria())
		if err != nil {
			return Result{}, err
		}
		v := l.ToBoolean() && r.ToBoolean()
		if c.op == OpOr {
			v = l.ToBoolean() || r.ToBoolean()
		}
		return BooleanResult(v, latestObserved(l, r)), nil

	case OpNot:
		inner, err := child(ec, c.left)
		if err != nil {
			return Result{}, err
		}
		return BooleanResult(!inner.ToBoolean(), latestObserved(inner)), nil

	case OpAsOf:
		d := time.Time(c.right.(Date))
		inner, err := child(ec.at(d), c.left)
		if err != nil {
			return Result{}, err
		}
		return filterComparison(inner, c, d), nil
	}

	inner, err := child(ec, c.left)
	if err != nil {
		return Result{}, err
	}
	// an AS OF below this node moves the anchor, as in the compiler
	return filterComparison(inner, c, indexDateFor(c, ec.IndexDate)), nil
}

func (s *Service) evalToken(ctx context.Context, ec *EvalContext, patient uuid.UUID, token string, params Params) (Result, error) {
	rule, ttl, err := s.resolve(token)
	if err != nil {
		return Result{}, err
	}
	key := newCacheKey(token, patient, params, ec.cacheDate())
	if ttl > 0 {
		if r, ok := s.cache.Get(key); ok {
			return r, nil
		}
	}
	r, err := rule.Evaluate(ctx, ec, patient, params)
	if err != nil {
		return Result{}, asEvaluationError(token, patient, err)
	}
	if r.Err() != nil {
		return Result{}, asEvaluationError(token, patient, r.Err())
	}
	r = r.WithConcept(token)
	s.cache.Set(key, r, ttl)
	return r, nil
}

// resolve finds the rule for token: a registered binding first, then a
// transient reference for "@source.key" and "${SOURCE::KEY}" tokens.
func (s *Service) resolve(token string) (Rule, time.Duration, error) {
	if rule, ttl, ok := s.registry.lookup(token); ok {
		return rule, ttl, nil
	}
	if IsReference(token) {
		ref, err := NewReferenceRule(token, s.sources)
		if err != nil {
			return nil, 0, err
		}
		return ref, ref.TTL(), nil
	}
	return nil, 0, &UnknownTokenError{Token: token}
}

// ---------------------------------------------------------------------------
// Data source pushdown
// ---------------------------------------------------------------------------

// pushdownTarget reports whether c can be answered by one Read of a single
// data source. That holds when every token is a reference into the same
// source, no logical operator is used, only the root carries a transform
// and the source supports every operator. The returned criteria has its
// tokens replaced by source keys.
func (s *Service) pushdownTarget(c *Criteria) (DataSource, *Criteria, bool) {
	var (
		src  DataSource
		keys = make(map[string]string)
		ok   = true
	)
	c.walk(func(n *Criteria) {
		if !ok {
			return
		}
		if n.op.IsLogical() || (n != c && n.transform != nil) {
			ok = false
			return
		}
		if !n.IsBareToken() {
			return
		}
		rule, _, err := s.resolve(n.token)
		if err != nil {
			ok = false
			return
		}
		ref, isRef := rule.(*ReferenceRule)
		if !isRef {
			ok = false
			return
		}
		ds, err := ref.dataSource()
		if err != nil || (src != nil && ds != src) {
			ok = false
			return
		}
		src = ds
		keys[strings.ToLower(n.token)] = ref.Key()
	})
	if !ok || src == nil {
		return nil, nil, false
	}
	c.walk(func(n *Criteria) {
		if n.op != OpNone && !supports(src, n.op) {
			ok = false
		}
	})
	if t := c.Transform(); t != nil && !t.Kind.deferred() && !supports(src, t.Kind) {
		ok = false
	}
	if !ok {
		return nil, nil, false
	}
	rewritten := c.rewriteTokens(func(tok string) string {
		if k, found := keys[strings.ToLower(tok)]; found {
			return k
		}
		return tok
	})
	return src, rewritten, true
}

func (s *Service) evalPushdown(ctx context.Context, ec *EvalContext, src DataSource, orig, c *Criteria, params Params) (map[uuid.UUID]Result, error) {
	var deferred *Transform
	if t := c.Transform(); t != nil && t.Kind.deferred() {
		deferred = t
		c = c.withoutTransform()
	}
	token := orig.RootToken()

	// A bare token is served from the result cache where possible.
	cohort := ec.Cohort
	out := make(map[uuid.UUID]Result, len(cohort))
	var ttl time.Duration
	bare := orig.IsBareToken() && (orig.Transform() == nil || deferred != nil)
	if bare {
		_, ttl, _ = s.resolve(token)
		if ttl > 0 {
			misses := make([]uuid.UUID, 0, len(cohort))
			for _, p := range cohort {
				if r, ok := s.cache.Get(newCacheKey(token, p, params, ec.cacheDate())); ok {
					out[p] = r
				} else {
					misses = append(misses, p)
				}
			}
			cohort = misses
		}
	}

	if len(cohort) > 0 {
		read, err := src.Read(ctx, ec, cohort, c.WithParams(params))
		if err != nil {
			return nil, err
		}
		for _, p := range cohort {
			r := read[p].WithConcept(token)
			if bare {
				s.cache.Set(newCacheKey(token, p, params, ec.cacheDate()), r, ttl)
			}
			out[p] = r
		}
	}

	if deferred != nil {
		for p, r := range out {
			out[p] = applyTransform(r, deferred)
		}
	}
	s.progress(len(ec.Cohort), len(ec.Cohort))
	return out, nil
}

// ---------------------------------------------------------------------------
// Registry facade
// ---------------------------------------------------------------------------

// AddRule registers rule under token and drops its cached results.
func (s *Service) AddRule(token string, rule Rule, tags ...string) error {
	if err := s.registry.AddRule(token, rule, tags...); err != nil {
		return err
	}
	s.cache.Invalidate(token)
	return nil
}

// UpdateRule replaces the rule of token and drops its cached results.
func (s *Service) UpdateRule(token string, rule Rule) error {
	if err := s.registry.UpdateRule(token, rule); err != nil {
		return err
	}
	s.cache.Invalidate(token)
	return nil
}

// RemoveRule unregisters token and drops its cached results.
func (s *Service) RemoveRule(token string) error {
	if err := s.registry.RemoveRule(token); err != nil {
		return err
	}
	s.cache.Invalidate(token)
	return nil
}

// RegisterReference binds token to the data source reference ref. The
// reference is validated before the registry is touched.
func (s *Service) RegisterReference(token, ref string, tags ...string) error {
	rule, err := NewReferenceRule(ref, s.sources)
	if err != nil {
		return err
	}
	return s.AddRule(token, rule, tags...)
}

// RegisterDataSourceKeys binds every data source key that is not already a
// token to a reference rule tagged with the source name. It returns the
// number of tokens added.
func (s *Service) RegisterDataSourceKeys() (int, error) {
	added := 0
	for _, src := range s.sources.List() {
		for _, key := range src.Keys() {
			if _, _, ok := s.registry.lookup(key); ok {
				continue
			}
			rule := &ReferenceRule{source: strings.ToLower(src.Name()), key: key, sources: s.sources}
			if err := s.AddRule(key, rule, src.Name()); err != nil {
				return added, err
			}
			added++
		}
	}
	s.logger.Info().Int("tokens", added).Msg("registered data source keys")
	return added, nil
}

func (s *Service) DataSource(name string) (DataSource, bool) { return s.sources.Get(name) }
func (s *Service) DataSources() []DataSource { return s.sources.List() }

// DefaultDatatype returns the datatype the rule for token usually yields.
func (s *Service) DefaultDatatype(token string) (Datatype, error) {
	rule, _, err := s.resolve(token)
	if err != nil {
		return DatatypeNone, err
	}
	return rule.DefaultDatatype(), nil
}

// ParameterList returns the parameters documented by the rule for token,
// or nil when the rule takes none.
func (s *Service) ParameterList(token string) ([]ParameterInfo, error) {
	rule, _, err := s.resolve(token)
	if err != nil {
		return nil, err
	}
	if pr, ok := rule.(ParameterizedRule); ok {
		return pr.Parameters(), nil
	}
	return nil, nil
}

// RuleInfo describes a registered token.
type RuleInfo struct {
	Token        string          `json:"token"`
	Datatype     Datatype        `json:"datatype"`
	TTL          string          `json:"ttl"`
	Tags         []string        `json:"tags"`
	Dependencies []string        `json:"dependencies"`
	Parameters   []ParameterInfo `json:"parameters"`
	Reference    string          `json:"reference,omitempty"`
}

// Describe returns the metadata of a registered token.
func (s *Service) Describe(token string) (RuleInfo, error) {
	rule, ttl, ok := s.registry.lookup(token)
	if !ok {
		return RuleInfo{}, &UnknownTokenError{Token: token}
	}
	tags, err := s.registry.GetTokenTags(token)
	if err != nil {
		return RuleInfo{}, err
	}
	info := RuleInfo{
		Token:        s.registry.displayToken(token),
		Datatype:     rule.DefaultDatatype(),
		TTL:          ttl.String(),
		Tags:         tags,
		Dependencies: rule.Dependencies(),
		Parameters:   []ParameterInfo{},
	}
	if info.Dependencies == nil {
		info.Dependencies = []string{}
	}
	if pr, ok := rule.(ParameterizedRule); ok {
		info.Parameters = pr.Parameters()
	}
	if sr, ok := rule.(StatefulRule); ok {
		info.Reference = sr.SerializeState()
	}
	return info, nil
}
