package logic

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// Querier is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// SQLSourceConfig configures a SQLSource.
type SQLSourceConfig struct {
	Name   string
	Schema *Schema
	TTL    time.Duration
	// Keys lists the tokens the source answers for.
	Keys func() []string
}

// SQLSource is a DataSource backed by one PostgreSQL table.
type SQLSource struct {
	name   string
	schema *Schema
	db     Querier
	ttl    time.Duration
	keys   func() []string
	logger zerolog.Logger
}

// NewSQLSource creates a SQL-backed data source.
func NewSQLSource(cfg SQLSourceConfig, db Querier, logger zerolog.Logger) *SQLSource {
	keys := cfg.Keys
	if keys == nil {
		keys = func() []string { return nil }
	}
	return &SQLSource{
		name:   cfg.Name,
		schema: cfg.Schema,
		db:     db,
		ttl:    cfg.TTL,
		keys:   keys,
		logger: logger.With().Str("component", "datasource").Str("source", cfg.Name).Logger(),
	}
}

func (s *SQLSource) Name() string { return s.name }
func (s *SQLSource) DefaultTTL() time.Duration { return s.ttl }
func (s *SQLSource) Keys() []string { return s.keys() }
func (s *SQLSource) Schema() *Schema { return s.schema }

func (s *SQLSource) HasKey(key string) bool {
	_, ok := s.schema.Resolve(key)
	return ok
}

// Supports reports whether the schema compiles op.
func (s *SQLSource) Supports(op Operator) bool { return !s.schema.Unsupported[op] }

// KeyDatatype returns the fixed datatype of key, if any.
func (s *SQLSource) KeyDatatype(key string) Datatype {
	f, ok := s.schema.Resolve(key)
	if !ok {
		return DatatypeNone
	}
	return f.Datatype
}

// Read compiles c, runs it for the whole cohort and groups the rows by
// patient. COUNT, AVERAGE, EXISTS and NOT EXISTS are left to the caller.
func (s *SQLSource) Read(ctx context.Context, ec *EvalContext, cohort []uuid.UUID, c *Criteria) (map[uuid.UUID]Result, error) {
	token := c.RootToken()
	out := make(map[uuid.UUID]Result, len(cohort))
	for _, p := range cohort {
		out[p] = EmptyResult().WithConcept(token)
	}
	if len(cohort) == 0 {
		return out, nil
	}

	indexDate := time.Now()
	if ec != nil && !ec.IndexDate.IsZero() {
		indexDate = ec.IndexDate
	}
	q, compiled, err := s.schema.BuildQuery(c, cohort, indexDate)
	if err != nil {
		return nil, &EvaluationError{Token: token, Err: err}
	}

	start := time.Now()
	rows, err := s.db.Query(ctx, q.SQL(), q.Args()...)
	if err != nil {
		return nil, &EvaluationError{Token: token, Err: fmt.Errorf("query %s: %w", s.name, err)}
	}
	defer rows.Close()

	var scanned []Row
	for rows.Next() {
		r, ok, err := scanRow(rows, compiled.Field)
		if err != nil {
			return nil, &EvaluationError{Token: token, Err: fmt.Errorf("scan %s row: %w", s.name, err)}
		}
		if ok {
			scanned = append(scanned, r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &EvaluationError{Token: token, Err: fmt.Errorf("iterate %s rows: %w", s.name, err)}
	}

	var order *Transform
	if compiled.Order != OpNone {
		order = &Transform{Kind: compiled.Order, Count: compiled.Count}
	}
	for p, atoms := range GroupAndLimit(scanned, order) {
		if _, ok := out[p]; !ok {
			continue
		}
		res := NewResult(atoms...).WithConcept(token).WithDatatype(compiled.Field.Datatype)
		if compiled.Distinct {
			res = res.Distinct()
		}
		out[p] = res
	}

	s.logger.Debug().
		Str("token", token).
		Int("cohort", len(cohort)).
		Int("rows", len(scanned)).
		Dur("elapsed", time.Since(start)).
		Msg("read")
	return out, nil
}

// scanRow reads the fixed select list. ok is false for rows with no value.
func scanRow(rows pgx.Rows, f Field) (Row, bool, error) {
	var (
		r                     Row
		ts, created, dt       *time.Time
		id, text, coded, disp *string
		num                   *float64
		b                     *bool
	)
	if err := rows.Scan(&r.Patient, &ts, &created, &id, &num, &text, &dt, &coded, &disp, &b); err != nil {
		return r, false, err
	}

	a := &r.Atom
	if ts != nil {
		a.ObservedAt = *ts
	}
	if created != nil {
		a.CreatedAt = *created
	}
	if id != nil {
		a.ID = *id
	}

	dtype := f.Datatype
	if dtype == DatatypeNone {
		switch {
		case coded != nil:
			dtype = DatatypeCoded
		case num != nil:
			dtype = DatatypeNumeric
		case dt != nil:
			dtype = DatatypeDatetime
		case b != nil:
			dtype = DatatypeBoolean
		case text != nil:
			dtype = DatatypeText
		default:
			return r, false, nil
		}
	}
	a.Datatype = dtype

	switch dtype {
	case DatatypeCoded:
		if coded == nil && text == nil {
			return r, false, nil
		}
		if coded != nil {
			a.Code.Value = *coded
		} else {
			a.Code.Value = *text
		}
		if disp != nil {
			a.Code.Display = *disp
		}
	case DatatypeNumeric:
		if num == nil {
			return r, false, nil
		}
		a.Number = *num
	case DatatypeDatetime:
		if dt == nil {
			return r, false, nil
		}
		a.Datetime = *dt
	case DatatypeBoolean:
		if b == nil {
			return r, false, nil
		}
		a.Bool = *b
	case DatatypeText:
		if text == nil {
			return r, false, nil
		}
		a.Text = *text
	}
	return r, true, nil
}
