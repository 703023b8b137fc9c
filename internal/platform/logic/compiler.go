package logic

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Criteria to SQL compiler
//
// One recursive algorithm serves every SQL-backed data source. Each source
// supplies a Schema whose Resolve function is its field-resolution table.
// ---------------------------------------------------------------------------

// ErrNotCompilable is returned for trees the compiler cannot express, such
// as nested transforms or operators a schema marks unsupported.
var ErrNotCompilable = errors.New("criteria not compilable")

// Field is the native mapping of a token.
type Field struct {
	// KeyClause narrows rows to the token. It is a format string whose
	// placeholder index is %[1]d, e.g. "(code_value = $%[1]d)". Empty means
	// every row of the table.
	KeyClause string
	KeyArg    any

	// Timestamp overrides the schema's primary timestamp for this field.
	Timestamp string

	Numeric      string
	Text         string
	Datetime     string
	Coded        string
	CodedDisplay string
	Boolean      string

	// Datatype fixes the atom type; DatatypeNone infers it from the first
	// non-null value column.
	Datatype Datatype
}

// Schema describes one table and how tokens resolve against it.
type Schema struct {
	Table         string
	PatientColumn string
	TimeColumn    string
	CreatedColumn string
	IDColumn      string
	// StaticFilters are always applied, e.g. excluding voided rows.
	StaticFilters []string
	Resolve       func(token string) (Field, bool)
	Unsupported   map[Operator]bool
}

func (s *Schema) timestamp(f Field) string {
	if f.Timestamp != "" {
		return f.Timestamp
	}
	return s.TimeColumn
}

// CompiledQuery is the output of Compile.
type CompiledQuery struct {
	Where    string
	Args     []interface{}
	NextIdx  int
	Field    Field
	Distinct bool
	// Order is OpFirst, OpLast or OpNone. Count applies to Order.
	Order Operator
	Count int
	// Deferred is the root transform left for the evaluator.
	Deferred *Transform
}

// Compile translates c into a WHERE fragment whose placeholders start at
// startIdx. indexDate anchors WITHIN when no AS OF is present.
func Compile(c *Criteria, schema *Schema, startIdx int, indexDate time.Time) (*CompiledQuery, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}
	root, ok := schema.Resolve(c.RootToken())
	if !ok {
		return nil, &UnknownTokenError{Token: c.RootToken()}
	}
	out := &CompiledQuery{Field: root, Count: 1}
	if t := c.Transform(); t != nil {
		switch t.Kind {
		case OpFirst, OpLast:
			out.Order, out.Count = t.Kind, t.Count
		case OpDistinct:
			out.Distinct = true
		default:
			out.Deferred = t
		}
		c = c.withoutTransform()
	}
	clause, args, next, err := compileNode(c, schema, startIdx, indexDate)
	if err != nil {
		return nil, err
	}
	out.Where, out.Args, out.NextIdx = clause, args, next
	return out, nil
}

func compileNode(c *Criteria, s *Schema, idx int, indexDate time.Time) (string, []interface{}, int, error) {
	if c.Transform() != nil {
		return "", nil, idx, fmt.Errorf("%w: nested %s", ErrNotCompilable, c.Transform().Kind.Label())
	}
	if s.Unsupported[c.op] {
		return "", nil, idx, fmt.Errorf("%w: %s", ErrNotCompilable, c.op.Label())
	}

	switch c.op {
	case OpNone:
		if c.left != nil {
			return compileNode(c.left, s, idx, indexDate)
		}
		f, ok := s.Resolve(c.token)
		if !ok {
			return "", nil, idx, &UnknownTokenError{Token: c.token}
		}
		if f.KeyClause == "" {
			return "1=1", nil, idx, nil
		}
		return fmt.Sprintf(f.KeyClause, idx), []interface{}{f.KeyArg}, idx + 1, nil

	case OpAnd, OpOr:
		l, la, next, err := compileNode(c.left, s, idx, indexDate)
		if err != nil {
			return "", nil, idx, err
		}
		r, ra, next, err := compileNode(c.rightCriteria(), s, next, indexDate)
		if err != nil {
			return "", nil, idx, err
		}
		return fmt.Sprintf("(%s %s %s)", l, c.op.Label(), r), append(la, ra...), next, nil

	case OpNot:
		inner, args, next, err := compileNode(c.left, s, idx, indexDate)
		if err != nil {
			return "", nil, idx, err
		}
		return fmt.Sprintf("NOT (%s)", inner), args, next, nil
	}

	// Comparison or temporal anchor: the left subtree filters rows and this
	// node adds one predicate against the root field of the left side.
	date := indexDate
	if c.op == OpAsOf {
		if d, ok := c.right.(Date); ok {
			date = time.Time(d)
		}
	}
	l, la, next, err := compileNode(c.left, s, idx, date)
	if err != nil {
		return "", nil, idx, err
	}
	f, ok := s.Resolve(c.left.RootToken())
	if !ok {
		return "", nil, idx, &UnknownTokenError{Token: c.left.RootToken()}
	}
	p, pa, next, err := compilePredicate(c, f, s, next, indexDateFor(c, indexDate))
	if err != nil {
		return "", nil, idx, err
	}
	return fmt.Sprintf("(%s AND %s)", l, p), append(la, pa...), next, nil
}

func compilePredicate(c *Criteria, f Field, s *Schema, idx int, indexDate time.Time) (string, []interface{}, int, error) {
	ts := s.timestamp(f)
	need := func(col, kind string) error {
		if col == "" {
			return fmt.Errorf("%w: %s has no %s value for %s", ErrNotCompilable, c.left.RootToken(), kind, c.op.Label())
		}
		return nil
	}

	switch c.op {
	case OpBefore, OpAfter, OpAsOf:
		if err := need(ts, "timestamp"); err != nil {
			return "", nil, idx, err
		}
		sym := map[Operator]string{OpBefore: "<", OpAfter: ">", OpAsOf: "<="}[c.op]
		return fmt.Sprintf("%s %s $%d", ts, sym, idx), []interface{}{time.Time(c.right.(Date))}, idx + 1, nil

	case OpWithin:
		if err := need(ts, "timestamp"); err != nil {
			return "", nil, idx, err
		}
		lo, hi := c.right.(Duration).Window(indexDate)
		return fmt.Sprintf("%s BETWEEN $%d AND $%d", ts, idx, idx+1), []interface{}{lo, hi}, idx + 2, nil

	case OpLT, OpLTE, OpGT, OpGTE:
		sym := map[Operator]string{OpLT: "<", OpLTE: "<=", OpGT: ">", OpGTE: ">="}[c.op]
		switch v := c.right.(type) {
		case Number:
			if err := need(f.Numeric, "numeric"); err != nil {
				return "", nil, idx, err
			}
			return fmt.Sprintf("%s %s $%d", f.Numeric, sym, idx), []interface{}{float64(v)}, idx + 1, nil
		case Date:
			col := firstNonEmpty(f.Datetime, ts)
			if err := need(col, "datetime"); err != nil {
				return "", nil, idx, err
			}
			return fmt.Sprintf("%s %s $%d", col, sym, idx), []interface{}{time.Time(v)}, idx + 1, nil
		}

	case OpEquals:
		return equalityPredicate(c, f, ts, idx, need)

	case OpContains:
		if v, ok := c.right.(Text); ok {
			col := firstNonEmpty(f.Text, f.CodedDisplay)
			if err := need(col, "text"); err != nil {
				return "", nil, idx, err
			}
			return fmt.Sprintf("%s ILIKE '%%' || $%d || '%%'", col, idx), []interface{}{string(v)}, idx + 1, nil
		}
		return equalityPredicate(c, f, ts, idx, need)

	case OpIn:
		return inPredicate(c, f, idx, need)
	}
	return "", nil, idx, fmt.Errorf("%w: %s", ErrNotCompilable, c.op.Label())
}

func equalityPredicate(c *Criteria, f Field, ts string, idx int, need func(string, string) error) (string, []interface{}, int, error) {
	switch v := c.right.(type) {
	case Number:
		if err := need(f.Numeric, "numeric"); err != nil {
			return "", nil, idx, err
		}
		return fmt.Sprintf("%s = $%d", f.Numeric, idx), []interface{}{float64(v)}, idx + 1, nil
	case Text:
		if f.Coded != "" {
			// text against a coded column matches the code or its display
			p, args, next, err := codedPredicate(f, string(v), "=", idx, need)
			if err != nil || f.Text == "" {
				return p, args, next, err
			}
			return fmt.Sprintf("(%s = $%d OR %s)", f.Text, idx, p), args, next, nil
		}
		if err := need(f.Text, "text"); err != nil {
			return "", nil, idx, err
		}
		return fmt.Sprintf("%s = $%d", f.Text, idx), []interface{}{string(v)}, idx + 1, nil
	case Date:
		col := firstNonEmpty(f.Datetime, ts)
		if err := need(col, "datetime"); err != nil {
			return "", nil, idx, err
		}
		return fmt.Sprintf("%s = $%d", col, idx), []interface{}{time.Time(v)}, idx + 1, nil
	case Bool:
		if err := need(f.Boolean, "boolean"); err != nil {
			return "", nil, idx, err
		}
		return fmt.Sprintf("%s = $%d", f.Boolean, idx), []interface{}{bool(v)}, idx + 1, nil
	case Coded:
		return codedPredicate(f, Code(v).key(), "=", idx, need)
	}
	return "", nil, idx, fmt.Errorf("%w: %s operand %T", ErrNotCompilable, c.op.Label(), c.right)
}

func codedPredicate(f Field, arg any, form string, idx int, need func(string, string) error) (string, []interface{}, int, error) {
	col := firstNonEmpty(f.Coded, f.Text)
	if err := need(col, "coded"); err != nil {
		return "", nil, idx, err
	}
	eq, like := "= $%d", "ILIKE $%d"
	if form == "ANY" {
		eq, like = "= ANY($%d)", "ILIKE ANY($%d)"
	}
	if f.CodedDisplay == "" {
		return fmt.Sprintf("%s "+eq, col, idx), []interface{}{arg}, idx + 1, nil
	}
	clause := fmt.Sprintf("(%s "+eq+" OR %s "+like+")", col, idx, f.CodedDisplay, idx)
	return clause, []interface{}{arg}, idx + 1, nil
}

func inPredicate(c *Criteria, f Field, idx int, need func(string, string) error) (string, []interface{}, int, error) {
	list := c.right.(List)
	switch list[0].(type) {
	case Number:
		vals := make([]float64, 0, len(list))
		for _, e := range list {
			n, ok := e.(Number)
			if !ok {
				return "", nil, idx, &InvalidOperandError{Op: OpIn, Operand: e, Want: "numeric"}
			}
			vals = append(vals, float64(n))
		}
		if err := need(f.Numeric, "numeric"); err != nil {
			return "", nil, idx, err
		}
		return fmt.Sprintf("%s = ANY($%d)", f.Numeric, idx), []interface{}{vals}, idx + 1, nil
	default:
		vals := make([]string, 0, len(list))
		for _, e := range list {
			switch v := e.(type) {
			case Text:
				vals = append(vals, string(v))
			case Coded:
				vals = append(vals, Code(v).key())
			default:
				return "", nil, idx, &InvalidOperandError{Op: OpIn, Operand: e, Want: "text or coded"}
			}
		}
		return codedPredicate(f, vals, "ANY", idx, need)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ---------------------------------------------------------------------------
// Query assembly and post-processing
// ---------------------------------------------------------------------------

// Row is one scanned row of a data source query.
type Row struct {
	Patient uuid.UUID
	Atom    Atom
}

// selectExprs returns the fixed select list shared by every SQL source.
func (s *Schema) selectExprs(f Field) []string {
	orNull := func(col, typ string) string {
		if col == "" {
			return "NULL::" + typ
		}
		return col
	}
	cast := func(col, typ string) string {
		if col == "" {
			return "NULL::" + typ
		}
		return col + "::" + typ
	}
	return []string{
		s.PatientColumn,
		orNull(s.timestamp(f), "timestamptz"),
		orNull(s.CreatedColumn, "timestamptz"),
		cast(s.IDColumn, "text"),
		cast(f.Numeric, "float8"),
		orNull(f.Text, "text"),
		orNull(f.Datetime, "timestamptz"),
		orNull(f.Coded, "text"),
		orNull(f.CodedDisplay, "text"),
		orNull(f.Boolean, "boolean"),
	}
}

func (s *Schema) orderExprs(f Field, op Operator) string {
	dir := "ASC"
	if op == OpLast {
		dir = "DESC"
	}
	var parts []string
	if ts := s.timestamp(f); ts != "" {
		parts = append(parts, fmt.Sprintf("%s %s NULLS LAST", ts, dir))
	}
	if s.CreatedColumn != "" {
		parts = append(parts, fmt.Sprintf("%s %s NULLS LAST", s.CreatedColumn, dir))
	}
	if s.IDColumn != "" {
		parts = append(parts, fmt.Sprintf("%s %s", s.IDColumn, dir))
	}
	return strings.Join(parts, ", ")
}

// BuildQuery assembles the SELECT for c over cohort.
func (s *Schema) BuildQuery(c *Criteria, cohort []uuid.UUID, indexDate time.Time) (*SelectQuery, *CompiledQuery, error) {
	root, ok := s.Resolve(c.RootToken())
	if !ok {
		return nil, nil, &UnknownTokenError{Token: c.RootToken()}
	}
	exprs := s.selectExprs(root)
	q := NewSelectQuery(s.Table, strings.Join(exprs, ", "))
	q.Add(fmt.Sprintf("%s = ANY($%d)", s.PatientColumn, q.Idx()), cohort)
	for _, f := range s.StaticFilters {
		q.AddStatic(f)
	}

	compiled, err := Compile(c, s, q.Idx(), indexDate)
	if err != nil {
		return nil, nil, err
	}
	q.Add(compiled.Where, compiled.Args...)

	order := s.orderExprs(root, compiled.Order)
	if compiled.Distinct {
		// DISTINCT ON must lead the ORDER BY; per-patient order is restored
		// by GroupAndLimit.
		on := append([]string{exprs[0], exprs[1]}, exprs[4:]...)
		q.DistinctOn(on...)
		order = strings.Join(on, ", ") + ", " + order
	} else {
		order = s.PatientColumn + ", " + order
	}
	q.OrderBy(strings.TrimSuffix(order, ", "))
	return q, compiled, nil
}

// GroupAndLimit groups rows by patient, orders each group by the transform
// and keeps at most Count atoms. A nil transform keeps every row in
// ascending time order.
func GroupAndLimit(rows []Row, t *Transform) map[uuid.UUID][]Atom {
	out := make(map[uuid.UUID][]Atom)
	for _, r := range rows {
		out[r.Patient] = append(out[r.Patient], r.Atom)
	}
	asc := t == nil || t.Kind != OpLast
	limit := 0
	if t != nil && t.Kind.ordering() {
		limit = t.Count
		if limit < 1 {
			limit = 1
		}
	}
	for p, atoms := range out {
		sort.SliceStable(atoms, func(i, j int) bool {
			return compareAtoms(atoms[i], atoms[j], asc) < 0
		})
		if limit > 0 && len(atoms) > limit {
			atoms = atoms[:limit]
		}
		out[p] = atoms
	}
	return out
}
