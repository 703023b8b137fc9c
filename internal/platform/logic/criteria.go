package logic

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Operands
// ---------------------------------------------------------------------------

// Operand is the right-hand side of a criteria node. The set of operand
// kinds is closed.
type Operand interface {
	operandKind() string
}

type (
	// Number is a numeric literal.
	Number float64
	// Text is a free-text literal.
	Text string
	// Date is a point-in-time literal.
	Date time.Time
	// Coded is a coded concept literal.
	Coded Code
	// Bool is a boolean literal.
	Bool bool
	// List is the operand of IN.
	List []Operand
)

func (Number) operandKind() string { return "numeric" }
func (Text) operandKind() string { return "text" }
func (Date) operandKind() string { return "date" }
func (Coded) operandKind() string { return "coded" }
func (Bool) operandKind() string { return "boolean" }
func (List) operandKind() string { return "list" }
func (Duration) operandKind() string { return "duration" }
func (*Criteria) operandKind() string { return "criteria" }

// toOperand normalizes a Go value into an Operand.
func toOperand(v any) (Operand, error) {
	switch x := v.(type) {
	case nil:
		return nil, fmt.Errorf("nil operand")
	case Operand:
		if c, ok := x.(*Criteria); ok && c == nil {
			return nil, fmt.Errorf("nil criteria operand")
		}
		return x, nil
	case int:
		return Number(x), nil
	case int32:
		return Number(x), nil
	case int64:
		return Number(x), nil
	case float32:
		return Number(x), nil
	case float64:
		return Number(x), nil
	case string:
		return Text(x), nil
	case bool:
		return Bool(x), nil
	case time.Time:
		return Date(x), nil
	case Code:
		return Coded(x), nil
	case []string:
		l := make(List, len(x))
		for i, s := range x {
			l[i] = Text(s)
		}
		return l, nil
	case []any:
		l := make(List, 0, len(x))
		for _, e := range x {
			op, err := toOperand(e)
			if err != nil {
				return nil, err
			}
			l = append(l, op)
		}
		return l, nil
	}
	return nil, fmt.Errorf("unsupported operand type %T", v)
}

// checkOperand validates the operand kind against the operator.
func checkOperand(op Operator, operand Operand) error {
	bad := func(want string) error {
		return &InvalidOperandError{Op: op, Operand: operand, Want: want}
	}
	switch op {
	case OpAnd, OpOr:
		c, ok := operand.(*Criteria)
		if !ok || c == nil {
			return bad("criteria")
		}
		return c.err
	case OpNot:
		return nil
	case OpBefore, OpAfter, OpAsOf:
		if _, ok := operand.(Date); !ok {
			return bad("date")
		}
	case OpWithin:
		if _, ok := operand.(Duration); !ok {
			return bad("duration")
		}
	case OpLT, OpLTE, OpGT, OpGTE:
		switch operand.(type) {
		case Number, Date:
		default:
			return bad("numeric")
		}
	case OpEquals, OpContains:
		switch operand.(type) {
		case Number, Text, Date, Coded, Bool:
		default:
			return bad("coded, text, numeric or date")
		}
	case OpIn:
		l, ok := operand.(List)
		if !ok || len(l) == 0 {
			return bad("non-empty list")
		}
		for _, e := range l {
			switch e.(type) {
			case Number, Text, Date, Coded, Bool:
			default:
				return bad("list of scalar")
			}
		}
	default:
		return bad("no")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Criteria
// ---------------------------------------------------------------------------

// Params are named arguments passed to rules.
type Params map[string]any

// Key renders the parameters in a stable form for cache keys.
func (p Params) Key() string {
	if len(p) == 0 {
		return ""
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		fmt.Fprintf(&b, "%s=%v", k, p[k])
	}
	return b.String()
}

func (p Params) merge(other Params) Params {
	if len(other) == 0 {
		return p
	}
	if len(p) == 0 {
		return other
	}
	out := make(Params, len(p)+len(other))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Transform is a FIRST, LAST, DISTINCT, COUNT, AVERAGE, EXISTS or
// NOT EXISTS wrapper. Count applies to FIRST and LAST.
type Transform struct {
	Kind  Operator
	Count int
}

// Criteria is an immutable expression node. Every builder method returns a
// new node; the receiver is never modified.
//
// A node with OpNone and no left child is a bare token reference. A node
// with OpNone and a left child only applies its transform to that child.
type Criteria struct {
	token     string
	op        Operator
	left      *Criteria
	right     Operand
	transform *Transform
	params    Params
	err       error
}

// Token creates a bare reference to a rule or data source key.
func Token(token string) *Criteria {
	token = strings.TrimSpace(token)
	c := &Criteria{token: token}
	if token == "" {
		c.err = &InvalidOperandError{Op: OpNone, Operand: token, Want: "non-empty token"}
	}
	return c
}

// Must panics if c carries a construction error.
func Must(c *Criteria) *Criteria {
	if err := c.Err(); err != nil {
		panic(err)
	}
	return c
}

// Err returns the first construction error in the chain that built c.
func (c *Criteria) Err() error {
	if c == nil {
		return &InvalidOperandError{Op: OpNone, Operand: nil, Want: "criteria"}
	}
	return c.err
}

// RootToken returns the token at the bottom of the left spine.
func (c *Criteria) RootToken() string { return c.token }

func (c *Criteria) Operator() Operator { return c.op }
func (c *Criteria) Left() *Criteria { return c.left }
func (c *Criteria) Right() Operand { return c.right }
func (c *Criteria) Transform() *Transform { return c.transform }
func (c *Criteria) Params() Params { return c.params }
func (c *Criteria) IsBareToken() bool { return c.op == OpNone && c.left == nil }
func (c *Criteria) isTransformOnly() bool { return c.op == OpNone && c.left != nil }
func (c *Criteria) rightCriteria() *Criteria {
	rc, _ := c.right.(*Criteria)
	return rc
}

func (c *Criteria) derive(op Operator, right Operand) *Criteria {
	if c.err != nil {
		return c
	}
	n := &Criteria{token: c.token, op: op, left: c, right: right, params: c.params}
	if op == OpAnd || op == OpOr {
		// each operand keeps its own params
		n.params = nil
	}
	if err := checkOperand(op, right); err != nil {
		n.right = nil
		n.err = err
	}
	return n
}

func (c *Criteria) deriveValue(op Operator, v any) *Criteria {
	if c.err != nil {
		return c
	}
	operand, err := toOperand(v)
	if err != nil {
		return &Criteria{token: c.token, op: op, left: c, params: c.params,
			err: &InvalidOperandError{Op: op, Operand: v, Want: "a supported"}}
	}
	return c.derive(op, operand)
}

func (c *Criteria) And(other *Criteria) *Criteria { return c.derive(OpAnd, other) }
func (c *Criteria) Or(other *Criteria) *Criteria { return c.derive(OpOr, other) }

// Not negates c. Negating a NOT node yields its child.
func (c *Criteria) Not() *Criteria {
	if c.err == nil && c.op == OpNot && c.transform == nil {
		return c.left
	}
	return c.derive(OpNot, nil)
}

func (c *Criteria) Before(t time.Time) *Criteria { return c.derive(OpBefore, Date(t)) }
func (c *Criteria) After(t time.Time) *Criteria { return c.derive(OpAfter, Date(t)) }
func (c *Criteria) AsOf(t time.Time) *Criteria { return c.derive(OpAsOf, Date(t)) }
func (c *Criteria) Within(d Duration) *Criteria { return c.derive(OpWithin, d) }
func (c *Criteria) LT(v any) *Criteria { return c.deriveValue(OpLT, v) }
func (c *Criteria) LTE(v any) *Criteria { return c.deriveValue(OpLTE, v) }
func (c *Criteria) GT(v any) *Criteria { return c.deriveValue(OpGT, v) }
func (c *Criteria) GTE(v any) *Criteria { return c.deriveValue(OpGTE, v) }
func (c *Criteria) EqualTo(v any) *Criteria { return c.deriveValue(OpEquals, v) }
func (c *Criteria) Contains(v any) *Criteria { return c.deriveValue(OpContains, v) }
func (c *Criteria) In(values ...any) *Criteria { return c.deriveValue(OpIn, values) }
func (c *Criteria) Distinct() *Criteria { return c.withTransform(OpDistinct, nil) }
func (c *Criteria) Count() *Criteria { return c.withTransform(OpCount, nil) }
func (c *Criteria) Average() *Criteria { return c.withTransform(OpAverage, nil) }
func (c *Criteria) Exists() *Criteria { return c.withTransform(OpExists, nil) }
func (c *Criteria) NotExists() *Criteria { return c.withTransform(OpNotExists, nil) }
func (c *Criteria) First(n ...int) *Criteria { return c.withTransform(OpFirst, n) }
func (c *Criteria) Last(n ...int) *Criteria { return c.withTransform(OpLast, n) }
func (c *Criteria) WithParams(p Params) *Criteria { return c.withParams(p) }
func (c *Criteria) WithParam(k string, v any) *Criteria { return c.withParams(Params{k: v}) }

func (c *Criteria) withParams(p Params) *Criteria {
	if c.err != nil {
		return c
	}
	cp := *c
	cp.params = c.params.merge(p)
	return &cp
}

func (c *Criteria) withTransform(kind Operator, n []int) *Criteria {
	if c.err != nil {
		return c
	}
	count := 1
	if len(n) > 0 {
		count = n[0]
	}
	if count < 1 {
		return &Criteria{token: c.token, left: c, params: c.params,
			err: &InvalidOperandError{Op: kind, Operand: count, Want: "positive count"}}
	}
	t := &Transform{Kind: kind, Count: count}
	if c.transform == nil {
		cp := *c
		cp.transform = t
		return &cp
	}
	return &Criteria{token: c.token, left: c, transform: t, params: c.params}
}

// withoutTransform returns c with its own transform stripped.
func (c *Criteria) withoutTransform() *Criteria {
	if c.transform == nil {
		return c
	}
	if c.isTransformOnly() {
		return c.left
	}
	cp := *c
	cp.transform = nil
	return &cp
}

// Tokens returns every token referenced by the tree, in first-seen order.
func (c *Criteria) Tokens() []string {
	seen := make(map[string]bool)
	var out []string
	c.walk(func(n *Criteria) {
		if n.IsBareToken() && !seen[strings.ToLower(n.token)] {
			seen[strings.ToLower(n.token)] = true
			out = append(out, n.token)
		}
	})
	return out
}

// walk visits every criteria node, including nested right operands.
func (c *Criteria) walk(fn func(*Criteria)) {
	if c == nil {
		return
	}
	fn(c)
	c.left.walk(fn)
	if rc := c.rightCriteria(); rc != nil {
		rc.walk(fn)
	}
}

// rewriteTokens returns a copy of the tree with each bare token replaced.
func (c *Criteria) rewriteTokens(fn func(string) string) *Criteria {
	if c == nil {
		return nil
	}
	cp := *c
	cp.token = fn(c.token)
	cp.left = c.left.rewriteTokens(fn)
	if rc := c.rightCriteria(); rc != nil {
		cp.right = rc.rewriteTokens(fn)
	}
	if cp.left != nil && !cp.IsBareToken() {
		cp.token = cp.left.token
	}
	return &cp
}

// indexDateFor returns the AS OF date nearest below c on its left spine,
// or def. Logical nodes end the search.
func indexDateFor(c *Criteria, def time.Time) time.Time {
	for n := c.left; n != nil; n = n.left {
		if n.op.IsLogical() {
			break
		}
		if n.op == OpAsOf {
			if d, ok := n.right.(Date); ok {
				return time.Time(d)
			}
		}
	}
	return def
}

// ---------------------------------------------------------------------------
// Rendering
// ---------------------------------------------------------------------------

// String renders the expression in query language form. Parse(c.String())
// yields an equivalent tree.
func (c *Criteria) String() string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	c.render(&b, false)
	return b.String()
}

// Key identifies the expression for memoization and result maps. It is
// String extended with params and code systems wherever they appear, so it
// equals String for plain expressions.
func (c *Criteria) Key() string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	c.render(&b, true)
	return b.String()
}

func (c *Criteria) render(b *strings.Builder, full bool) {
	c.renderIn(b, full, "")
}

// renderIn writes c. In full mode params are written where they differ from
// the enclosing node's.
func (c *Criteria) renderIn(b *strings.Builder, full bool, outer string) {
	if full {
		k := c.params.Key()
		if k != "" && k != outer {
			b.WriteString("[" + k + "] ")
		}
		outer = k
	}
	if c.transform != nil {
		b.WriteString(renderTransform(c.transform))
		b.WriteString(" (")
		c.withoutTransform().renderIn(b, full, outer)
		b.WriteByte(')')
		return
	}
	c.renderNode(b, full, outer)
}

func (c *Criteria) renderNode(b *strings.Builder, full bool, outer string) {
	switch c.op {
	case OpNone:
		if c.left != nil {
			c.left.renderIn(b, full, outer)
			return
		}
		if strings.HasPrefix(c.token, "${") {
			b.WriteString(c.token)
			return
		}
		b.WriteByte('{')
		b.WriteString(c.token)
		b.WriteByte('}')
	case OpAnd, OpOr:
		b.WriteByte('(')
		c.left.renderIn(b, full, outer)
		b.WriteString(" " + c.op.Label() + " ")
		c.rightCriteria().renderIn(b, full, outer)
		b.WriteByte(')')
	case OpNot:
		b.WriteString("NOT (")
		c.left.renderIn(b, full, outer)
		b.WriteByte(')')
	default:
		c.left.renderIn(b, full, outer)
		b.WriteString(" " + queryKeyword(c.op) + " ")
		b.WriteString(renderOperand(c.right, full))
	}
}

func renderTransform(t *Transform) string {
	switch t.Kind {
	case OpFirst, OpLast:
		if t.Count > 1 {
			return fmt.Sprintf("%s %d FROM", t.Kind.Label(), t.Count)
		}
	}
	return t.Kind.Label()
}

// queryKeyword is the query language spelling of a comparison or temporal
// operator.
func queryKeyword(op Operator) string {
	switch op {
	case OpEquals:
		return "="
	case OpLT:
		return "<"
	case OpLTE:
		return "<="
	case OpGT:
		return ">"
	case OpGTE:
		return ">="
	}
	return op.Label()
}

func renderOperand(o Operand, full bool) string {
	switch v := o.(type) {
	case Number:
		return strconv.FormatFloat(float64(v), 'f', -1, 64)
	case Text:
		return strconv.Quote(string(v))
	case Bool:
		return strings.ToUpper(strconv.FormatBool(bool(v)))
	case Date:
		return formatDate(time.Time(v))
	case Coded:
		if full && v.System != "" {
			return "{" + v.System + "|" + Code(v).key() + "}"
		}
		return "{" + Code(v).key() + "}"
	case Duration:
		return v.String()
	case List:
		parts := make([]string, len(v))
		for i, e := range v {
			parts[i] = renderOperand(e, full)
		}
		return "(" + strings.Join(parts, ", ") + ")"
	case *Criteria:
		if full {
			return v.Key()
		}
		return v.String()
	}
	return ""
}

func formatDate(t time.Time) string {
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 && t.Location() == time.UTC {
		return t.Format("2006-01-02")
	}
	return t.Format(time.RFC3339Nano)
}
