package logic

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Query language parser
//
// Grammar (keywords are case-insensitive):
//
//	expr      := and { OR and }
//	and       := unary { AND unary }
//	unary     := NOT unary | primary
//	primary   := [aggregate] ( '(' expr ')' | token ) { postfix }
//	aggregate := (LAST | LATEST | FIRST | EARLIEST) [n FROM]
//	           | EXISTS | NOT EXISTS | COUNT | AVERAGE | DISTINCT
//	token     := '{' text '}' | quoted | '${' SRC '::' KEY '}' | word { word }
//	postfix   := cmp value | WITHIN n UNITS | BEFORE date | AFTER date
//	           | AS OF date | BETWEEN date AND date | CONTAINS value
//	           | IN '(' value { ',' value } ')'
//	cmp       := < | <= | > | >= | = | == | <> | != | LT | LTE | GT | GTE | EQ | NE
//
// An aggregate applies to the whole primary it prefixes, so
// "LAST {CD4 COUNT} < 200" is the most recent CD4 COUNT below 200.
// ---------------------------------------------------------------------------

type lexKind int

const (
	lexWord   lexKind = iota // unquoted run of word characters
	lexString                // quoted string, quotes stripped
	lexBraced                // {...} or ${...}
	lexCmp                   // symbolic comparator
	lexLParen
	lexRParen
	lexComma
)

type lexToken struct {
	kind  lexKind
	value string
	pos   int
}

// is reports whether the token is the given keyword.
func (t lexToken) is(kw string) bool {
	return t.kind == lexWord && strings.EqualFold(t.value, kw)
}

func isWordChar(ch byte) bool {
	switch {
	case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		return true
	}
	switch ch {
	case '_', '.', ':', '@', '-', '+', '/', '%', '#':
		return true
	}
	return false
}

func tokenizeQuery(query string) ([]lexToken, error) {
	var tokens []lexToken
	i, n := 0, len(query)
	for i < n {
		ch := query[i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			i++
		case ch == '(':
			tokens = append(tokens, lexToken{lexLParen, "(", i})
			i++
		case ch == ')':
			tokens = append(tokens, lexToken{lexRParen, ")", i})
			i++
		case ch == ',':
			tokens = append(tokens, lexToken{lexComma, ",", i})
			i++
		case ch == '{' || (ch == '$' && i+1 < n && query[i+1] == '{'):
			start := i
			end := strings.IndexByte(query[i:], '}')
			if end < 0 {
				return nil, &ParseError{Query: query, Pos: i, Msg: "unterminated '{'"}
			}
			body := query[i : i+end+1]
			if ch == '{' {
				body = strings.TrimSpace(body[1 : len(body)-1])
			}
			tokens = append(tokens, lexToken{lexBraced, body, start})
			i += end + 1
		case ch == '"' || ch == '\'':
			start := i
			end := strings.IndexByte(query[i+1:], ch)
			if end < 0 {
				return nil, &ParseError{Query: query, Pos: i, Msg: "unterminated string"}
			}
			tokens = append(tokens, lexToken{lexString, query[i+1 : i+1+end], start})
			i += end + 2
		case ch == '<' || ch == '>' || ch == '=' || ch == '!':
			start := i
			op := string(ch)
			if i+1 < n {
				two := query[i : i+2]
				switch two {
				case "<=", ">=", "==", "<>", "!=":
					op = two
				}
			}
			if op == "!" {
				return nil, &ParseError{Query: query, Pos: i, Msg: "unexpected '!'"}
			}
			tokens = append(tokens, lexToken{lexCmp, op, start})
			i += len(op)
		case isWordChar(ch):
			start := i
			for i < n && isWordChar(query[i]) {
				i++
			}
			tokens = append(tokens, lexToken{lexWord, query[start:i], start})
		default:
			return nil, &ParseError{Query: query, Pos: i, Msg: fmt.Sprintf("unexpected character %q", ch)}
		}
	}
	return tokens, nil
}

// tokenStops are keywords that end an unbraced multi-word token.
var tokenStops = map[string]bool{
	"AND": true, "OR": true, "WITHIN": true, "BEFORE": true, "AFTER": true,
	"BETWEEN": true, "CONTAINS": true, "IN": true, "LT": true, "LTE": true,
	"GT": true, "GTE": true, "EQ": true, "NE": true,
}

type queryParser struct {
	query  string
	tokens []lexToken
	pos    int
	now    time.Time
}

// Parse parses a query expression into Criteria.
func Parse(query string) (*Criteria, error) {
	return ParseAt(query, time.Now())
}

// ParseAt parses a query expression, resolving TODAY against now.
func ParseAt(query string, now time.Time) (*Criteria, error) {
	tokens, err := tokenizeQuery(query)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, &ParseError{Query: query, Pos: 0, Msg: "empty query"}
	}
	p := &queryParser{query: query, tokens: tokens, now: now}
	c, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t != nil {
		return nil, p.errorf(t, "unexpected %q", t.value)
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *queryParser) peek() *lexToken {
	if p.pos >= len(p.tokens) {
		return nil
	}
	return &p.tokens[p.pos]
}

func (p *queryParser) peekAt(off int) *lexToken {
	if p.pos+off >= len(p.tokens) {
		return nil
	}
	return &p.tokens[p.pos+off]
}

func (p *queryParser) next() *lexToken {
	t := p.peek()
	if t != nil {
		p.pos++
	}
	return t
}

func (p *queryParser) errorf(t *lexToken, format string, args ...any) error {
	pos := len(p.query)
	if t != nil {
		pos = t.pos
	}
	return &ParseError{Query: p.query, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *queryParser) expectKeyword(kw string) error {
	t := p.next()
	if t == nil || !t.is(kw) {
		return p.errorf(t, "expected %s", kw)
	}
	return nil
}

func (p *queryParser) parseOr() (*Criteria, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for t := p.peek(); t != nil && t.is("OR"); t = p.peek() {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = left.Or(right)
	}
	return left, nil
}

func (p *queryParser) parseAnd() (*Criteria, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for t := p.peek(); t != nil && t.is("AND"); t = p.peek() {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = left.And(right)
	}
	return left, nil
}

func (p *queryParser) parseUnary() (*Criteria, error) {
	t := p.peek()
	if t != nil && t.is("NOT") {
		if nt := p.peekAt(1); nt == nil || !(nt.is("EXISTS") || nt.is("EXIST")) {
			p.next()
			c, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			return c.Not(), nil
		}
	}
	return p.parsePrimary()
}

func (p *queryParser) parsePrimary() (*Criteria, error) {
	agg, err := p.parseAggregate()
	if err != nil {
		return nil, err
	}

	var c *Criteria
	t := p.peek()
	switch {
	case t == nil:
		return nil, p.errorf(nil, "expected token")
	case t.kind == lexLParen:
		p.next()
		if c, err = p.parseOr(); err != nil {
			return nil, err
		}
		if rt := p.next(); rt == nil || rt.kind != lexRParen {
			return nil, p.errorf(rt, "expected ')'")
		}
	case t.kind == lexBraced || t.kind == lexString:
		p.next()
		c = Token(t.value)
	case t.kind == lexWord:
		c = Token(p.parseWords())
	default:
		return nil, p.errorf(t, "unexpected %q", t.value)
	}

	if c, err = p.parsePostfix(c); err != nil {
		return nil, err
	}
	if agg != nil {
		c = c.withTransform(agg.Kind, []int{agg.Count})
	}
	return c, c.Err()
}

// parseWords joins consecutive words up to a keyword into one token.
func (p *queryParser) parseWords() string {
	var words []string
	for t := p.peek(); t != nil && t.kind == lexWord; t = p.peek() {
		up := strings.ToUpper(t.value)
		if len(words) > 0 && tokenStops[up] {
			break
		}
		if len(words) > 0 && up == "AS" {
			if nt := p.peekAt(1); nt != nil && nt.is("OF") {
				break
			}
		}
		words = append(words, t.value)
		p.next()
	}
	return strings.Join(words, " ")
}

func (p *queryParser) parseAggregate() (*Transform, error) {
	t := p.peek()
	if t == nil || t.kind != lexWord {
		return nil, nil
	}
	var kind Operator
	switch strings.ToUpper(t.value) {
	case "LAST", "LATEST":
		kind = OpLast
	case "FIRST", "EARLIEST":
		kind = OpFirst
	case "EXISTS", "EXIST":
		kind = OpExists
	case "COUNT":
		kind = OpCount
	case "AVERAGE", "AVG":
		kind = OpAverage
	case "DISTINCT":
		kind = OpDistinct
	case "NOT":
		p.next()
		p.next()
		return &Transform{Kind: OpNotExists, Count: 1}, nil
	default:
		return nil, nil
	}
	p.next()
	count := 1
	if kind == OpFirst || kind == OpLast {
		if nt, ft := p.peek(), p.peekAt(1); nt != nil && ft != nil && ft.is("FROM") {
			n, err := strconv.Atoi(nt.value)
			if err != nil || n < 1 {
				return nil, p.errorf(nt, "expected positive count, got %q", nt.value)
			}
			count = n
			p.pos += 2
		}
	}
	return &Transform{Kind: kind, Count: count}, nil
}

func (p *queryParser) parsePostfix(c *Criteria) (*Criteria, error) {
	for {
		t := p.peek()
		if t == nil {
			return c, nil
		}
		if t.kind == lexCmp {
			p.next()
			v, err := p.parseValue()
			if err != nil {
				return nil, err
			}
			c = applyComparator(c, t.value, v)
			continue
		}
		if t.kind != lexWord {
			return c, nil
		}
		switch strings.ToUpper(t.value) {
		case "LT", "LTE", "GT", "GTE", "EQ", "NE":
			p.next()
			v, err := p.parseValue()
			if err != nil {
				return nil, err
			}
			c = applyComparator(c, strings.ToUpper(t.value), v)
		case "CONTAINS":
			p.next()
			v, err := p.parseValue()
			if err != nil {
				return nil, err
			}
			c = c.Contains(v)
		case "IN":
			p.next()
			vals, err := p.parseValueList()
			if err != nil {
				return nil, err
			}
			c = c.In(vals...)
		case "WITHIN":
			p.next()
			d, err := p.parseDuration()
			if err != nil {
				return nil, err
			}
			c = c.Within(d)
		case "BEFORE":
			p.next()
			d, err := p.parseDate()
			if err != nil {
				return nil, err
			}
			c = c.Before(d)
		case "AFTER":
			p.next()
			d, err := p.parseDate()
			if err != nil {
				return nil, err
			}
			c = c.After(d)
		case "AS":
			p.next()
			if err := p.expectKeyword("OF"); err != nil {
				return nil, err
			}
			d, err := p.parseDate()
			if err != nil {
				return nil, err
			}
			c = c.AsOf(d)
		case "BETWEEN":
			p.next()
			lo, err := p.parseDate()
			if err != nil {
				return nil, err
			}
			if err := p.expectKeyword("AND"); err != nil {
				return nil, err
			}
			hi, err := p.parseDate()
			if err != nil {
				return nil, err
			}
			if hi.Before(lo) {
				lo, hi = hi, lo
			}
			c = c.After(lo).Before(hi)
		default:
			return c, nil
		}
		if err := c.Err(); err != nil {
			return nil, err
		}
	}
}

func applyComparator(c *Criteria, cmp string, v any) *Criteria {
	switch cmp {
	case "<", "LT":
		return c.LT(v)
	case "<=", "LTE":
		return c.LTE(v)
	case ">", "GT":
		return c.GT(v)
	case ">=", "GTE":
		return c.GTE(v)
	case "<>", "!=", "NE":
		return c.EqualTo(v).Not()
	}
	return c.EqualTo(v)
}

func (p *queryParser) parseValue() (any, error) {
	t := p.next()
	if t == nil {
		return nil, p.errorf(nil, "expected value")
	}
	switch t.kind {
	case lexString:
		return Text(t.value), nil
	case lexBraced:
		return Coded(Code{Value: t.value}), nil
	case lexWord:
		if f, err := strconv.ParseFloat(t.value, 64); err == nil {
			return Number(f), nil
		}
		switch strings.ToUpper(t.value) {
		case "TRUE":
			return Bool(true), nil
		case "FALSE":
			return Bool(false), nil
		case "TODAY":
			return Date(today(p.now)), nil
		}
		if strings.Contains(t.value, "-") {
			if d, err := parseQueryDate(t.value); err == nil {
				return Date(d), nil
			}
		}
		return Coded(Code{Value: t.value}), nil
	}
	return nil, p.errorf(t, "unexpected %q", t.value)
}

func (p *queryParser) parseValueList() ([]any, error) {
	if t := p.next(); t == nil || t.kind != lexLParen {
		return nil, p.errorf(t, "expected '('")
	}
	var vals []any
	for {
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
		t := p.next()
		if t == nil {
			return nil, p.errorf(nil, "expected ')'")
		}
		if t.kind == lexRParen {
			return vals, nil
		}
		if t.kind != lexComma {
			return nil, p.errorf(t, "expected ',' or ')'")
		}
	}
}

func (p *queryParser) parseDuration() (Duration, error) {
	t := p.next()
	if t == nil || t.kind != lexWord {
		return Duration{}, p.errorf(t, "expected duration value")
	}
	v, err := strconv.ParseFloat(t.value, 64)
	if err != nil {
		return Duration{}, p.errorf(t, "invalid duration value %q", t.value)
	}
	ut := p.next()
	if ut == nil || ut.kind != lexWord {
		return Duration{}, p.errorf(ut, "expected duration units")
	}
	u, err := ParseUnits(ut.value)
	if err != nil {
		return Duration{}, p.errorf(ut, "%v", err)
	}
	return Duration{Value: v, Units: u}, nil
}

func (p *queryParser) parseDate() (time.Time, error) {
	t := p.next()
	if t == nil || (t.kind != lexWord && t.kind != lexString) {
		return time.Time{}, p.errorf(t, "expected date")
	}
	if t.is("TODAY") {
		return today(p.now), nil
	}
	d, err := parseQueryDate(t.value)
	if err != nil {
		return time.Time{}, p.errorf(t, "invalid date %q", t.value)
	}
	return d, nil
}

func today(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// parseQueryDate accepts RFC 3339 timestamps and partial dates.
func parseQueryDate(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02",
		"2006-01",
		"2006",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format: %s", s)
}
