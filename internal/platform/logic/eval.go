package logic

import (
	"strings"
	"time"
)

// In-memory counterparts of the compiled predicates. They apply to Results
// produced by rules, which never pass through a data source compiler.

// applyTransform reduces or reorders r.
func applyTransform(r Result, t *Transform) Result {
	if t == nil {
		return r
	}
	at := latestObserved(r)
	switch t.Kind {
	case OpFirst:
		return r.First(t.Count)
	case OpLast:
		return r.Last(t.Count)
	case OpDistinct:
		return r.Distinct()
	case OpCount:
		return NumberResult(float64(r.Size()), at).WithConcept(r.concept)
	case OpAverage:
		avg, ok := r.Average()
		if !ok {
			return EmptyResult().WithConcept(r.concept)
		}
		return NumberResult(avg, at).WithConcept(r.concept)
	case OpExists:
		return BooleanResult(r.Exists(), at).WithConcept(r.concept)
	case OpNotExists:
		return BooleanResult(!r.Exists(), at).WithConcept(r.concept)
	}
	return r
}

// filterComparison keeps the atoms of r that satisfy the comparison or
// temporal node c. Temporal filters drop atoms without a timestamp.
func filterComparison(r Result, c *Criteria, indexDate time.Time) Result {
	switch c.op {
	case OpBefore:
		d := time.Time(c.right.(Date))
		return r.Filter(func(a Atom) bool { return !a.ObservedAt.IsZero() && a.ObservedAt.Before(d) })
	case OpAfter:
		d := time.Time(c.right.(Date))
		return r.Filter(func(a Atom) bool { return !a.ObservedAt.IsZero() && a.ObservedAt.After(d) })
	case OpAsOf:
		d := time.Time(c.right.(Date))
		return r.Filter(func(a Atom) bool { return !a.ObservedAt.IsZero() && !a.ObservedAt.After(d) })
	case OpWithin:
		lo, hi := c.right.(Duration).Window(indexDate)
		return r.Filter(func(a Atom) bool {
			return !a.ObservedAt.IsZero() && !a.ObservedAt.Before(lo) && !a.ObservedAt.After(hi)
		})
	case OpLT, OpLTE, OpGT, OpGTE:
		return r.Filter(func(a Atom) bool {
			cmp, ok := compareOrdered(a, c.right)
			if !ok {
				return false
			}
			switch c.op {
			case OpLT:
				return cmp < 0
			case OpLTE:
				return cmp <= 0
			case OpGT:
				return cmp > 0
			default:
				return cmp >= 0
			}
		})
	case OpEquals:
		return r.Filter(func(a Atom) bool { return atomEquals(a, c.right) })
	case OpContains:
		return r.Filter(func(a Atom) bool { return atomContains(a, c.right) })
	case OpIn:
		list := c.right.(List)
		return r.Filter(func(a Atom) bool {
			for _, e := range list {
				if atomEquals(a, e) {
					return true
				}
			}
			return false
		})
	}
	return r
}

// compareOrdered compares an atom against a Number or Date operand.
func compareOrdered(a Atom, o Operand) (int, bool) {
	switch v := o.(type) {
	case Number:
		n, ok := a.ToNumber()
		if !ok || a.Datatype == DatatypeDatetime {
			return 0, false
		}
		switch {
		case n < float64(v):
			return -1, true
		case n > float64(v):
			return 1, true
		}
		return 0, true
	case Date:
		t := atomTime(a)
		if t.IsZero() {
			return 0, false
		}
		return t.Compare(time.Time(v)), true
	}
	return 0, false
}

func atomTime(a Atom) time.Time {
	if a.Datatype == DatatypeDatetime {
		return a.Datetime
	}
	return a.ObservedAt
}

func atomEquals(a Atom, o Operand) bool {
	switch v := o.(type) {
	case Number:
		n, ok := a.ToNumber()
		return ok && a.Datatype != DatatypeDatetime && n == float64(v)
	case Text:
		if a.Datatype == DatatypeCoded {
			return a.Code.Matches(Code{Value: string(v)})
		}
		return a.Datatype == DatatypeText && a.Text == string(v)
	case Coded:
		switch a.Datatype {
		case DatatypeCoded:
			return a.Code.Matches(Code(v))
		case DatatypeText:
			return strings.EqualFold(a.Text, Code(v).key())
		}
		return false
	case Date:
		t := atomTime(a)
		return !t.IsZero() && t.Equal(time.Time(v))
	case Bool:
		return a.Datatype == DatatypeBoolean && a.Bool == bool(v)
	}
	return false
}

func atomContains(a Atom, o Operand) bool {
	if v, ok := o.(Text); ok {
		return strings.Contains(strings.ToLower(a.ToText()), strings.ToLower(string(v)))
	}
	return atomEquals(a, o)
}

func latestObserved(results ...Result) time.Time {
	var latest time.Time
	for _, r := range results {
		for _, a := range r.atoms {
			if a.ObservedAt.After(latest) {
				latest = a.ObservedAt
			}
		}
	}
	return latest
}
