package logic

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Datatype is the value kind of an Atom or the default kind of a rule.
type Datatype int

const (
	DatatypeNone Datatype = iota
	DatatypeBoolean
	DatatypeCoded
	DatatypeDatetime
	DatatypeNumeric
	DatatypeText
)

var datatypeNames = map[Datatype]string{
	DatatypeNone:     "none",
	DatatypeBoolean:  "boolean",
	DatatypeCoded:    "coded",
	DatatypeDatetime: "datetime",
	DatatypeNumeric:  "numeric",
	DatatypeText:     "text",
}

func (d Datatype) String() string { return datatypeNames[d] }

func (d Datatype) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Datatype) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseDatatype(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// ParseDatatype accepts a datatype name in any case. The empty string is
// DatatypeNone.
func ParseDatatype(s string) (Datatype, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DatatypeNone, nil
	}
	for d, name := range datatypeNames {
		if name == s {
			return d, nil
		}
	}
	return DatatypeNone, fmt.Errorf("unknown datatype %q", s)
}

// Code is a coded clinical value.
type Code struct {
	System  string `json:"system,omitempty"`
	Value   string `json:"code"`
	Display string `json:"display,omitempty"`
}

// IsZero reports whether the code carries no value.
func (c Code) IsZero() bool { return c.Value == "" && c.Display == "" }

// Matches reports whether c carries the code value named by other, or its
// display ignoring case. Systems are compared only when both are set.
func (c Code) Matches(other Code) bool {
	if c.System != "" && other.System != "" && c.System != other.System {
		return false
	}
	k := other.key()
	return c.Value == k || strings.EqualFold(c.Display, k)
}

func (c Code) key() string {
	if c.Value != "" {
		return c.Value
	}
	return c.Display
}

func (c Code) String() string {
	if c.Display != "" {
		return c.Display
	}
	return c.Value
}

// Atom is a single typed value observed at a point in time.
type Atom struct {
	Datatype   Datatype
	Number     float64
	Text       string
	Code       Code
	Datetime   time.Time
	Bool       bool
	ObservedAt time.Time
	CreatedAt  time.Time
	ID         string
}

func NumberAtom(v float64, at time.Time) Atom {
	return Atom{Datatype: DatatypeNumeric, Number: v, ObservedAt: at}
}

func TextAtom(v string, at time.Time) Atom {
	return Atom{Datatype: DatatypeText, Text: v, ObservedAt: at}
}

func CodedAtom(v Code, at time.Time) Atom {
	return Atom{Datatype: DatatypeCoded, Code: v, ObservedAt: at}
}

func DatetimeAtom(v time.Time, at time.Time) Atom {
	return Atom{Datatype: DatatypeDatetime, Datetime: v, ObservedAt: at}
}

func BooleanAtom(v bool, at time.Time) Atom {
	return Atom{Datatype: DatatypeBoolean, Bool: v, ObservedAt: at}
}

// ToBoolean coerces a single atom.
func (a Atom) ToBoolean() bool {
	switch a.Datatype {
	case DatatypeBoolean:
		return a.Bool
	case DatatypeCoded:
		return !a.Code.IsZero()
	case DatatypeDatetime:
		return !a.Datetime.IsZero()
	case DatatypeNumeric:
		return a.Number != 0
	case DatatypeText:
		return a.Text != ""
	}
	return false
}

// ToNumber coerces a single atom. Datetimes become Unix milliseconds.
func (a Atom) ToNumber() (float64, bool) {
	switch a.Datatype {
	case DatatypeNumeric:
		return a.Number, true
	case DatatypeBoolean:
		if a.Bool {
			return 1, true
		}
		return 0, true
	case DatatypeDatetime:
		if a.Datetime.IsZero() {
			return 0, false
		}
		return float64(a.Datetime.UnixMilli()), true
	case DatatypeText:
		f, err := strconv.ParseFloat(strings.TrimSpace(a.Text), 64)
		return f, err == nil
	}
	return 0, false
}

// ToText renders the value of a single atom.
func (a Atom) ToText() string {
	switch a.Datatype {
	case DatatypeNumeric:
		return strconv.FormatFloat(a.Number, 'f', -1, 64)
	case DatatypeBoolean:
		return strconv.FormatBool(a.Bool)
	case DatatypeDatetime:
		if a.Datetime.IsZero() {
			return ""
		}
		return a.Datetime.Format(time.RFC3339)
	case DatatypeCoded:
		return a.Code.String()
	case DatatypeText:
		return a.Text
	}
	return ""
}

// sameValue reports whether two atoms are exact duplicates, ignoring the
// row identity fields.
func (a Atom) sameValue(b Atom) bool {
	return a.Datatype == b.Datatype &&
		a.Number == b.Number &&
		a.Text == b.Text &&
		a.Code == b.Code &&
		a.Datetime.Equal(b.Datetime) &&
		a.Bool == b.Bool &&
		a.ObservedAt.Equal(b.ObservedAt)
}

type atomJSON struct {
	Type       Datatype   `json:"type"`
	Value      any        `json:"value"`
	ObservedAt *time.Time `json:"observed_at,omitempty"`
}

func (a Atom) MarshalJSON() ([]byte, error) {
	out := atomJSON{Type: a.Datatype}
	switch a.Datatype {
	case DatatypeNumeric:
		out.Value = a.Number
	case DatatypeBoolean:
		out.Value = a.Bool
	case DatatypeDatetime:
		out.Value = a.Datetime
	case DatatypeCoded:
		out.Value = a.Code
	case DatatypeText:
		out.Value = a.Text
	}
	if !a.ObservedAt.IsZero() {
		at := a.ObservedAt
		out.ObservedAt = &at
	}
	return json.Marshal(out)
}

// compareAtoms orders atoms by observation time, then creation time, then
// ID. Zero timestamps sort last in both directions.
func compareAtoms(a, b Atom, asc bool) int {
	if c := compareTime(a.ObservedAt, b.ObservedAt, asc); c != 0 {
		return c
	}
	if c := compareTime(a.CreatedAt, b.CreatedAt, asc); c != 0 {
		return c
	}
	c := strings.Compare(a.ID, b.ID)
	if !asc {
		c = -c
	}
	return c
}

func compareTime(a, b time.Time, asc bool) int {
	switch {
	case a.IsZero() && b.IsZero():
		return 0
	case a.IsZero():
		return 1
	case b.IsZero():
		return -1
	}
	c := a.Compare(b)
	if !asc {
		c = -c
	}
	return c
}

// Result is the ordered, typed, multi-valued outcome of evaluating criteria
// for one patient. The zero value is an empty Result.
type Result struct {
	atoms    []Atom
	concept  string
	datatype Datatype
	err      error
}

// EmptyResult returns a Result with no atoms.
func EmptyResult() Result { return Result{} }

// NewResult returns a Result holding the given atoms in order.
func NewResult(atoms ...Atom) Result {
	if len(atoms) == 0 {
		return Result{}
	}
	cp := make([]Atom, len(atoms))
	copy(cp, atoms)
	return Result{atoms: cp}
}

// ErrorResult marks a patient whose evaluation failed.
func ErrorResult(err error) Result { return Result{err: err} }

func BooleanResult(v bool, at time.Time) Result { return NewResult(BooleanAtom(v, at)) }
func NumberResult(v float64, at time.Time) Result {
	return NewResult(NumberAtom(v, at))
}

// WithConcept returns a copy of r carrying the given concept name.
func (r Result) WithConcept(concept string) Result {
	r.concept = concept
	return r
}

// WithDatatype returns a copy of r carrying a datatype hint.
func (r Result) WithDatatype(d Datatype) Result {
	r.datatype = d
	return r
}

func (r Result) Err() error { return r.err }
func (r Result) Concept() string { return r.concept }
func (r Result) Size() int { return len(r.atoms) }
func (r Result) IsEmpty() bool { return len(r.atoms) == 0 }
func (r Result) Exists() bool { return len(r.atoms) > 0 }
func (r Result) Count() int { return len(r.atoms) }
func (r Result) Atom(i int) Atom { return r.atoms[i] }
func (r Result) String() string { return r.ToText() }
func (r Result) derive(a []Atom) Result {
	return Result{atoms: a, concept: r.concept, datatype: r.datatype}
}

// Atoms returns a copy of the atoms.
func (r Result) Atoms() []Atom {
	out := make([]Atom, len(r.atoms))
	copy(out, r.atoms)
	return out
}

// Datatype returns the hint if set, otherwise the kind of the first atom.
func (r Result) Datatype() Datatype {
	if r.datatype != DatatypeNone {
		return r.datatype
	}
	if len(r.atoms) > 0 {
		return r.atoms[0].Datatype
	}
	return DatatypeNone
}

// Sorted returns the atoms ordered by compareAtoms.
func (r Result) Sorted(asc bool) Result {
	out := r.Atoms()
	sort.SliceStable(out, func(i, j int) bool {
		return compareAtoms(out[i], out[j], asc) < 0
	})
	return r.derive(out)
}

// First returns at most n atoms in ascending time order. n < 1 means 1.
func (r Result) First(n int) Result { return r.Sorted(true).limit(n) }

// Last returns at most n atoms in descending time order. n < 1 means 1.
func (r Result) Last(n int) Result { return r.Sorted(false).limit(n) }

func (r Result) Earliest() Result { return r.First(1) }
func (r Result) Latest() Result { return r.Last(1) }

func (r Result) limit(n int) Result {
	if n < 1 {
		n = 1
	}
	if len(r.atoms) > n {
		r.atoms = r.atoms[:n]
	}
	return r
}

// Distinct drops exact duplicate atoms, keeping the first occurrence.
func (r Result) Distinct() Result {
	out := make([]Atom, 0, len(r.atoms))
	for _, a := range r.atoms {
		dup := false
		for _, b := range out {
			if a.sameValue(b) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, a)
		}
	}
	return r.derive(out)
}

// Filter keeps the atoms for which keep returns true.
func (r Result) Filter(keep func(Atom) bool) Result {
	out := make([]Atom, 0, len(r.atoms))
	for _, a := range r.atoms {
		if keep(a) {
			out = append(out, a)
		}
	}
	return r.derive(out)
}

// Union appends the atoms of other to r.
func (r Result) Union(other Result) Result {
	out := make([]Atom, 0, len(r.atoms)+len(other.atoms))
	out = append(out, r.atoms...)
	out = append(out, other.atoms...)
	res := r.derive(out)
	if res.concept == "" {
		res.concept = other.concept
	}
	return res
}

// ToBoolean is true only when the Result is non-empty and every atom is true.
func (r Result) ToBoolean() bool {
	if len(r.atoms) == 0 {
		return false
	}
	for _, a := range r.atoms {
		if !a.ToBoolean() {
			return false
		}
	}
	return true
}

// ToNumber coerces the first atom.
func (r Result) ToNumber() (float64, bool) {
	if len(r.atoms) == 0 {
		return 0, false
	}
	return r.atoms[0].ToNumber()
}

// ToDatetime returns the datetime of the first atom, or its observation
// time for non-datetime atoms.
func (r Result) ToDatetime() (time.Time, bool) {
	if len(r.atoms) == 0 {
		return time.Time{}, false
	}
	a := r.atoms[0]
	if a.Datatype == DatatypeDatetime {
		return a.Datetime, !a.Datetime.IsZero()
	}
	return a.ObservedAt, !a.ObservedAt.IsZero()
}

// ToText joins the text form of every atom.
func (r Result) ToText() string {
	parts := make([]string, 0, len(r.atoms))
	for _, a := range r.atoms {
		parts = append(parts, a.ToText())
	}
	return strings.Join(parts, ",")
}

// Average is the mean of the numeric-coercible atoms.
func (r Result) Average() (float64, bool) {
	vals := make([]float64, 0, len(r.atoms))
	for _, a := range r.atoms {
		if v, ok := a.ToNumber(); ok {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return 0, false
	}
	return stat.Mean(vals, nil), true
}

// Contains reports whether any atom equals v. v is matched the same way
// as an EqualTo operand.
func (r Result) Contains(v any) bool {
	op, err := toOperand(v)
	if err != nil {
		return false
	}
	for _, a := range r.atoms {
		if atomEquals(a, op) {
			return true
		}
	}
	return false
}

type resultJSON struct {
	Concept  string   `json:"concept,omitempty"`
	Datatype Datatype `json:"datatype"`
	Values   []Atom   `json:"values"`
	Error    string   `json:"error,omitempty"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{
		Concept:  r.concept,
		Datatype: r.Datatype(),
		Values:   r.atoms,
	}
	if out.Values == nil {
		out.Values = []Atom{}
	}
	if r.err != nil {
		out.Error = r.err.Error()
	}
	return json.Marshal(out)
}

// GoString is used by test failure output.
func (r Result) GoString() string {
	return fmt.Sprintf("Result{concept:%q size:%d values:%q err:%v}", r.concept, len(r.atoms), r.ToText(), r.err)
}
