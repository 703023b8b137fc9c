package logic

// Category groups operators by how the evaluator treats them.
type Category int

const (
	CategoryNone Category = iota
	CategoryLogical
	CategoryComparison
	CategoryTemporal
	CategoryTransform
)

func (c Category) String() string {
	switch c {
	case CategoryLogical:
		return "LOGICAL"
	case CategoryComparison:
		return "COMPARISON"
	case CategoryTemporal:
		return "TEMPORAL"
	case CategoryTransform:
		return "TRANSFORM"
	default:
		return "NONE"
	}
}

// Operator is the closed set of criteria operators. The zero value OpNone
// marks a bare token reference.
type Operator int

const (
	OpNone Operator = iota

	// Logical
	OpAnd
	OpOr
	OpNot

	// Comparison
	OpEquals
	OpLT
	OpLTE
	OpGT
	OpGTE
	OpBefore
	OpAfter
	OpWithin
	OpIn
	OpContains

	// Temporal anchor
	OpAsOf

	// Transform
	OpFirst
	OpLast
	OpDistinct
	OpCount
	OpAverage
	OpExists
	OpNotExists

	opSentinel
)

type operatorInfo struct {
	label    string
	category Category
}

var operatorTable = [opSentinel]operatorInfo{
	OpNone:      {"NONE", CategoryNone},
	OpAnd:       {"AND", CategoryLogical},
	OpOr:        {"OR", CategoryLogical},
	OpNot:       {"NOT", CategoryLogical},
	OpEquals:    {"EQUALS", CategoryComparison},
	OpLT:        {"LESS THAN", CategoryComparison},
	OpLTE:       {"LESS THAN EQUALS", CategoryComparison},
	OpGT:        {"GREATER THAN", CategoryComparison},
	OpGTE:       {"GREATER THAN EQUALS", CategoryComparison},
	OpBefore:    {"BEFORE", CategoryComparison},
	OpAfter:     {"AFTER", CategoryComparison},
	OpWithin:    {"WITHIN", CategoryComparison},
	OpIn:        {"IN", CategoryComparison},
	OpContains:  {"CONTAINS", CategoryComparison},
	OpAsOf:      {"AS OF", CategoryTemporal},
	OpFirst:     {"FIRST", CategoryTransform},
	OpLast:      {"LAST", CategoryTransform},
	OpDistinct:  {"DISTINCT", CategoryTransform},
	OpCount:     {"COUNT", CategoryTransform},
	OpAverage:   {"AVERAGE", CategoryTransform},
	OpExists:    {"EXISTS", CategoryTransform},
	OpNotExists: {"NOT EXISTS", CategoryTransform},
}

// Operators returns every operator variant except OpNone.
func Operators() []Operator {
	ops := make([]Operator, 0, int(opSentinel)-1)
	for op := OpAnd; op < opSentinel; op++ {
		ops = append(ops, op)
	}
	return ops
}

// Valid reports whether op is a defined variant.
func (op Operator) Valid() bool { return op >= OpNone && op < opSentinel }

// Label returns the stable display string of the operator.
func (op Operator) Label() string {
	if !op.Valid() {
		return "INVALID"
	}
	return operatorTable[op].label
}

// Category returns the fixed category of the operator.
func (op Operator) Category() Category {
	if !op.Valid() {
		return CategoryNone
	}
	return operatorTable[op].category
}

func (op Operator) String() string { return op.Label() }

// IsLogical reports whether op is AND, OR or NOT.
func (op Operator) IsLogical() bool { return op.Category() == CategoryLogical }

// IsTransform reports whether op is a transform.
func (op Operator) IsTransform() bool { return op.Category() == CategoryTransform }

// ordering reports whether a transform requests an execution-level order-by.
func (op Operator) ordering() bool { return op == OpFirst || op == OpLast }

// deferred reports whether a transform is resolved by the evaluator on a
// fully evaluated Result instead of by a data source.
func (op Operator) deferred() bool {
	switch op {
	case OpCount, OpAverage, OpExists, OpNotExists:
		return true
	}
	return false
}
