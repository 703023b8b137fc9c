package logic

import (
	"fmt"
	"strings"
)

// SelectQuery accumulates a parameterized SELECT against one table.
type SelectQuery struct {
	table      string
	cols       string
	where      string
	args       []interface{}
	idx        int
	orderBy    string
	distinctOn string
}

// NewSelectQuery creates a SelectQuery for the given table and columns.
func NewSelectQuery(table, cols string) *SelectQuery {
	return &SelectQuery{
		table: table,
		cols:  cols,
		idx:   1,
	}
}

// Idx returns the next available parameter index.
func (q *SelectQuery) Idx() int { return q.idx }

// Add appends a WHERE clause fragment (without leading "AND") whose
// placeholders start at Idx.
func (q *SelectQuery) Add(clause string, args ...interface{}) {
	q.where += " AND " + clause
	q.args = append(q.args, args...)
	q.idx += len(args)
}

// AddStatic appends a WHERE clause fragment that takes no arguments.
func (q *SelectQuery) AddStatic(clause string) {
	q.where += " AND " + clause
}

// OrderBy sets the ORDER BY clause (without the "ORDER BY" keyword).
func (q *SelectQuery) OrderBy(orderBy string) {
	q.orderBy = orderBy
}

// DistinctOn sets the DISTINCT ON expression list.
func (q *SelectQuery) DistinctOn(exprs ...string) {
	q.distinctOn = strings.Join(exprs, ", ")
}

// SQL returns the full query.
func (q *SelectQuery) SQL() string {
	var b strings.Builder
	b.WriteString("SELECT ")
	if q.distinctOn != "" {
		fmt.Fprintf(&b, "DISTINCT ON (%s) ", q.distinctOn)
	}
	fmt.Fprintf(&b, "%s FROM %s WHERE 1=1%s", q.cols, q.table, q.where)
	if q.orderBy != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(q.orderBy)
	}
	return b.String()
}

// Args returns the query arguments in placeholder order.
func (q *SelectQuery) Args() []interface{} {
	return q.args
}
