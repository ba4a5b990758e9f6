package db

import (
	"fmt"
	"strings"
)

// Query builds a filtered SELECT with a matching COUNT for paged listings.
// Clauses use $n placeholders numbered in the order they are added.
type Query struct {
	table   string
	cols    string
	where   []string
	args    []interface{}
	orderBy string
}

func NewQuery(table, cols string) *Query {
	return &Query{table: table, cols: cols}
}

// Next returns the placeholder index the next argument will take.
func (q *Query) Next() int { return len(q.args) + 1 }

// Add appends a raw clause. Placeholders inside it must start at Next().
func (q *Query) Add(clause string, args ...interface{}) {
	q.where = append(q.where, clause)
	q.args = append(q.args, args...)
}

// Eq adds "column = $n".
func (q *Query) Eq(column string, value interface{}) {
	q.Add(fmt.Sprintf("%s = $%d", column, q.Next()), value)
}

// Cmp adds "column <op> $n" for op in <, <=, >, >=.
func (q *Query) Cmp(column, op string, value interface{}) {
	q.Add(fmt.Sprintf("%s %s $%d", column, op, q.Next()), value)
}

func (q *Query) OrderBy(orderBy string) { q.orderBy = orderBy }

func (q *Query) whereSQL() string {
	if len(q.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.where, " AND ")
}

func (q *Query) CountSQL() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s%s", q.table, q.whereSQL())
}

func (q *Query) Args() []interface{} { return q.args }

// SelectSQL returns the unpaged data query.
func (q *Query) SelectSQL() string {
	sql := fmt.Sprintf("SELECT %s FROM %s%s", q.cols, q.table, q.whereSQL())
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	return sql
}

// DataSQL returns the data query with LIMIT and OFFSET placeholders appended.
func (q *Query) DataSQL() string {
	return q.SelectSQL() + fmt.Sprintf(" LIMIT $%d OFFSET $%d", q.Next(), q.Next()+1)
}

// DataArgs returns the filter args followed by limit and offset.
func (q *Query) DataArgs(limit, offset int) []interface{} {
	out := make([]interface{}, 0, len(q.args)+2)
	out = append(out, q.args...)
	return append(out, limit, offset)
}
