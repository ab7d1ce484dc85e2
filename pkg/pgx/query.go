package pgx

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// TableRef identifies a table or view.
type TableRef struct {
	Schema string
	Name   string
}

// Sanitize returns the quoted "schema"."name" identifier.
func (t TableRef) Sanitize() string {
	if t.Schema == "" {
		return pgx.Identifier{"public", t.Name}.Sanitize()
	}
	return pgx.Identifier{t.Schema, t.Name}.Sanitize()
}

// Op is a PostgREST-style filter operator.
type Op string

const (
	OpEq    Op = "eq"
	OpNeq   Op = "neq"
	OpGt    Op = "gt"
	OpGte   Op = "gte"
	OpLt    Op = "lt"
	OpLte   Op = "lte"
	OpLike  Op = "like"
	OpILike Op = "ilike"
	OpIn    Op = "in"
	OpIs    Op = "is"
)

var sqlOperators = map[Op]string{
	OpEq:    "=",
	OpNeq:   "<>",
	OpGt:    ">",
	OpGte:   ">=",
	OpLt:    "<",
	OpLte:   "<=",
	OpLike:  "LIKE",
	OpILike: "ILIKE",
	OpIn:    "IN",
	OpIs:    "IS",
}

// ParseOp reports the operator for a name such as "gte".
func ParseOp(s string) (Op, bool) {
	op := Op(s)
	_, ok := sqlOperators[op]
	return op, ok
}

// Filter is a single column condition. Filters in a Query are ANDed.
// For OpIn, Value holds a []any; for OpIs it is nil, true or false.
type Filter struct {
	Column string
	Op     Op
	Value  any
	Not    bool
}

// Order is an ORDER BY term.
type Order struct {
	Column     string
	Desc       bool
	NullsFirst bool
}

// Query describes a SELECT.
type Query struct {
	Columns []string // empty selects all columns
	Filters []Filter
	Order   []Order
	Limit   int // 0 means no limit
	Offset  int
}

type queryBuilder struct {
	args      []any
	nextIndex int
}

func newQueryBuilder() *queryBuilder {
	return &queryBuilder{nextIndex: 1}
}

func (qb *queryBuilder) bind(value any) string {
	placeholder := fmt.Sprintf("$%d", qb.nextIndex)
	qb.nextIndex++
	qb.args = append(qb.args, value)
	return placeholder
}

func (qb *queryBuilder) where(filters []Filter) (string, error) {
	if len(filters) == 0 {
		return "", nil
	}

	clauses := make([]string, 0, len(filters))
	for _, f := range filters {
		clause, err := qb.condition(f)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, clause)
	}
	return " WHERE " + strings.Join(clauses, " AND "), nil
}

func (qb *queryBuilder) condition(f Filter) (string, error) {
	sqlOp, ok := sqlOperators[f.Op]
	if !ok {
		return "", fmt.Errorf("unsupported operator %q", f.Op)
	}
	col := pgx.Identifier{f.Column}.Sanitize()

	var clause string
	switch f.Op {
	case OpIs:
		switch f.Value {
		case nil:
			clause = col + " IS NULL"
		case true:
			clause = col + " IS TRUE"
		case false:
			clause = col + " IS FALSE"
		default:
			return "", fmt.Errorf("invalid value for is: %v", f.Value)
		}
	case OpIn:
		values, ok := f.Value.([]any)
		if !ok || len(values) == 0 {
			return "", fmt.Errorf("in filter on %s needs a non-empty list", f.Column)
		}
		placeholders := make([]string, len(values))
		for i, v := range values {
			placeholders[i] = qb.bind(v)
		}
		clause = fmt.Sprintf("%s IN (%s)", col, strings.Join(placeholders, ", "))
	default:
		clause = fmt.Sprintf("%s %s %s", col, sqlOp, qb.bind(f.Value))
	}

	if f.Not {
		clause = "NOT (" + clause + ")"
	}
	return clause, nil
}

func quoteColumns(columns []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}

// BuildSelect returns the SQL and arguments for q against table.
func BuildSelect(table TableRef, q Query) (string, []any, error) {
	qb := newQueryBuilder()
	var query strings.Builder

	query.WriteString("SELECT ")
	if len(q.Columns) > 0 {
		query.WriteString(quoteColumns(q.Columns))
	} else {
		query.WriteString("*")
	}
	query.WriteString(" FROM ")
	query.WriteString(table.Sanitize())

	where, err := qb.where(q.Filters)
	if err != nil {
		return "", nil, err
	}
	query.WriteString(where)

	if len(q.Order) > 0 {
		terms := make([]string, len(q.Order))
		for i, o := range q.Order {
			dir, nulls := "ASC", "LAST"
			if o.Desc {
				dir = "DESC"
			}
			if o.NullsFirst {
				nulls = "FIRST"
			}
			terms[i] = fmt.Sprintf("%s %s NULLS %s", pgx.Identifier{o.Column}.Sanitize(), dir, nulls)
		}
		query.WriteString(" ORDER BY ")
		query.WriteString(strings.Join(terms, ", "))
	}

	if q.Limit > 0 {
		query.WriteString(" LIMIT " + qb.bind(q.Limit))
	}
	if q.Offset > 0 {
		query.WriteString(" OFFSET " + qb.bind(q.Offset))
	}

	return query.String(), qb.args, nil
}

// BuildCount returns a SELECT count(*) for the filtered table.
func BuildCount(table TableRef, filters []Filter) (string, []any, error) {
	qb := newQueryBuilder()
	where, err := qb.where(filters)
	if err != nil {
		return "", nil, err
	}
	return "SELECT count(*) FROM " + table.Sanitize() + where, qb.args, nil
}

// BuildInsert returns an INSERT ... RETURNING * for data. Columns are
// written in sorted order.
func BuildInsert(table TableRef, data map[string]any) (string, []any, error) {
	qb := newQueryBuilder()
	if len(data) == 0 {
		return "INSERT INTO " + table.Sanitize() + " DEFAULT VALUES RETURNING *", nil, nil
	}

	columns := sortedKeys(data)
	placeholders := make([]string, len(columns))
	for i, c := range columns {
		placeholders[i] = qb.bind(data[c])
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		table.Sanitize(),
		quoteColumns(columns),
		strings.Join(placeholders, ", "),
	)
	return query, qb.args, nil
}

// BuildUpdate returns an UPDATE ... RETURNING * setting data on rows
// matching filters.
func BuildUpdate(table TableRef, data map[string]any, filters []Filter) (string, []any, error) {
	if len(data) == 0 {
		return "", nil, fmt.Errorf("no columns to update")
	}
	qb := newQueryBuilder()

	columns := sortedKeys(data)
	setClauses := make([]string, len(columns))
	for i, c := range columns {
		setClauses[i] = fmt.Sprintf("%s = %s", pgx.Identifier{c}.Sanitize(), qb.bind(data[c]))
	}

	where, err := qb.where(filters)
	if err != nil {
		return "", nil, err
	}

	query := fmt.Sprintf("UPDATE %s SET %s%s RETURNING *",
		table.Sanitize(),
		strings.Join(setClauses, ", "),
		where,
	)
	return query, qb.args, nil
}

// BuildDelete returns a DELETE ... RETURNING * for rows matching filters.
func BuildDelete(table TableRef, filters []Filter) (string, []any, error) {
	qb := newQueryBuilder()
	where, err := qb.where(filters)
	if err != nil {
		return "", nil, err
	}
	return "DELETE FROM " + table.Sanitize() + where + " RETURNING *", qb.args, nil
}
