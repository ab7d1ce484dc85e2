// Package memstore is an in-memory row store used by tests in place of
// PostgreSQL. It understands the same filter operators as the SQL builder.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"

	pg "github.com/edgeflare/restlet/pkg/pgx"
	"github.com/edgeflare/restlet/pkg/pgx/schema"
	"github.com/jackc/pgx/v5/pgconn"
)

type Store struct {
	rows map[string][]map[string]any
	seq  map[string]int64
	// Unique lists columns per table that reject duplicates with a 23505 error.
	Unique map[string][]string
	mu     sync.Mutex
}

func New() *Store {
	return &Store{
		rows:   make(map[string][]map[string]any),
		seq:    make(map[string]int64),
		Unique: make(map[string][]string),
	}
}

// Seed inserts rows as-is, assigning defaulted primary keys when missing.
func (s *Store) Seed(table *schema.Table, rows ...map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		row, err := s.Insert(context.Background(), table, r)
		if err != nil {
			panic(err)
		}
		out = append(out, row)
	}
	return out
}

// Rows returns a copy of every stored row of table.
func (s *Store) Rows(table *schema.Table) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRows(s.rows[table.FullName()])
}

func (s *Store) Select(_ context.Context, table *schema.Table, q pg.Query) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched, err := s.match(table, q.Filters)
	if err != nil {
		return nil, err
	}

	if len(q.Order) > 0 {
		slices.SortStableFunc(matched, func(a, b map[string]any) int {
			for _, o := range q.Order {
				c := compareNullable(a[o.Column], b[o.Column], o.NullsFirst)
				if o.Desc && a[o.Column] != nil && b[o.Column] != nil {
					c = -c
				}
				if c != 0 {
					return c
				}
			}
			return 0
		})
	}

	if q.Offset > 0 {
		matched = matched[min(q.Offset, len(matched)):]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	result := make([]map[string]any, 0, len(matched))
	for _, row := range matched {
		if len(q.Columns) == 0 {
			result = append(result, maps.Clone(row))
			continue
		}
		projected := make(map[string]any, len(q.Columns))
		for _, c := range q.Columns {
			projected[c] = row[c]
		}
		result = append(result, projected)
	}
	return result, nil
}

func (s *Store) Count(_ context.Context, table *schema.Table, filters []pg.Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched, err := s.match(table, filters)
	return int64(len(matched)), err
}

func (s *Store) Insert(_ context.Context, table *schema.Table, data map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := table.FullName()
	row := make(map[string]any, len(table.Columns))
	for _, c := range table.Columns {
		v, ok := data[c.Name]
		if !ok && c.IsPrimaryKey && c.HasDefault {
			s.seq[key]++
			v = s.seq[key]
		}
		row[c.Name] = v
	}
	for k := range data {
		if !table.HasColumn(k) {
			return nil, &pgconn.PgError{Code: "42703", Message: fmt.Sprintf("column %q does not exist", k)}
		}
	}
	for _, c := range table.Columns {
		if !c.IsNullable && !c.HasDefault && row[c.Name] == nil {
			return nil, &pgconn.PgError{Code: "23502", Message: fmt.Sprintf("null value in column %q", c.Name)}
		}
	}
	if err := s.checkUnique(key, row, nil); err != nil {
		return nil, err
	}

	s.rows[key] = append(s.rows[key], row)
	return maps.Clone(row), nil
}

func (s *Store) Update(_ context.Context, table *schema.Table, data map[string]any, filters []pg.Filter) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched, err := s.match(table, filters)
	if err != nil {
		return nil, err
	}
	key := table.FullName()
	for _, row := range matched {
		if err := s.checkUnique(key, mergeInto(maps.Clone(row), data), row); err != nil {
			return nil, err
		}
	}

	result := make([]map[string]any, 0, len(matched))
	for _, row := range matched {
		mergeInto(row, data)
		result = append(result, maps.Clone(row))
	}
	return result, nil
}

func (s *Store) Delete(_ context.Context, table *schema.Table, filters []pg.Filter) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched, err := s.match(table, filters)
	if err != nil {
		return nil, err
	}
	key := table.FullName()
	s.rows[key] = slices.DeleteFunc(s.rows[key], func(row map[string]any) bool {
		return slices.ContainsFunc(matched, func(m map[string]any) bool { return sameRow(m, row) })
	})
	return cloneRows(matched), nil
}

// match returns the live rows (not copies) matching every filter.
func (s *Store) match(table *schema.Table, filters []pg.Filter) ([]map[string]any, error) {
	var matched []map[string]any
	for _, row := range s.rows[table.FullName()] {
		ok := true
		for _, f := range filters {
			if !table.HasColumn(f.Column) {
				return nil, &pgconn.PgError{Code: "42703", Message: fmt.Sprintf("column %q does not exist", f.Column)}
			}
			m, err := matches(row[f.Column], f)
			if err != nil {
				return nil, err
			}
			if !m {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, row)
		}
	}
	return matched, nil
}

func (s *Store) checkUnique(key string, row, self map[string]any) error {
	for _, col := range s.Unique[key] {
		for _, other := range s.rows[key] {
			if self != nil && sameRow(other, self) {
				continue
			}
			if row[col] != nil && text(other[col]) == text(row[col]) {
				return &pgconn.PgError{Code: "23505", Message: fmt.Sprintf("duplicate key value violates unique constraint on %q", col)}
			}
		}
	}
	return nil
}

func matches(v any, f pg.Filter) (bool, error) {
	var ok bool
	switch f.Op {
	case pg.OpEq:
		ok = v != nil && text(v) == text(f.Value)
	case pg.OpNeq:
		ok = v != nil && text(v) != text(f.Value)
	case pg.OpGt:
		ok = v != nil && compare(v, f.Value) > 0
	case pg.OpGte:
		ok = v != nil && compare(v, f.Value) >= 0
	case pg.OpLt:
		ok = v != nil && compare(v, f.Value) < 0
	case pg.OpLte:
		ok = v != nil && compare(v, f.Value) <= 0
	case pg.OpLike, pg.OpILike:
		pattern := "^" + strings.ReplaceAll(strings.ReplaceAll(regexp.QuoteMeta(text(f.Value)), "%", ".*"), "_", ".") + "$"
		if f.Op == pg.OpILike {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, err
		}
		ok = v != nil && re.MatchString(text(v))
	case pg.OpIn:
		values, isList := f.Value.([]any)
		if !isList {
			return false, fmt.Errorf("in needs a list")
		}
		ok = v != nil && slices.ContainsFunc(values, func(x any) bool { return text(x) == text(v) })
	case pg.OpIs:
		switch f.Value {
		case nil:
			ok = v == nil
		case true, false:
			b, isBool := v.(bool)
			ok = isBool && b == f.Value
		default:
			return false, fmt.Errorf("invalid is value %v", f.Value)
		}
	default:
		return false, fmt.Errorf("unsupported operator %q", f.Op)
	}
	if f.Not {
		return !ok, nil
	}
	return ok, nil
}

func text(v any) string {
	return fmt.Sprint(v)
}

func compare(a, b any) int {
	fa, errA := strconv.ParseFloat(text(a), 64)
	fb, errB := strconv.ParseFloat(text(b), 64)
	if errA == nil && errB == nil {
		return cmp.Compare(fa, fb)
	}
	return strings.Compare(text(a), text(b))
}

func compareNullable(a, b any, nullsFirst bool) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		if nullsFirst {
			return -1
		}
		return 1
	case b == nil:
		if nullsFirst {
			return 1
		}
		return -1
	}
	return compare(a, b)
}

func mergeInto(row, data map[string]any) map[string]any {
	maps.Copy(row, data)
	return row
}

// sameRow compares map identity, which is what the live rows share.
func sameRow(a, b map[string]any) bool {
	return fmt.Sprintf("%p", a) == fmt.Sprintf("%p", b)
}

func cloneRows(rows []map[string]any) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		out[i] = maps.Clone(r)
	}
	return out
}
