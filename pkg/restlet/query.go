package restlet

import (
	"maps"
	"net/url"
	"slices"
	"strconv"
	"strings"

	pg "github.com/edgeflare/restlet/pkg/pgx"
)

// listQuery is a parsed list request.
type listQuery struct {
	pg.Query
	Extend []string
	// hidden lists columns selected only to resolve Extend; they are removed
	// from the rendered rows.
	hidden []string
}

func isReservedParam(key string) bool {
	switch key {
	case "select", "order", "limit", "offset", "extend":
		return true
	}
	return false
}

// parseListQuery parses PostgREST-style parameters against the policy.
// Unknown or invisible columns are rejected.
func parseListQuery(p *Policy, values url.Values) (listQuery, error) {
	var q listQuery

	if sel := values.Get("select"); sel != "" && sel != "*" {
		for _, col := range splitList(sel) {
			if !p.Visible(col) {
				return q, BadRequest("cannot select %q", col)
			}
			if !slices.Contains(q.Columns, col) {
				q.Columns = append(q.Columns, col)
			}
		}
	} else {
		q.Columns = p.VisibleColumns()
	}

	if order := values.Get("order"); order != "" {
		orders, err := parseOrder(p, order)
		if err != nil {
			return q, err
		}
		q.Order = orders
	}

	limit, err := intParam(values, "limit", min(defaultLimit, p.MaxLimit))
	if err != nil {
		return q, err
	}
	if limit == 0 {
		return q, BadRequest("limit must be positive")
	}
	q.Limit = min(limit, p.MaxLimit)

	if q.Offset, err = intParam(values, "offset", 0); err != nil {
		return q, err
	}

	if ext := values.Get("extend"); ext != "" {
		for _, name := range splitList(ext) {
			rel, ok := p.Relation(name)
			if !ok {
				return q, BadRequest("cannot extend %q", name)
			}
			q.Extend = append(q.Extend, name)
			if !slices.Contains(q.Columns, rel.Column) {
				q.Columns = append(q.Columns, rel.Column)
				q.hidden = append(q.hidden, rel.Column)
			}
		}
	}

	if q.Filters, err = parseFilters(p, values); err != nil {
		return q, err
	}
	return q, nil
}

// parseFilters reads every non-reserved parameter as a column filter of the
// form col=[not.]op.value. A value without an operator means eq.
func parseFilters(p *Policy, values url.Values) ([]pg.Filter, error) {
	var filters []pg.Filter
	for _, key := range slices.Sorted(maps.Keys(values)) {
		if isReservedParam(key) {
			continue
		}
		if !p.Visible(key) {
			return nil, BadRequest("cannot filter on %q", key)
		}
		for _, raw := range values[key] {
			f, err := parseFilter(key, raw)
			if err != nil {
				return nil, err
			}
			filters = append(filters, f)
		}
	}
	return filters, nil
}

func parseFilter(column, raw string) (pg.Filter, error) {
	f := pg.Filter{Column: column, Op: pg.OpEq}

	if rest, ok := strings.CutPrefix(raw, "not."); ok {
		f.Not = true
		raw = rest
	}
	if name, val, ok := strings.Cut(raw, "."); ok {
		if op, known := pg.ParseOp(name); known {
			f.Op = op
			raw = val
		}
	}

	switch f.Op {
	case pg.OpIn:
		list := strings.TrimSuffix(strings.TrimPrefix(raw, "("), ")")
		items := splitList(list)
		if len(items) == 0 {
			return f, BadRequest("empty list for %q", column)
		}
		values := make([]any, len(items))
		for i, item := range items {
			values[i] = strings.Trim(item, `"`)
		}
		f.Value = values
	case pg.OpIs:
		switch strings.ToLower(raw) {
		case "null":
			f.Value = nil
		case "true":
			f.Value = true
		case "false":
			f.Value = false
		default:
			return f, BadRequest("invalid is value %q for %q", raw, column)
		}
	case pg.OpLike, pg.OpILike:
		f.Value = strings.ReplaceAll(raw, "*", "%")
	case pg.OpEq, pg.OpNeq:
		if raw == "null" {
			if f.Op == pg.OpNeq {
				f.Not = !f.Not
			}
			f.Op, f.Value = pg.OpIs, nil
			break
		}
		f.Value = raw
	default:
		f.Value = raw
	}
	return f, nil
}

// parseOrder parses col[.asc|.desc][.nullsfirst|.nullslast],...
func parseOrder(p *Policy, order string) ([]pg.Order, error) {
	var result []pg.Order
	for _, part := range splitList(order) {
		o := pg.Order{}
		fields := strings.Split(part, ".")
		o.Column = fields[0]
		for _, mod := range fields[1:] {
			switch mod {
			case "asc":
				o.Desc = false
			case "desc":
				o.Desc = true
			case "nullsfirst":
				o.NullsFirst = true
			case "nullslast":
				o.NullsFirst = false
			default:
				return nil, BadRequest("invalid order modifier %q", mod)
			}
		}
		if !p.Visible(o.Column) {
			return nil, BadRequest("cannot order by %q", o.Column)
		}
		result = append(result, o)
	}
	return result, nil
}

// parsePage reads limit and offset for a relation of target, bounded by the
// target's MaxLimit.
func parsePage(target *Policy, values url.Values) (page, error) {
	limit, err := intParam(values, "limit", min(defaultLimit, target.MaxLimit))
	if err != nil {
		return page{}, err
	}
	if limit == 0 {
		return page{}, BadRequest("limit must be positive")
	}
	offset, err := intParam(values, "offset", 0)
	if err != nil {
		return page{}, err
	}
	return page{limit: min(limit, target.MaxLimit), offset: offset}, nil
}

func intParam(values url.Values, key string, def int) (int, error) {
	s := values.Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, BadRequest("invalid %s %q", key, s)
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
