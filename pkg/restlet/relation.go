package restlet

import (
	"context"
	"fmt"

	pg "github.com/edgeflare/restlet/pkg/pgx"
	"github.com/edgeflare/restlet/pkg/pgx/schema"
)

// page bounds the related rows loaded for each source row.
type page struct {
	limit  int
	offset int
}

// embedPage is the page used for embedded relations: the target's default
// list page.
func embedPage(target *Policy) page {
	return page{limit: min(defaultLimit, target.MaxLimit)}
}

// related loads the rows reachable through rel from each source row, rendered
// with the target's policy, grouped by the source key (rel.Column) as text.
// At most p.limit rows are kept per source row, in target key order.
func (a *Application) related(ctx context.Context, rel schema.Relation, sources []map[string]any, p page) (map[string][]map[string]any, error) {
	keys := distinct(sources, rel.Column)
	grouped := make(map[string][]map[string]any, len(keys))
	if len(keys) == 0 {
		return grouped, nil
	}

	target, err := a.policyFor(rel.Target)
	if err != nil {
		return nil, err
	}

	if rel.Kind != schema.ManyToMany {
		rows, err := a.selectGrouped(ctx, target.Table, rel.RefColumn, keys, keyOrder(target.PrimaryKeys()), p)
		if err != nil {
			return nil, err
		}
		for k, group := range rows {
			rendered, err := RenderAll(target, group)
			if err != nil {
				return nil, err
			}
			grouped[k] = rendered
		}
		return grouped, nil
	}

	through, ok := a.catalog.Lookup(rel.Through.Table)
	if !ok {
		return nil, fmt.Errorf("link table %s not found", rel.Through.Table)
	}
	links, err := a.selectGrouped(ctx, through, rel.Through.Column, keys, keyOrder([]string{rel.Through.RefColumn}), p)
	if err != nil {
		return nil, err
	}
	var linkRows []map[string]any
	for _, group := range links {
		linkRows = append(linkRows, group...)
	}
	targetKeys := distinct(linkRows, rel.Through.RefColumn)
	if len(targetKeys) == 0 {
		return grouped, nil
	}

	rows, err := a.store.Select(ctx, target.Table, sqlIn(rel.RefColumn, targetKeys, len(targetKeys)))
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		r, err := Render(target, row)
		if err != nil {
			return nil, err
		}
		byKey[keyText(row[rel.RefColumn])] = r
	}
	for k, group := range links {
		for _, link := range group {
			if r, ok := byKey[keyText(link[rel.Through.RefColumn])]; ok {
				grouped[k] = append(grouped[k], r)
			}
		}
	}
	return grouped, nil
}

// selectGrouped selects the rows of table whose column matches one of keys,
// at most p.limit per key, grouped by the column as text. Several keys are
// loaded with one bounded query; when that query hits its bound, or for a
// single key, every key gets its own query.
func (a *Application) selectGrouped(ctx context.Context, table *schema.Table, column string, keys []any, order []pg.Order, p page) (map[string][]map[string]any, error) {
	grouped := make(map[string][]map[string]any, len(keys))
	if len(keys) > 1 && p.offset == 0 {
		bound := p.limit * len(keys)
		q := sqlIn(column, keys, bound+1)
		q.Order = order
		rows, err := a.store.Select(ctx, table, q)
		if err != nil {
			return nil, err
		}
		if len(rows) <= bound {
			for _, row := range rows {
				k := keyText(row[column])
				if len(grouped[k]) < p.limit {
					grouped[k] = append(grouped[k], row)
				}
			}
			return grouped, nil
		}
	}

	for _, key := range keys {
		rows, err := a.store.Select(ctx, table, pg.Query{
			Filters: []pg.Filter{{Column: column, Op: pg.OpEq, Value: key}},
			Order:   order,
			Limit:   p.limit,
			Offset:  p.offset,
		})
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			grouped[keyText(key)] = rows
		}
	}
	return grouped, nil
}

func sqlIn(column string, keys []any, limit int) pg.Query {
	return pg.Query{
		Filters: []pg.Filter{{Column: column, Op: pg.OpIn, Value: keys}},
		Limit:   limit,
	}
}

func keyOrder(columns []string) []pg.Order {
	order := make([]pg.Order, len(columns))
	for i, c := range columns {
		order[i] = pg.Order{Column: c}
	}
	return order
}

// embed attaches each named relation to the rendered rows. Many-to-one
// relations become an object or null; the others become a list.
func (a *Application) embed(ctx context.Context, p *Policy, sources, rendered []map[string]any, names []string) error {
	for _, name := range names {
		rel, ok := p.Relation(name)
		if !ok {
			return BadRequest("cannot extend %q", name)
		}
		target, err := a.policyFor(rel.Target)
		if err != nil {
			return err
		}
		grouped, err := a.related(ctx, rel, sources, embedPage(target))
		if err != nil {
			return err
		}
		for i, src := range sources {
			found := grouped[keyText(src[rel.Column])]
			if src[rel.Column] == nil {
				found = nil
			}
			if rel.Many() {
				if found == nil {
					found = []map[string]any{}
				}
				rendered[i][name] = found
				continue
			}
			if len(found) > 0 {
				rendered[i][name] = found[0]
			} else {
				rendered[i][name] = nil
			}
		}
	}
	return nil
}

func distinct(rows []map[string]any, column string) []any {
	seen := make(map[string]bool, len(rows))
	var keys []any
	for _, row := range rows {
		v := row[column]
		if v == nil || seen[keyText(v)] {
			continue
		}
		seen[keyText(v)] = true
		keys = append(keys, v)
	}
	return keys
}

// keyText compares keys across drivers that return different integer types.
func keyText(v any) string {
	return fmt.Sprint(v)
}
