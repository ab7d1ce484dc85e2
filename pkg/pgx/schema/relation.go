package schema

import (
	"maps"
	"slices"
	"strings"

	"github.com/go-openapi/inflect"
)

type RelationKind string

const (
	ManyToOne  RelationKind = "many-to-one"
	OneToMany  RelationKind = "one-to-many"
	ManyToMany RelationKind = "many-to-many"
)

// Relation is a navigable link from a table to related rows.
//
// For ManyToOne and OneToMany, rows of Target match when
// Target.RefColumn = local Column. For ManyToMany, Through holds the link
// table: Through.Column references the local Column and Through.RefColumn
// references Target.RefColumn.
type Relation struct {
	Name      string       `json:"name"`
	Kind      RelationKind `json:"kind"`
	Column    string       `json:"column"`
	Target    string       `json:"target"`
	RefColumn string       `json:"ref_column"`
	Through   *Through     `json:"through,omitempty"`
}

type Through struct {
	Table     string `json:"table"`
	Column    string `json:"column"`
	RefColumn string `json:"ref_column"`
}

// Many reports whether the relation yields a list.
func (r Relation) Many() bool {
	return r.Kind != ManyToOne
}

// Link derives relations for every table from the foreign keys of the set
// and returns the tables keyed by full name. Many-to-one relations take the
// singular name, list relations the plural name of the other table. Existing relations are
// replaced. Tables are visited in name order so naming is deterministic.
func Link(tables map[string]Table) map[string]Table {
	linked := make(map[string]Table, len(tables))
	for _, t := range tables {
		t.Relations = nil
		linked[t.FullName()] = t
	}

	for _, key := range slices.Sorted(maps.Keys(linked)) {
		t := linked[key]
		for _, fk := range t.ForeignKeys {
			target := referencedName(t, fk)
			if _, ok := linked[target]; !ok {
				continue
			}

			linked[key] = addRelation(linked[key], Relation{
				Name:      manyToOneName(fk),
				Kind:      ManyToOne,
				Column:    fk.Column,
				Target:    target,
				RefColumn: fk.ReferencedColumn,
			})
			// re-read: target may be t itself
			linked[target] = addRelation(linked[target], Relation{
				Name:      inflect.Pluralize(t.Name),
				Kind:      OneToMany,
				Column:    fk.ReferencedColumn,
				Target:    key,
				RefColumn: fk.Column,
			})
		}

		if isLinkTable(t) {
			a, b := t.ForeignKeys[0], t.ForeignKeys[1]
			linked = addManyToMany(linked, key, a, b)
			linked = addManyToMany(linked, key, b, a)
		}
	}
	return linked
}

func addManyToMany(tables map[string]Table, link string, from, to ForeignKey) map[string]Table {
	lt := tables[link]
	source, target := referencedName(lt, from), referencedName(lt, to)
	st, ok := tables[source]
	if !ok {
		return tables
	}
	tt, ok := tables[target]
	if !ok {
		return tables
	}

	tables[source] = addRelation(st, Relation{
		Name:      inflect.Pluralize(tt.Name),
		Kind:      ManyToMany,
		Column:    from.ReferencedColumn,
		Target:    target,
		RefColumn: to.ReferencedColumn,
		Through: &Through{
			Table:     link,
			Column:    from.Column,
			RefColumn: to.Column,
		},
	})
	return tables
}

// addRelation appends r, qualifying its name when it collides with a column
// or an existing relation.
func addRelation(t Table, r Relation) Table {
	if t.HasColumn(r.Name) || hasRelation(t, r.Name) {
		r.Name += "_by_" + disambiguator(r)
	}
	if hasRelation(t, r.Name) {
		return t
	}
	t.Relations = append(slices.Clone(t.Relations), r)
	return t
}

func disambiguator(r Relation) string {
	switch r.Kind {
	case ManyToOne:
		return r.Column
	case OneToMany:
		return r.RefColumn
	default:
		_, name := SplitName(r.Through.Table)
		return name
	}
}

func hasRelation(t Table, name string) bool {
	_, ok := t.Relation(name)
	return ok
}

// manyToOneName names the relation after the foreign key column without its
// _id suffix, or after the singular referenced table.
func manyToOneName(fk ForeignKey) string {
	if name, ok := strings.CutSuffix(fk.Column, "_id"); ok && name != "" {
		return name
	}
	_, table := SplitName(fk.ReferencedTable)
	return inflect.Singularize(table)
}

func referencedName(t Table, fk ForeignKey) string {
	if strings.Contains(fk.ReferencedTable, ".") {
		return fk.ReferencedTable
	}
	return QualifiedName(t.Schema, fk.ReferencedTable)
}

// isLinkTable reports whether t only joins two other tables: exactly two
// foreign keys to different tables, and every other column is a primary key
// or has a default.
func isLinkTable(t Table) bool {
	if t.Type != TypeTable && t.Type != "" {
		return false
	}
	if len(t.ForeignKeys) != 2 || t.ForeignKeys[0].ReferencedTable == t.ForeignKeys[1].ReferencedTable {
		return false
	}
	for _, c := range t.Columns {
		if c.Name == t.ForeignKeys[0].Column || c.Name == t.ForeignKeys[1].Column {
			continue
		}
		if !c.IsPrimaryKey && !c.HasDefault {
			return false
		}
	}
	return true
}
