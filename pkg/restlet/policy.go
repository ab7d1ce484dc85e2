package restlet

import (
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"

	"github.com/edgeflare/restlet/pkg/pgx/schema"
)

// DefaultMethods are allowed when Meta.Allowed is nil.
var DefaultMethods = []string{
	http.MethodGet,
	http.MethodHead,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
	http.MethodOptions,
}

// FieldPolicy is the resolved treatment of one column.
type FieldPolicy struct {
	Name       string
	Column     schema.Column
	Visible    bool
	Creatable  bool
	Readonly   bool
	Changeable bool
	PrimaryKey bool
	Encoder    Encoder
	Decoder    Decoder
	Generator  Generator
	Validators []Validator
}

// Policy is a Meta resolved against its table. It is immutable once built.
type Policy struct {
	Table      *schema.Table
	Name       string
	MaxLimit   int
	fields     []FieldPolicy
	index      map[string]int
	methods    []string
	extensible []string
}

// Resolve checks meta against its table and precomputes the per-field
// policy. Every unknown column, method or relation is reported.
func Resolve(meta Meta) (*Policy, error) {
	if meta.Table == nil {
		return nil, errors.New("meta has no table")
	}
	t := meta.Table

	var errs []error
	checkColumns := func(kind string, names []string) {
		for _, n := range names {
			if !t.HasColumn(n) {
				errs = append(errs, fmt.Errorf("%s: unknown column %q in %s", kind, n, t.FullName()))
			}
		}
	}
	checkColumns("changeable", meta.Changeable)
	checkColumns("readonly", meta.Readonly)
	checkColumns("invisible", meta.Invisible)
	checkColumns("encoders", slices.Sorted(maps.Keys(meta.Encoders)))
	checkColumns("decoders", slices.Sorted(maps.Keys(meta.Decoders)))
	checkColumns("generators", slices.Sorted(maps.Keys(meta.Generators)))
	checkColumns("validators", slices.Sorted(maps.Keys(meta.Validators)))
	for _, m := range append(slices.Clone(meta.Allowed), meta.Denied...) {
		if !slices.Contains(DefaultMethods, m) {
			errs = append(errs, fmt.Errorf("unsupported method %q", m))
		}
	}
	for _, r := range meta.Extensible {
		if _, ok := t.Relation(r); !ok {
			errs = append(errs, fmt.Errorf("extensible: unknown relation %q in %s", r, t.FullName()))
		}
	}
	if meta.MaxLimit < 0 {
		errs = append(errs, fmt.Errorf("negative max limit %d", meta.MaxLimit))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	p := &Policy{
		Table:      t,
		Name:       meta.Name,
		MaxLimit:   meta.MaxLimit,
		index:      make(map[string]int, len(t.Columns)),
		extensible: slices.Clone(meta.Extensible),
	}
	if p.Name == "" {
		p.Name = t.Name
	}
	if p.MaxLimit == 0 {
		p.MaxLimit = defaultMaxLimit
	}

	for i, c := range t.Columns {
		readonly := slices.Contains(meta.Readonly, c.Name)
		changeable := !readonly
		if meta.Changeable != nil {
			changeable = changeable && slices.Contains(meta.Changeable, c.Name)
		}
		p.fields = append(p.fields, FieldPolicy{
			Name:       c.Name,
			Column:     c,
			Visible:    !slices.Contains(meta.Invisible, c.Name),
			Creatable:  t.Type != schema.TypeMaterializedView,
			Readonly:   readonly,
			Changeable: changeable,
			PrimaryKey: c.IsPrimaryKey || slices.Contains(t.PrimaryKeys, c.Name),
			Encoder:    meta.Encoders[c.Name],
			Decoder:    meta.Decoders[c.Name],
			Generator:  meta.Generators[c.Name],
			Validators: meta.Validators[c.Name],
		})
		p.index[c.Name] = i
	}

	allowed := meta.Allowed
	if allowed == nil {
		allowed = DefaultMethods
	}
	for _, m := range DefaultMethods {
		if !slices.Contains(allowed, m) || slices.Contains(meta.Denied, m) {
			continue
		}
		p.methods = append(p.methods, m)
	}
	// HEAD follows GET unless denied explicitly
	p.methods = slices.DeleteFunc(p.methods, func(m string) bool { return m == http.MethodHead })
	if slices.Contains(p.methods, http.MethodGet) && !slices.Contains(meta.Denied, http.MethodHead) {
		p.methods = slices.Insert(p.methods, 1, http.MethodHead)
	}

	return p, nil
}

// Field returns the policy of the named column.
func (p *Policy) Field(name string) (FieldPolicy, bool) {
	i, ok := p.index[name]
	if !ok {
		return FieldPolicy{}, false
	}
	return p.fields[i], true
}

// Fields returns every field policy in column order.
func (p *Policy) Fields() []FieldPolicy {
	return slices.Clone(p.fields)
}

// Visible reports whether name is a column that can be rendered and filtered.
func (p *Policy) Visible(name string) bool {
	f, ok := p.Field(name)
	return ok && f.Visible
}

// VisibleColumns returns the visible column names in column order.
func (p *Policy) VisibleColumns() []string {
	var cols []string
	for _, f := range p.fields {
		if f.Visible {
			cols = append(cols, f.Name)
		}
	}
	return cols
}

// PrimaryKeys returns the primary key columns in key order.
func (p *Policy) PrimaryKeys() []string {
	if len(p.Table.PrimaryKeys) > 0 {
		return slices.Clone(p.Table.PrimaryKeys)
	}
	var pks []string
	for _, f := range p.fields {
		if f.PrimaryKey {
			pks = append(pks, f.Name)
		}
	}
	return pks
}

// Allows reports whether the HTTP method may be used on the resource.
func (p *Policy) Allows(method string) bool {
	return slices.Contains(p.methods, method)
}

// AllowedMethods returns the allowed methods in canonical order.
func (p *Policy) AllowedMethods() []string {
	return slices.Clone(p.methods)
}

// Extensible reports whether the relation may be embedded or navigated.
func (p *Policy) Extensible(relation string) bool {
	return slices.Contains(p.extensible, relation)
}

// Relation returns the named relation if it is extensible.
func (p *Policy) Relation(name string) (schema.Relation, bool) {
	if !p.Extensible(name) {
		return schema.Relation{}, false
	}
	return p.Table.Relation(name)
}
