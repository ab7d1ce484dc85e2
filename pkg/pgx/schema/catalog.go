package schema

// Catalog resolves table names to their metadata. Names are "schema.table"
// or a bare "table" in the public schema.
type Catalog interface {
	Lookup(name string) (*Table, bool)
}

var (
	_ Catalog = (*Cache)(nil)
	_ Catalog = Tables(nil)
)

// Tables is a static Catalog keyed by full name, typically built with Link
// from tables declared in Go.
type Tables map[string]Table

// NewTables links the given tables into a Catalog.
func NewTables(tables ...Table) Tables {
	m := make(map[string]Table, len(tables))
	for _, t := range tables {
		m[t.FullName()] = t
	}
	return Tables(Link(m))
}

func (ts Tables) Lookup(name string) (*Table, bool) {
	t, ok := ts[QualifiedName(SplitName(name))]
	if !ok {
		return nil, false
	}
	return &t, true
}
