package restlet

import (
	"context"

	pg "github.com/edgeflare/restlet/pkg/pgx"
	"github.com/edgeflare/restlet/pkg/pgx/schema"
)

// Store persists rows of a table. Update and Delete return the affected
// rows; an empty result means nothing matched.
type Store interface {
	Select(ctx context.Context, table *schema.Table, q pg.Query) ([]map[string]any, error)
	Count(ctx context.Context, table *schema.Table, filters []pg.Filter) (int64, error)
	Insert(ctx context.Context, table *schema.Table, data map[string]any) (map[string]any, error)
	Update(ctx context.Context, table *schema.Table, data map[string]any, filters []pg.Filter) ([]map[string]any, error)
	Delete(ctx context.Context, table *schema.Table, filters []pg.Filter) ([]map[string]any, error)
}

// PgStore is a Store backed by a PostgreSQL connection or pool.
type PgStore struct {
	Conn pg.Conn
}

var _ Store = (*PgStore)(nil)

func NewPgStore(conn pg.Conn) *PgStore {
	return &PgStore{Conn: conn}
}

func ref(t *schema.Table) pg.TableRef {
	return pg.TableRef{Schema: t.Schema, Name: t.Name}
}

func (s *PgStore) Select(ctx context.Context, table *schema.Table, q pg.Query) ([]map[string]any, error) {
	return pg.SelectRows(ctx, s.Conn, ref(table), q)
}

func (s *PgStore) Count(ctx context.Context, table *schema.Table, filters []pg.Filter) (int64, error) {
	return pg.CountRows(ctx, s.Conn, ref(table), filters)
}

func (s *PgStore) Insert(ctx context.Context, table *schema.Table, data map[string]any) (map[string]any, error) {
	return pg.InsertRow(ctx, s.Conn, ref(table), data)
}

func (s *PgStore) Update(ctx context.Context, table *schema.Table, data map[string]any, filters []pg.Filter) ([]map[string]any, error) {
	return pg.UpdateRows(ctx, s.Conn, ref(table), data, filters)
}

func (s *PgStore) Delete(ctx context.Context, table *schema.Table, filters []pg.Filter) ([]map[string]any, error) {
	return pg.DeleteRows(ctx, s.Conn, ref(table), filters)
}
