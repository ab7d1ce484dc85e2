// Package schema describes PostgreSQL tables (columns, primary keys, foreign
// keys and the relations derived from them) and caches that metadata.
//
// Tables can be declared in Go or introspected from a live database. The
// Cache reloads its snapshot when a `NOTIFY restlet, 'reload schema'` is
// received, following PostgREST's schema cache convention.
package schema

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/edgeflare/restlet/pkg/metrics"
	pg "github.com/edgeflare/restlet/pkg/pgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	reloadChannel = "restlet"
	reloadPayload = "reload schema"

	// DefaultSchema is assumed when a table is referenced without a schema name.
	DefaultSchema = "public"
)

type TableType string

const (
	TypeTable            TableType = "TABLE"
	TypeView             TableType = "VIEW"
	TypeMaterializedView TableType = "MATERIALIZED VIEW"
)

type Table struct {
	Schema      string       `json:"schema"`
	Name        string       `json:"name"`
	Type        TableType    `json:"type"`
	Columns     []Column     `json:"columns"`
	PrimaryKeys []string     `json:"primary_keys"`
	ForeignKeys []ForeignKey `json:"foreign_keys"`
	Relations   []Relation   `json:"relations,omitempty"`
}

type Column struct {
	Name         string `json:"name"`
	DataType     string `json:"data_type"`
	IsNullable   bool   `json:"is_nullable"`
	IsPrimaryKey bool   `json:"is_primary_key"`
	HasDefault   bool   `json:"has_default"`
}

type ForeignKey struct {
	Column           string `json:"column"`
	ReferencedTable  string `json:"referenced_table"`
	ReferencedColumn string `json:"referenced_column"`
}

// FullName returns schema.name, the key tables are stored under.
func (t *Table) FullName() string {
	return QualifiedName(t.Schema, t.Name)
}

// Column returns the named column.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// HasColumn reports whether the table has a column with the given name.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.Column(name)
	return ok
}

// ColumnNames returns the column names in declaration order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Relation returns the named relation.
func (t *Table) Relation(name string) (Relation, bool) {
	for _, r := range t.Relations {
		if r.Name == name {
			return r, true
		}
	}
	return Relation{}, false
}

// QualifiedName joins schema and table name, defaulting the schema to public.
func QualifiedName(schemaName, table string) string {
	if schemaName == "" {
		schemaName = DefaultSchema
	}
	return schemaName + "." + table
}

// SplitName splits "schema.table" or "table" into its parts.
func SplitName(name string) (schemaName, table string) {
	if s, t, ok := strings.Cut(name, "."); ok {
		return s, t
	}
	return DefaultSchema, name
}

// Cache holds table metadata loaded from a database.
type Cache struct {
	pool   *pgxpool.Pool
	conn   *pgxpool.Conn
	tables map[string]Table // key: schema_name.table_name
	watch  chan map[string]Table
	cancel context.CancelFunc
	done   chan struct{}
	closed sync.Once
	logger *zap.Logger
	mu     sync.RWMutex
}

// NewCache returns a Cache reading from pool. Call Init before use.
func NewCache(pool *pgxpool.Pool, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		pool:   pool,
		tables: make(map[string]Table),
		watch:  make(chan map[string]Table, 1),
		logger: logger,
	}
}

// Init loads all tables and starts listening for reload notifications.
func (c *Cache) Init(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.reload(ctx); err != nil {
		cancel()
		return fmt.Errorf("initial load: %w", err)
	}

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("pool.Acquire: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+reloadChannel); err != nil {
		cancel()
		conn.Release()
		return fmt.Errorf("listen: %w", err)
	}
	c.conn = conn

	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		c.handleUpdates(ctx)
	}()
	return nil
}

// Close stops listening, releases the listener connection and closes the
// Watch channel. The pool is owned by the caller.
func (c *Cache) Close() {
	c.closed.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		if c.done != nil {
			<-c.done
		}
		if c.conn != nil {
			c.conn.Release()
		}
		close(c.watch)
	})
}

// Watch delivers a snapshot after every reload. Slow readers only see the
// latest snapshot. The channel is closed by Close.
func (c *Cache) Watch() <-chan map[string]Table {
	return c.watch
}

func (c *Cache) handleUpdates(ctx context.Context) {
	for {
		notification, err := c.conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil || c.conn.Conn().IsClosed() {
				return
			}
			c.logger.Warn("schema notification error", zap.Error(err))
			continue
		}

		if notification.Payload == reloadPayload {
			if err := c.reload(ctx); err != nil {
				c.logger.Error("schema reload failed", zap.Error(err))
			}
		}
	}
}

func (c *Cache) reload(ctx context.Context) error {
	tables, err := loadAll(ctx, c.pool)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.tables = Link(tables)
	c.mu.Unlock()
	metrics.SchemaReloads.Inc()

	snap := c.Snapshot()
	select {
	case c.watch <- snap:
	default:
		// drop the stale snapshot so the reader gets the newest one
		select {
		case <-c.watch:
		default:
		}
		c.watch <- snap
	}
	c.logger.Debug("schema loaded", zap.Int("tables", len(snap)))
	return nil
}

// Snapshot returns a copy of the cached tables.
func (c *Cache) Snapshot() map[string]Table {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := make(map[string]Table, len(c.tables))
	maps.Copy(snap, c.tables)
	return snap
}

// Lookup returns a table by "schema.table" or bare "table" (public schema).
func (c *Cache) Lookup(name string) (*Table, bool) {
	s, t := SplitName(name)
	c.mu.RLock()
	defer c.mu.RUnlock()
	table, ok := c.tables[QualifiedName(s, t)]
	if !ok {
		return nil, false
	}
	return &table, true
}

func loadAll(ctx context.Context, conn pg.Conn) (map[string]Table, error) {
	schemas, err := querySchemas(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("query schemas: %w", err)
	}

	tables := make(map[string]Table)
	for _, schema := range schemas {
		if isSystem(schema) {
			continue
		}

		schemaTables, err := loadSchema(ctx, conn, schema)
		if err != nil {
			return nil, fmt.Errorf("load schema %s: %w", schema, err)
		}

		maps.Copy(tables, schemaTables)
	}
	return tables, nil
}

func loadSchema(ctx context.Context, conn pg.Conn, schema string) (map[string]Table, error) {
	tableRows, err := conn.Query(ctx, `
    SELECT table_schema, table_name, 'TABLE'::text as table_type
        FROM information_schema.tables
        WHERE table_schema = $1 AND table_type = 'BASE TABLE'
        UNION ALL
        SELECT table_schema, table_name, 'VIEW'::text as table_type
        FROM information_schema.views
        WHERE table_schema = $1
        UNION ALL
        SELECT schemaname, matviewname, 'MATERIALIZED VIEW'::text as table_type
        FROM pg_matviews
        WHERE schemaname = $1
        ORDER BY table_schema, table_name`, schema)
	if err != nil {
		return nil, err
	}

	var found []Table
	for tableRows.Next() {
		var t Table
		var tableTypeStr string
		if err := tableRows.Scan(&t.Schema, &t.Name, &tableTypeStr); err != nil {
			tableRows.Close()
			return nil, err
		}
		t.Type = TableType(tableTypeStr)
		found = append(found, t)
	}
	tableRows.Close()
	if err := tableRows.Err(); err != nil {
		return nil, err
	}

	tables := make(map[string]Table, len(found))
	for _, t := range found {
		cols, pkeys, err := queryColumns(ctx, conn, t.Schema, t.Name)
		if err != nil {
			return nil, fmt.Errorf("query columns %s.%s: %w", t.Schema, t.Name, err)
		}
		t.Columns = cols
		t.PrimaryKeys = pkeys

		// views don't have foreign keys
		if t.Type == TypeTable {
			fkeys, err := queryForeignKeys(ctx, conn, t.Schema, t.Name)
			if err != nil {
				return nil, fmt.Errorf("query foreign keys %s.%s: %w", t.Schema, t.Name, err)
			}
			t.ForeignKeys = fkeys
		}

		tables[t.FullName()] = t
	}
	return tables, nil
}

func queryColumns(ctx context.Context, conn pg.Conn, schema, table string) ([]Column, []string, error) {
	rows, err := conn.Query(ctx, `
		SELECT
			c.column_name,
			c.data_type,
			c.is_nullable = 'YES',
			EXISTS (
				SELECT 1 FROM information_schema.table_constraints tc
				JOIN information_schema.key_column_usage kcu
					ON tc.constraint_name = kcu.constraint_name
					AND tc.table_schema = kcu.table_schema
				WHERE tc.constraint_type = 'PRIMARY KEY'
					AND tc.table_schema = $1
					AND tc.table_name = $2
					AND kcu.column_name = c.column_name
			) AS is_primary_key,
			c.column_default IS NOT NULL OR c.is_identity = 'YES' AS has_default
		FROM information_schema.columns c
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position`, schema, table)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var cols []Column
	var pkeys []string
	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.DataType, &col.IsNullable, &col.IsPrimaryKey, &col.HasDefault); err != nil {
			return nil, nil, err
		}
		cols = append(cols, col)
		if col.IsPrimaryKey {
			pkeys = append(pkeys, col.Name)
		}
	}
	return cols, pkeys, rows.Err()
}

func queryForeignKeys(ctx context.Context, conn pg.Conn, schema, table string) ([]ForeignKey, error) {
	rows, err := conn.Query(ctx, `
		SELECT
			kcu.column_name,
			ccu.table_schema || '.' || ccu.table_name,
			ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
			ON ccu.constraint_name = tc.constraint_name
			AND ccu.table_schema = tc.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
			AND tc.table_schema = $1
			AND tc.table_name = $2`, schema, table)
	if err != nil {
		return nil, err
	}

	fkeys, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ForeignKey, error) {
		var fk ForeignKey
		err := row.Scan(&fk.Column, &fk.ReferencedTable, &fk.ReferencedColumn)
		return fk, err
	})
	return fkeys, err
}

func querySchemas(ctx context.Context, conn pg.Conn) ([]string, error) {
	rows, err := conn.Query(ctx, `SELECT schema_name FROM information_schema.schemata ORDER BY schema_name`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func isSystem(schema string) bool {
	switch {
	case schema == "information_schema", schema == "pg_catalog":
		return true
	case strings.HasPrefix(schema, "pg_toast"), strings.HasPrefix(schema, "pg_temp"):
		return true
	default:
		return false
	}
}
