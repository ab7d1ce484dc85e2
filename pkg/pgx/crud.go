package pgx

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/jackc/pgx/v5"
)

// SelectRows runs q against table and returns each row as a column map.
func SelectRows(ctx context.Context, conn Conn, table TableRef, q Query) ([]map[string]any, error) {
	query, args, err := BuildSelect(table, q)
	if err != nil {
		return nil, err
	}
	return collect(ctx, conn, query, args)
}

// CountRows returns the number of rows matching filters.
func CountRows(ctx context.Context, conn Conn, table TableRef, filters []Filter) (int64, error) {
	query, args, err := BuildCount(table, filters)
	if err != nil {
		return 0, err
	}

	var n int64
	if err := conn.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return n, nil
}

// InsertRow inserts data into table and returns the stored row.
func InsertRow(ctx context.Context, conn Conn, table TableRef, data map[string]any) (map[string]any, error) {
	query, args, err := BuildInsert(table, data)
	if err != nil {
		return nil, err
	}

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to insert record: %w", err)
	}
	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("failed to insert record: %w", err)
	}
	return row, nil
}

// UpdateRows sets data on the rows matching filters and returns them.
func UpdateRows(ctx context.Context, conn Conn, table TableRef, data map[string]any, filters []Filter) ([]map[string]any, error) {
	if len(filters) == 0 {
		return nil, fmt.Errorf("no WHERE conditions provided")
	}
	query, args, err := BuildUpdate(table, data, filters)
	if err != nil {
		return nil, err
	}
	return collect(ctx, conn, query, args)
}

// DeleteRows removes the rows matching filters and returns them.
func DeleteRows(ctx context.Context, conn Conn, table TableRef, filters []Filter) ([]map[string]any, error) {
	if len(filters) == 0 {
		return nil, fmt.Errorf("no WHERE conditions provided")
	}
	query, args, err := BuildDelete(table, filters)
	if err != nil {
		return nil, err
	}
	return collect(ctx, conn, query, args)
}

func collect(ctx context.Context, conn Conn, query string, args []any) ([]map[string]any, error) {
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	result, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = []map[string]any{}
	}
	return result, nil
}

func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}
