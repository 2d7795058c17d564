package store

import (
	"context"
	"database/sql"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/matheus3301/simplechat/internal/backend"
)

// Read returns the rows of q.Table matching q.
func (db *DB) Read(ctx context.Context, q backend.Query) ([]backend.Row, error) {
	def, err := lookupTable(q.Table)
	if err != nil {
		return nil, err
	}
	where, args, err := def.where(q.Filter)
	if err != nil {
		return nil, err
	}
	order, err := def.orderBy(q.Order)
	if err != nil {
		return nil, err
	}
	query := "SELECT " + def.selectList() + " FROM " + def.name + where + order
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	return selectRows(ctx, db, def, query, args...)
}

// Insert adds rows to table in one transaction and records a change for each.
// Missing ids are generated and missing timestamps are set to now.
func (db *DB) Insert(ctx context.Context, table string, rows ...backend.Row) ([]backend.Row, error) {
	def, err := lookupTable(table)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var out []backend.Row
	err = db.inTx(ctx, func(tx *sql.Tx) error {
		for _, r := range rows {
			stored, err := insertRow(ctx, tx, def, r)
			if err != nil {
				return err
			}
			out = append(out, stored)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update applies patch to every row matching filter and records a change for
// each. Key columns cannot be patched and an empty filter is rejected.
func (db *DB) Update(ctx context.Context, table string, filter backend.Filter, patch backend.Row) ([]backend.Row, error) {
	def, err := lookupTable(table)
	if err != nil {
		return nil, err
	}
	if len(filter) == 0 {
		return nil, fmt.Errorf("update %s without filter: %w", table, backend.ErrInvalid)
	}
	if len(patch) == 0 {
		return nil, fmt.Errorf("update %s with empty patch: %w", table, backend.ErrInvalid)
	}
	if err := def.checkColumns(patch); err != nil {
		return nil, err
	}
	for col := range patch {
		if def.isKey(col) {
			return nil, fmt.Errorf("update of key column %s.%s: %w", table, col, backend.ErrInvalid)
		}
	}

	where, args, err := def.where(filter)
	if err != nil {
		return nil, err
	}

	cols := slices.Sorted(maps.Keys(patch))
	sets := make([]string, len(cols))
	setArgs := make([]any, len(cols))
	for i, col := range cols {
		sets[i] = col + " = ?"
		setArgs[i] = sqlValue(patch[col])
	}

	var out []backend.Row
	err = db.inTx(ctx, func(tx *sql.Tx) error {
		matched, err := selectRows(ctx, tx, def, "SELECT "+def.selectList()+" FROM "+def.name+where, args...)
		if err != nil {
			return err
		}
		for _, m := range matched {
			keyWhere, keyArgs := keyClause(def, m)
			stmt := "UPDATE " + def.name + " SET " + strings.Join(sets, ", ") + keyWhere
			if _, err := tx.ExecContext(ctx, stmt, append(slices.Clone(setArgs), keyArgs...)...); err != nil {
				return mapErr(fmt.Errorf("update %s: %w", def.name, err))
			}
			stored, err := readByKey(ctx, tx, def, m)
			if err != nil {
				return err
			}
			if err := appendChange(ctx, tx, def.name, backend.EventUpdate, stored); err != nil {
				return err
			}
			out = append(out, stored)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func insertRow(ctx context.Context, tx *sql.Tx, def tableDef, r backend.Row) (backend.Row, error) {
	if err := def.checkColumns(r); err != nil {
		return nil, err
	}
	row := maps.Clone(r)
	if def.generated && row["id"] == nil {
		row["id"] = uuid.NewString()
	}
	for _, k := range def.key {
		if v, _ := row[k].(string); v == "" {
			return nil, fmt.Errorf("insert %s: missing %s: %w", def.name, k, backend.ErrInvalid)
		}
	}
	now := time.Now().UnixMilli()
	for _, col := range def.stamps {
		if v := row[col]; v == nil || v == int64(0) {
			row[col] = now
		}
	}

	cols := slices.Sorted(maps.Keys(row))
	args := make([]any, len(cols))
	for i, col := range cols {
		args[i] = sqlValue(row[col])
	}
	stmt := "INSERT INTO " + def.name + " (" + strings.Join(cols, ", ") + ") VALUES (" + placeholders(len(cols)) + ")"
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return nil, mapErr(fmt.Errorf("insert %s: %w", def.name, err))
	}

	stored, err := readByKey(ctx, tx, def, row)
	if err != nil {
		return nil, err
	}
	if err := appendChange(ctx, tx, def.name, backend.EventInsert, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

func keyClause(def tableDef, row backend.Row) (string, []any) {
	parts := make([]string, len(def.key))
	args := make([]any, len(def.key))
	for i, k := range def.key {
		parts[i] = k + " = ?"
		args[i] = row[k]
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

func readByKey(ctx context.Context, q queryer, def tableDef, row backend.Row) (backend.Row, error) {
	where, args := keyClause(def, row)
	rows, err := selectRows(ctx, q, def, "SELECT "+def.selectList()+" FROM "+def.name+where, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s row vanished: %w", def.name, backend.ErrNotFound)
	}
	return rows[0], nil
}

func selectRows(ctx context.Context, q queryer, def tableDef, query string, args ...any) ([]backend.Row, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(fmt.Errorf("select %s: %w", def.name, err))
	}
	defer func() { _ = rows.Close() }()

	var out []backend.Row
	for rows.Next() {
		vals := make([]any, len(def.columns))
		ptrs := make([]any, len(def.columns))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, mapErr(fmt.Errorf("scan %s: %w", def.name, err))
		}
		row := make(backend.Row, len(def.columns))
		for i, col := range def.columns {
			if b, ok := vals[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = vals[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}
