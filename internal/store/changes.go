package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/simplechat/internal/backend"
)

func appendChange(ctx context.Context, q queryer, table string, op backend.EventType, row backend.Row) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO changes (tbl, op, row, created_at) VALUES (?, ?, ?, ?)`,
		table, string(op), string(data), time.Now().UnixMilli())
	if err != nil {
		return mapErr(fmt.Errorf("append change: %w", err))
	}
	return nil
}

// ChangesSince returns up to limit changes with seq greater than after, in order.
func (db *DB) ChangesSince(ctx context.Context, after int64, limit int) ([]backend.Change, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.QueryContext(ctx, `
		SELECT seq, tbl, op, row
		FROM changes
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?`, after, limit)
	if err != nil {
		return nil, mapErr(fmt.Errorf("read changes: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var changes []backend.Change
	for rows.Next() {
		var (
			c    backend.Change
			op   string
			data string
		)
		if err := rows.Scan(&c.Seq, &c.Table, &op, &data); err != nil {
			return nil, mapErr(fmt.Errorf("scan change: %w", err))
		}
		c.Type = backend.EventType(op)
		dec := json.NewDecoder(bytes.NewReader([]byte(data)))
		dec.UseNumber()
		if err := dec.Decode(&c.Row); err != nil {
			return nil, fmt.Errorf("decode change %d: %w", c.Seq, err)
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	return changes, nil
}

// LatestChangeSeq returns the highest change seq, or 0 when the log is empty.
func (db *DB) LatestChangeSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM changes`).Scan(&seq)
	if err != nil {
		return 0, mapErr(fmt.Errorf("latest change: %w", err))
	}
	return seq, nil
}

// PruneChanges deletes changes recorded before t with seq at most upTo, and
// returns how many were removed.
func (db *DB) PruneChanges(ctx context.Context, before time.Time, upTo int64) (int64, error) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM changes WHERE created_at < ? AND seq <= ?`, before.UnixMilli(), upTo)
	if err != nil {
		return 0, mapErr(fmt.Errorf("prune changes: %w", err))
	}
	return res.RowsAffected()
}
