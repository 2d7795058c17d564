package store

import (
	"fmt"
	"slices"
	"strings"

	"github.com/matheus3301/simplechat/internal/backend"
)

// tableDef whitelists the columns the generic row API may touch.
type tableDef struct {
	name    string
	columns []string
	key     []string
	// stamps are set to the current time on insert when absent.
	stamps []string
	// generated is true when a missing id is filled with a uuid.
	generated bool
}

var tables = map[string]tableDef{
	backend.TableProfiles: {
		name:    backend.TableProfiles,
		columns: []string{"id", "email", "username", "name", "phone", "avatar_url", "created_at", "updated_at"},
		key:     []string{"id"},
		stamps:  []string{"created_at", "updated_at"},
	},
	backend.TableChats: {
		name:      backend.TableChats,
		columns:   []string{"id", "name", "created_by", "is_group", "direct_key", "created_at", "last_message_at"},
		key:       []string{"id"},
		stamps:    []string{"created_at"},
		generated: true,
	},
	backend.TableChatMembers: {
		name:    backend.TableChatMembers,
		columns: []string{"chat_id", "user_id", "is_admin", "joined_at"},
		key:     []string{"chat_id", "user_id"},
		stamps:  []string{"joined_at"},
	},
	backend.TableMessages: {
		name:      backend.TableMessages,
		columns:   []string{"id", "chat_id", "sender_id", "content", "reply_to", "forwarded_count", "is_deleted", "created_at"},
		key:       []string{"id"},
		stamps:    []string{"created_at"},
		generated: true,
	},
}

func lookupTable(name string) (tableDef, error) {
	def, ok := tables[name]
	if !ok {
		return tableDef{}, fmt.Errorf("unknown table %q: %w", name, backend.ErrInvalid)
	}
	return def, nil
}

func (t tableDef) has(col string) bool {
	return slices.Contains(t.columns, col)
}

func (t tableDef) isKey(col string) bool {
	return slices.Contains(t.key, col)
}

func (t tableDef) checkColumns(row backend.Row) error {
	for col := range row {
		if !t.has(col) {
			return fmt.Errorf("unknown column %s.%s: %w", t.name, col, backend.ErrInvalid)
		}
	}
	return nil
}

func (t tableDef) selectList() string {
	return strings.Join(t.columns, ", ")
}

// where compiles a filter into a WHERE clause.
func (t tableDef) where(f backend.Filter) (string, []any, error) {
	if len(f) == 0 {
		return "", nil, nil
	}
	parts := make([]string, 0, len(f))
	var args []any
	for _, c := range f {
		s, a, err := t.cond(c)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, s)
		args = append(args, a...)
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

func (t tableDef) cond(c backend.Cond) (string, []any, error) {
	if c.Op == backend.OpOr {
		if len(c.Any) == 0 {
			return "0", nil, nil
		}
		parts := make([]string, 0, len(c.Any))
		var args []any
		for _, alt := range c.Any {
			s, a, err := t.cond(alt)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, s)
			args = append(args, a...)
		}
		return "(" + strings.Join(parts, " OR ") + ")", args, nil
	}

	if !t.has(c.Column) {
		return "", nil, fmt.Errorf("unknown column %s.%s: %w", t.name, c.Column, backend.ErrInvalid)
	}
	switch c.Op {
	case backend.OpEq:
		if c.Value == nil {
			return c.Column + " IS NULL", nil, nil
		}
		return c.Column + " = ?", []any{sqlValue(c.Value)}, nil
	case backend.OpNeq:
		return c.Column + " IS NOT ?", []any{sqlValue(c.Value)}, nil
	case backend.OpIn:
		vals, _ := c.Value.([]any)
		if len(vals) == 0 {
			return "0", nil, nil
		}
		args := make([]any, len(vals))
		for i, v := range vals {
			args[i] = sqlValue(v)
		}
		return c.Column + " IN (" + placeholders(len(vals)) + ")", args, nil
	case backend.OpILike:
		// LIKE is case-insensitive for ASCII in SQLite.
		return c.Column + " LIKE ?", []any{c.Value}, nil
	default:
		return "", nil, fmt.Errorf("unsupported operator %q: %w", c.Op, backend.ErrInvalid)
	}
}

func (t tableDef) orderBy(orders []backend.Order) (string, error) {
	if len(orders) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(orders))
	for _, o := range orders {
		if !t.has(o.Column) {
			return "", fmt.Errorf("unknown order column %s.%s: %w", t.name, o.Column, backend.ErrInvalid)
		}
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		parts = append(parts, o.Column+" "+dir)
	}
	return " ORDER BY " + strings.Join(parts, ", "), nil
}

func sqlValue(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
