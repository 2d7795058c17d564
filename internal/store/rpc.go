package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/matheus3301/simplechat/internal/backend"
)

// Call runs a stored procedure. Both chat creation procedures insert the chat
// and its memberships in a single transaction.
func (db *DB) Call(ctx context.Context, fn string, args backend.Row) (backend.Row, error) {
	switch fn {
	case backend.RPCCreateDirectChat:
		return db.createDirectChat(ctx, args)
	case backend.RPCCreateGroupChat:
		return db.createGroupChat(ctx, args)
	default:
		return nil, fmt.Errorf("rpc %q: %w", fn, backend.ErrUnsupported)
	}
}

func (db *DB) createDirectChat(ctx context.Context, args backend.Row) (backend.Row, error) {
	a, _ := args["user_a"].(string)
	b, _ := args["user_b"].(string)
	if a == "" || b == "" || a == b {
		return nil, fmt.Errorf("create direct chat: need two distinct users: %w", backend.ErrInvalid)
	}
	key, _ := args["direct_key"].(string)
	if key == "" {
		key = backend.DirectKey(a, b)
	}
	chat := backend.Row{
		"name":       args["name"],
		"created_by": a,
		"is_group":   false,
		"direct_key": key,
		"created_at": args["created_at"],
	}
	return db.createChat(ctx, chat, []string{a, b}, false)
}

func (db *DB) createGroupChat(ctx context.Context, args backend.Row) (backend.Row, error) {
	members := stringList(args["members"])
	if len(members) < 2 {
		return nil, fmt.Errorf("create group chat: need at least two members: %w", backend.ErrInvalid)
	}
	chat := backend.Row{
		"name":       args["name"],
		"created_by": members[0],
		"is_group":   true,
		"created_at": args["created_at"],
	}
	return db.createChat(ctx, chat, members, true)
}

func (db *DB) createChat(ctx context.Context, chat backend.Row, members []string, firstIsAdmin bool) (backend.Row, error) {
	def := tables[backend.TableChats]
	memberDef := tables[backend.TableChatMembers]

	var created backend.Row
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		stored, err := insertRow(ctx, tx, def, chat)
		if err != nil {
			return err
		}
		for i, uid := range members {
			_, err := insertRow(ctx, tx, memberDef, backend.Row{
				"chat_id":   stored["id"],
				"user_id":   uid,
				"is_admin":  firstIsAdmin && i == 0,
				"joined_at": stored["created_at"],
			})
			if err != nil {
				return err
			}
		}
		created = stored
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func stringList(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
