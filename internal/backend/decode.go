package backend

import (
	"fmt"
	"strconv"
	"time"

	"github.com/matheus3301/simplechat/internal/model"
)

// rowReader collects the first conversion error while reading fields.
type rowReader struct {
	table string
	row   Row
	err   error
}

func (r *rowReader) fail(col, format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%s.%s: %s: %w", r.table, col, fmt.Sprintf(format, args...), ErrInvalid)
	}
}

func (r *rowReader) required(col string) string {
	s := r.str(col)
	if s == "" {
		r.fail(col, "missing")
	}
	return s
}

func (r *rowReader) str(col string) string {
	switch v := r.row[col].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		r.fail(col, "unexpected %T", v)
		return ""
	}
}

func (r *rowReader) integer(col string) int64 {
	switch v := normalize(r.row[col]).(type) {
	case nil:
		return 0
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			r.fail(col, "not an integer: %q", v)
		}
		return n
	default:
		r.fail(col, "unexpected %T", v)
		return 0
	}
}

func (r *rowReader) flag(col string) bool {
	return r.integer(col) != 0
}

func (r *rowReader) timestamp(col string) time.Time {
	ms := r.integer(col)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// DecodeUser converts a profiles row.
func DecodeUser(row Row) (model.User, error) {
	r := &rowReader{table: TableProfiles, row: row}
	u := model.User{
		ID:        r.required("id"),
		Email:     r.str("email"),
		Username:  r.str("username"),
		Name:      r.str("name"),
		Phone:     r.str("phone"),
		AvatarURL: r.str("avatar_url"),
		CreatedAt: r.timestamp("created_at"),
		UpdatedAt: r.timestamp("updated_at"),
	}
	return u, r.err
}

// DecodeChat converts a chats row.
func DecodeChat(row Row) (model.Chat, error) {
	r := &rowReader{table: TableChats, row: row}
	c := model.Chat{
		ID:            r.required("id"),
		Name:          r.str("name"),
		CreatedBy:     r.str("created_by"),
		IsGroup:       r.flag("is_group"),
		CreatedAt:     r.timestamp("created_at"),
		LastMessageAt: r.timestamp("last_message_at"),
	}
	return c, r.err
}

// DecodeMembership converts a chat_members row.
func DecodeMembership(row Row) (model.Membership, error) {
	r := &rowReader{table: TableChatMembers, row: row}
	m := model.Membership{
		ChatID:   r.required("chat_id"),
		UserID:   r.required("user_id"),
		IsAdmin:  r.flag("is_admin"),
		JoinedAt: r.timestamp("joined_at"),
	}
	return m, r.err
}

// DecodeMessage converts a messages row.
func DecodeMessage(row Row) (model.Message, error) {
	r := &rowReader{table: TableMessages, row: row}
	m := model.Message{
		ID:           r.required("id"),
		ChatID:       r.required("chat_id"),
		SenderID:     r.str("sender_id"),
		Body:         r.str("content"),
		ReplyToID:    r.str("reply_to"),
		ForwardCount: int(r.integer("forwarded_count")),
		IsDeleted:    r.flag("is_deleted"),
		CreatedAt:    r.timestamp("created_at"),
	}
	if m.IsDeleted {
		m.Body = model.Tombstone
	}
	return m, r.err
}

func decodeAll[T any](rows []Row, decode func(Row) (T, error)) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		v, err := decode(row)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func encodeMessage(m model.Message) Row {
	row := Row{
		"chat_id":         m.ChatID,
		"sender_id":       m.SenderID,
		"content":         m.Body,
		"forwarded_count": int64(m.ForwardCount),
		"is_deleted":      m.IsDeleted,
		"created_at":      millis(m.CreatedAt),
	}
	if m.ID != "" {
		row["id"] = m.ID
	}
	if m.ReplyToID != "" {
		row["reply_to"] = m.ReplyToID
	}
	return row
}

func encodeChat(c model.Chat) Row {
	row := Row{
		"name":            c.Name,
		"created_by":      c.CreatedBy,
		"is_group":        c.IsGroup,
		"created_at":      millis(c.CreatedAt),
		"last_message_at": millis(c.LastMessageAt),
	}
	if c.ID != "" {
		row["id"] = c.ID
	}
	return row
}

func encodeMembership(m model.Membership) Row {
	return Row{
		"chat_id":   m.ChatID,
		"user_id":   m.UserID,
		"is_admin":  m.IsAdmin,
		"joined_at": millis(m.JoinedAt),
	}
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
