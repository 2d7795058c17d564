// Package backend describes the backend-as-a-service surface the chat core
// consumes and converts its untyped rows into model records.
package backend

import (
	"context"
	"errors"

	"github.com/matheus3301/simplechat/internal/model"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("backend unavailable")
	ErrUnsupported = errors.New("unsupported operation")
	ErrInvalid     = errors.New("invalid request")
)

// Table names.
const (
	TableProfiles    = "profiles"
	TableChats       = "chats"
	TableChatMembers = "chat_members"
	TableMessages    = "messages"
)

// RPC names understood by backends that support server-side transactions.
const (
	RPCCreateDirectChat = "create_direct_chat"
	RPCCreateGroupChat  = "create_group_chat"
)

// Row is an untyped record as returned by the backend.
type Row map[string]any

// Order sorts a read by Column.
type Order struct {
	Column string
	Desc   bool
}

// Query is a row read.
type Query struct {
	Table  string
	Filter Filter
	Order  []Order
	Limit  int
}

// EventType is the kind of a row change.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	// EventResync tells a subscriber the transport may have missed changes.
	EventResync EventType = "resync"
)

// Change is a row change delivered to a subscription.
type Change struct {
	Table      string
	Type       EventType
	Row        Row
	Seq        int64
	Generation uint64
}

// Scope selects which changes a subscription receives.
type Scope struct {
	Table  string
	Events []EventType // empty means every type
	Filter Filter
}

// Wants reports whether c falls inside the scope.
func (s Scope) Wants(c Change) bool {
	if c.Table != s.Table {
		return false
	}
	if len(s.Events) > 0 {
		found := false
		for _, e := range s.Events {
			if e == c.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return s.Filter.Match(c.Row)
}

// Subscription is a live handle on a scope.
type Subscription interface {
	ID() string
	Changes() <-chan Change
}

// AuthEventType is the kind of an authentication change.
type AuthEventType string

const (
	SignedIn  AuthEventType = "signed_in"
	SignedOut AuthEventType = "signed_out"
)

// AuthEvent reports a sign-in or sign-out.
type AuthEvent struct {
	Type     AuthEventType
	Identity *model.Identity
}

// Client is the capability surface of a backend-as-a-service.
type Client interface {
	GetSession(ctx context.Context) (*model.Identity, error)
	OnAuthChange(fn func(AuthEvent)) (unsubscribe func())
	SignOut(ctx context.Context) error

	Read(ctx context.Context, q Query) ([]Row, error)
	Insert(ctx context.Context, table string, rows ...Row) ([]Row, error)
	Update(ctx context.Context, table string, filter Filter, patch Row) ([]Row, error)
	Call(ctx context.Context, fn string, args Row) (Row, error)

	Subscribe(ctx context.Context, scope Scope) (Subscription, error)
	Unsubscribe(sub Subscription) error

	Upload(ctx context.Context, bucket, path string, data []byte) (string, error)
}
