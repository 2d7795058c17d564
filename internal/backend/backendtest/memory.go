// Package backendtest provides an in-memory backend.Client for tests.
package backendtest

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/matheus3301/simplechat/internal/backend"
	"github.com/matheus3301/simplechat/internal/model"
)

// Memory is a backend.Client held in memory. Hooks run outside the lock and
// may block or fail a call.
type Memory struct {
	// BeforeRead runs before every read.
	BeforeRead func(ctx context.Context, q backend.Query) error
	// BeforeInsert runs before every insert.
	BeforeInsert func(table string, rows []backend.Row) error
	// BeforeUpdate runs before every update.
	BeforeUpdate func(table string, filter backend.Filter, patch backend.Row) error
	// RPC enables the chat creation procedures. When false Call returns ErrUnsupported.
	RPC bool

	mu       sync.Mutex
	tables   map[string][]backend.Row
	identity *model.Identity
	subs     map[string]*memSub
	auth     map[int]func(backend.AuthEvent)
	nextAuth int
	seq      int64
	gen      uint64
	uploads  map[string][]byte
	calls    map[string]int
}

type memSub struct {
	id    string
	scope backend.Scope
	ch    chan backend.Change
}

func (s *memSub) ID() string                     { return s.id }
func (s *memSub) Changes() <-chan backend.Change { return s.ch }

// NewMemory creates an empty backend.
func NewMemory() *Memory {
	return &Memory{
		tables:  make(map[string][]backend.Row),
		subs:    make(map[string]*memSub),
		auth:    make(map[int]func(backend.AuthEvent)),
		uploads: make(map[string][]byte),
		calls:   make(map[string]int),
	}
}

// SetSession signs id in (or out when nil) and notifies listeners.
func (m *Memory) SetSession(id *model.Identity) {
	m.mu.Lock()
	m.identity = id
	fns := make([]func(backend.AuthEvent), 0, len(m.auth))
	for _, fn := range m.auth {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	evt := backend.AuthEvent{Type: backend.SignedOut}
	if id != nil {
		evt = backend.AuthEvent{Type: backend.SignedIn, Identity: id}
	}
	for _, fn := range fns {
		fn(evt)
	}
}

// Seed inserts rows without publishing changes.
func (m *Memory) Seed(table string, rows ...backend.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.tables[table] = append(m.tables[table], copyRow(r))
	}
}

// Rows returns a copy of a table.
func (m *Memory) Rows(table string) []backend.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]backend.Row, len(m.tables[table]))
	for i, r := range m.tables[table] {
		out[i] = copyRow(r)
	}
	return out
}

// Calls returns how many times an operation ran ("read:<table>", "insert:<table>", "rpc:<fn>").
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Uploaded returns the bytes stored at bucket/path.
func (m *Memory) Uploaded(bucket, path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.uploads[bucket+"/"+path]
	return b, ok
}

// Subscribers returns the number of live subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Emit delivers a change to matching subscriptions without touching tables.
func (m *Memory) Emit(c backend.Change) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	c.Seq = m.seq
	c.Generation = m.gen
	m.publishLocked(c)
}

// Resync bumps the transport generation and tells every subscription.
func (m *Memory) Resync() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	for _, s := range m.subs {
		select {
		case s.ch <- backend.Change{Table: s.scope.Table, Type: backend.EventResync, Generation: m.gen}:
		default:
		}
	}
}

// BumpGeneration advances the transport generation without telling any
// subscription, as if the resync notice itself was lost.
func (m *Memory) BumpGeneration() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
}

// Patch mutates stored rows without publishing a change, simulating an update
// the transport missed.
func (m *Memory) Patch(table string, filter backend.Filter, patch backend.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.tables[table] {
		if filter.Match(r) {
			for k, v := range patch {
				r[k] = v
			}
		}
	}
}

func (m *Memory) GetSession(ctx context.Context) (*model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return nil, nil
	}
	id := *m.identity
	return &id, nil
}

func (m *Memory) OnAuthChange(fn func(backend.AuthEvent)) func() {
	m.mu.Lock()
	id := m.nextAuth
	m.nextAuth++
	m.auth[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.auth, id)
		m.mu.Unlock()
	}
}

func (m *Memory) SignOut(ctx context.Context) error {
	m.SetSession(nil)
	return nil
}

func (m *Memory) Read(ctx context.Context, q backend.Query) ([]backend.Row, error) {
	if m.BeforeRead != nil {
		if err := m.BeforeRead(ctx, q); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["read:"+q.Table]++

	var out []backend.Row
	for _, r := range m.tables[q.Table] {
		if q.Filter.Match(r) {
			out = append(out, copyRow(r))
		}
	}
	if len(q.Order) > 0 {
		slices.SortStableFunc(out, func(a, b backend.Row) int {
			for _, o := range q.Order {
				c := compareValues(a[o.Column], b[o.Column])
				if o.Desc {
					c = -c
				}
				if c != 0 {
					return c
				}
			}
			return 0
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) Insert(ctx context.Context, table string, rows ...backend.Row) ([]backend.Row, error) {
	if m.BeforeInsert != nil {
		if err := m.BeforeInsert(table, rows); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["insert:"+table]++
	return m.insertLocked(table, rows...)
}

func (m *Memory) insertLocked(table string, rows ...backend.Row) ([]backend.Row, error) {
	prepared := make([]backend.Row, 0, len(rows))
	for _, r := range rows {
		r = copyRow(r)
		if table != backend.TableChatMembers {
			if _, ok := r["id"]; !ok {
				r["id"] = uuid.NewString()
			}
		}
		if err := m.checkUniqueLocked(table, r, prepared); err != nil {
			return nil, err
		}
		prepared = append(prepared, r)
	}
	out := make([]backend.Row, len(prepared))
	for i, r := range prepared {
		m.tables[table] = append(m.tables[table], r)
		m.seq++
		m.publishLocked(backend.Change{Table: table, Type: backend.EventInsert, Row: copyRow(r), Seq: m.seq, Generation: m.gen})
		out[i] = copyRow(r)
	}
	return out, nil
}

func (m *Memory) checkUniqueLocked(table string, r backend.Row, pending []backend.Row) error {
	existing := append(slices.Clone(m.tables[table]), pending...)
	for _, e := range existing {
		switch table {
		case backend.TableChatMembers:
			if e["chat_id"] == r["chat_id"] && e["user_id"] == r["user_id"] {
				return fmt.Errorf("chat_members (%v, %v): %w", r["chat_id"], r["user_id"], backend.ErrConflict)
			}
		default:
			if e["id"] == r["id"] {
				return fmt.Errorf("%s id %v: %w", table, r["id"], backend.ErrConflict)
			}
			if table == backend.TableChats {
				if k, ok := r["direct_key"].(string); ok && k != "" && e["direct_key"] == k {
					return fmt.Errorf("chats direct_key %s: %w", k, backend.ErrConflict)
				}
			}
		}
	}
	return nil
}

func (m *Memory) Update(ctx context.Context, table string, filter backend.Filter, patch backend.Row) ([]backend.Row, error) {
	if m.BeforeUpdate != nil {
		if err := m.BeforeUpdate(table, filter, patch); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["update:"+table]++

	var out []backend.Row
	for _, r := range m.tables[table] {
		if !filter.Match(r) {
			continue
		}
		for k, v := range patch {
			r[k] = v
		}
		m.seq++
		m.publishLocked(backend.Change{Table: table, Type: backend.EventUpdate, Row: copyRow(r), Seq: m.seq, Generation: m.gen})
		out = append(out, copyRow(r))
	}
	return out, nil
}

func (m *Memory) Call(ctx context.Context, fn string, args backend.Row) (backend.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["rpc:"+fn]++
	if !m.RPC {
		return nil, fmt.Errorf("%s: %w", fn, backend.ErrUnsupported)
	}

	switch fn {
	case backend.RPCCreateDirectChat:
		a, _ := args["user_a"].(string)
		b, _ := args["user_b"].(string)
		chat := backend.Row{
			"name":       args["name"],
			"created_by": a,
			"is_group":   false,
			"created_at": args["created_at"],
			"direct_key": args["direct_key"],
		}
		return m.createLocked(chat, []string{a, b}, false)
	case backend.RPCCreateGroupChat:
		raw, _ := args["members"].([]any)
		members := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				members = append(members, s)
			}
		}
		if len(members) == 0 {
			return nil, fmt.Errorf("%s: no members: %w", fn, backend.ErrInvalid)
		}
		chat := backend.Row{
			"name":       args["name"],
			"created_by": members[0],
			"is_group":   true,
			"created_at": args["created_at"],
		}
		return m.createLocked(chat, members, true)
	default:
		return nil, fmt.Errorf("%s: %w", fn, backend.ErrUnsupported)
	}
}

func (m *Memory) createLocked(chat backend.Row, members []string, firstIsAdmin bool) (backend.Row, error) {
	chat["id"] = uuid.NewString()
	if err := m.checkUniqueLocked(backend.TableChats, chat, nil); err != nil {
		return nil, err
	}
	rows, err := m.insertLocked(backend.TableChats, chat)
	if err != nil {
		return nil, err
	}
	ms := make([]backend.Row, len(members))
	for i, uid := range members {
		ms[i] = backend.Row{
			"chat_id":   chat["id"],
			"user_id":   uid,
			"is_admin":  i == 0 && firstIsAdmin,
			"joined_at": chat["created_at"],
		}
	}
	if _, err := m.insertLocked(backend.TableChatMembers, ms...); err != nil {
		return nil, err
	}
	return rows[0], nil
}

func (m *Memory) Subscribe(ctx context.Context, scope backend.Scope) (backend.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &memSub{id: uuid.NewString(), scope: scope, ch: make(chan backend.Change, 256)}
	m.subs[s.id] = s
	return s, nil
}

func (m *Memory) Unsubscribe(sub backend.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[sub.ID()]
	if !ok {
		return nil
	}
	delete(m.subs, s.id)
	close(s.ch)
	return nil
}

func (m *Memory) Upload(ctx context.Context, bucket, path string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["upload:"+bucket]++
	m.uploads[bucket+"/"+path] = slices.Clone(data)
	return "mem://" + bucket + "/" + path, nil
}

func (m *Memory) publishLocked(c backend.Change) {
	for _, s := range m.subs {
		if !s.scope.Wants(c) {
			continue
		}
		select {
		case s.ch <- c:
		default:
		}
	}
}

func copyRow(r backend.Row) backend.Row {
	out := make(backend.Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func compareValues(a, b any) int {
	switch x := a.(type) {
	case int64:
		if y, ok := b.(int64); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
