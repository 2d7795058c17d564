// Package embedded is a local backend.Client: rows and the change log live in
// SQLite, blobs on the filesystem, and realtime delivery runs over the
// in-process bus. Authentication is a local identity switch.
package embedded

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/simplechat/internal/backend"
	"github.com/matheus3301/simplechat/internal/blob"
	"github.com/matheus3301/simplechat/internal/bus"
	"github.com/matheus3301/simplechat/internal/model"
	"github.com/matheus3301/simplechat/internal/realtime"
	"github.com/matheus3301/simplechat/internal/store"
)

// Backend implements backend.Client.
type Backend struct {
	db     *store.DB
	hub    *realtime.Hub
	blobs  *blob.Store
	bus    *bus.Bus
	logger *zap.Logger

	mu        sync.Mutex
	identity  *model.Identity
	listeners map[int]func(backend.AuthEvent)
	next      int
}

var _ backend.Client = (*Backend)(nil)

// New assembles a backend.
func New(db *store.DB, hub *realtime.Hub, blobs *blob.Store, b *bus.Bus, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		db:        db,
		hub:       hub,
		blobs:     blobs,
		bus:       b,
		logger:    logger,
		listeners: make(map[int]func(backend.AuthEvent)),
	}
}

// --- Auth ---

// SignUp creates a profile and signs it in. Email is required; username
// defaults to the local part of the email.
func (e *Backend) SignUp(ctx context.Context, email, username, name string) (*model.Identity, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if !strings.Contains(email, "@") {
		return nil, fmt.Errorf("email %q: %w", email, backend.ErrInvalid)
	}
	if username == "" {
		username, _, _ = strings.Cut(email, "@")
	}

	id := &model.Identity{UserID: uuid.NewString(), Email: email}
	if _, err := e.db.Insert(ctx, backend.TableProfiles, backend.Row{
		"id":       id.UserID,
		"email":    email,
		"username": username,
		"name":     name,
	}); err != nil {
		if errors.Is(err, backend.ErrConflict) && strings.Contains(err.Error(), "profiles.email") {
			return nil, fmt.Errorf("email %s already registered: %w", email, backend.ErrConflict)
		}
		return nil, fmt.Errorf("sign up: %w", err)
	}
	e.logger.Info("signed up", zap.String("user_id", id.UserID))
	e.setIdentity(id)
	return id, nil
}

// SignIn signs in the profile whose username, email or phone equals identifier.
func (e *Backend) SignIn(ctx context.Context, identifier string) (*model.Identity, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, fmt.Errorf("empty identifier: %w", backend.ErrInvalid)
	}
	rows, err := e.db.Read(ctx, backend.Query{
		Table: backend.TableProfiles,
		Filter: backend.Where(backend.Or(
			backend.Eq("username", identifier),
			backend.Eq("email", strings.ToLower(identifier)),
			backend.Eq("phone", identifier),
		)),
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("user %q: %w", identifier, backend.ErrNotFound)
	}
	u, err := backend.DecodeUser(rows[0])
	if err != nil {
		return nil, err
	}
	id := &model.Identity{UserID: u.ID, Email: u.Email}
	e.setIdentity(id)
	return id, nil
}

// Restore signs userID back in without notifying listeners, e.g. from a
// saved profile config. Unknown users are reported as ErrNotFound.
func (e *Backend) Restore(ctx context.Context, userID string) (*model.Identity, error) {
	rows, err := e.db.Read(ctx, backend.Query{
		Table:  backend.TableProfiles,
		Filter: backend.Where(backend.Eq("id", userID)),
		Limit:  1,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("user %s: %w", userID, backend.ErrNotFound)
	}
	u, err := backend.DecodeUser(rows[0])
	if err != nil {
		return nil, err
	}
	id := &model.Identity{UserID: u.ID, Email: u.Email}
	e.mu.Lock()
	e.identity = id
	e.mu.Unlock()
	return id, nil
}

func (e *Backend) GetSession(ctx context.Context) (*model.Identity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.identity == nil {
		return nil, nil
	}
	id := *e.identity
	return &id, nil
}

func (e *Backend) OnAuthChange(fn func(backend.AuthEvent)) func() {
	e.mu.Lock()
	id := e.next
	e.next++
	e.listeners[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

func (e *Backend) SignOut(ctx context.Context) error {
	e.setIdentity(nil)
	return nil
}

func (e *Backend) setIdentity(id *model.Identity) {
	e.mu.Lock()
	e.identity = id
	fns := make([]func(backend.AuthEvent), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	evt := backend.AuthEvent{Type: backend.SignedOut}
	if id != nil {
		cp := *id
		evt = backend.AuthEvent{Type: backend.SignedIn, Identity: &cp}
	}
	for _, fn := range fns {
		fn(evt)
	}
	if e.bus != nil {
		e.bus.Publish(bus.Event{Kind: bus.KindAuthChanged, Payload: evt})
	}
}

// --- Rows ---

func (e *Backend) Read(ctx context.Context, q backend.Query) ([]backend.Row, error) {
	return e.db.Read(ctx, q)
}

func (e *Backend) Insert(ctx context.Context, table string, rows ...backend.Row) ([]backend.Row, error) {
	return e.db.Insert(ctx, table, rows...)
}

func (e *Backend) Update(ctx context.Context, table string, filter backend.Filter, patch backend.Row) ([]backend.Row, error) {
	return e.db.Update(ctx, table, filter, patch)
}

func (e *Backend) Call(ctx context.Context, fn string, args backend.Row) (backend.Row, error) {
	return e.db.Call(ctx, fn, args)
}

// --- Realtime ---

func (e *Backend) Subscribe(ctx context.Context, scope backend.Scope) (backend.Subscription, error) {
	return e.hub.Subscribe(ctx, scope)
}

func (e *Backend) Unsubscribe(sub backend.Subscription) error {
	return e.hub.Unsubscribe(sub)
}

// --- Storage ---

func (e *Backend) Upload(ctx context.Context, bucket, path string, data []byte) (string, error) {
	return e.blobs.Upload(ctx, bucket, path, data)
}
