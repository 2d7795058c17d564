// Package directory lists a user's chats and resolves direct and group chats.
package directory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/matheus3301/simplechat/internal/apperr"
	"github.com/matheus3301/simplechat/internal/backend"
	"github.com/matheus3301/simplechat/internal/model"
)

// ErrIncompleteChat is returned when a chat exists but lacks some of its
// members.
var ErrIncompleteChat = errors.New("chat membership incomplete")

const (
	// MinSearchLength is the shortest query SearchUsers runs.
	MinSearchLength = 2
	searchLimit     = 10
	lastMessageFans = 8
	reloadTimeout   = 10 * time.Second
)

// Directory owns the in-memory chat list of one user.
type Directory struct {
	facade *backend.Facade
	logger *zap.Logger
	flight singleflight.Group

	mu      sync.RWMutex
	chats   []model.ChatSummary
	updates chan struct{}

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// New creates a directory.
func New(f *backend.Facade, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		facade:  f,
		logger:  logger,
		updates: make(chan struct{}, 1),
	}
}

// ListChatsForUser loads every chat of userID with its latest message,
// most recent first, and replaces the in-memory list.
func (d *Directory) ListChatsForUser(ctx context.Context, userID string) ([]model.ChatSummary, error) {
	if userID == "" {
		return nil, apperr.Invalid("user", "must not be empty")
	}
	chats, err := d.facade.ChatsForUser(ctx, userID)
	if err != nil {
		d.logger.Error("failed to list chats", zap.String("user_id", userID), zap.Error(err))
		return nil, apperr.Backend("list chats", err)
	}

	out := make([]model.ChatSummary, len(chats))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lastMessageFans)
	for i, c := range chats {
		out[i].Chat = c
		g.Go(func() error {
			m, err := d.facade.LastMessage(gctx, c.ID)
			if err != nil {
				return err
			}
			out[i].LastMessage = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		d.logger.Error("failed to load last messages", zap.String("user_id", userID), zap.Error(err))
		return nil, apperr.Backend("list chats", err)
	}

	sortByActivity(out)

	d.mu.Lock()
	d.chats = out
	d.mu.Unlock()
	d.notify()

	return slices.Clone(out), nil
}

// Chats returns the last loaded chat list.
func (d *Directory) Chats() []model.ChatSummary {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.chats)
}

// Updates signals every reload of the chat list. Signals coalesce.
func (d *Directory) Updates() <-chan struct{} {
	return d.updates
}

// FindOrCreateDirectChat returns the direct chat of userA and userB,
// creating it when none exists. At most one direct chat exists per pair.
func (d *Directory) FindOrCreateDirectChat(ctx context.Context, userA, userB string) (model.Chat, error) {
	userA, userB = strings.TrimSpace(userA), strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return model.Chat{}, apperr.Invalid("participants", "both users are required")
	}
	if userA == userB {
		return model.Chat{}, apperr.Invalid("participants", "cannot start a chat with yourself")
	}

	key := backend.DirectKey(userA, userB)
	v, err, shared := d.flight.Do(key, func() (any, error) {
		return d.findOrCreateDirect(ctx, userA, userB, key)
	})
	if shared {
		d.logger.Debug("direct chat lookup shared", zap.String("key", key))
	}
	if err != nil {
		return model.Chat{}, err
	}
	return v.(model.Chat), nil
}

func (d *Directory) findOrCreateDirect(ctx context.Context, userA, userB, key string) (model.Chat, error) {
	existing, err := d.findDirect(ctx, userA, userB)
	if err != nil {
		return model.Chat{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	name, err := d.directName(ctx, userB)
	if err != nil {
		return model.Chat{}, err
	}

	chat, err := d.facade.CreateDirectChat(ctx, name, userA, userB)
	switch {
	case err == nil:
		d.logger.Info("direct chat created", zap.String("chat_id", chat.ID), zap.String("key", key))
		return chat, nil
	case errors.Is(err, backend.ErrConflict):
		return d.adoptDirect(ctx, key, userA, userB)
	case !errors.Is(err, backend.ErrUnsupported):
		return model.Chat{}, apperr.Backend("create direct chat", err)
	}

	chat, err = d.facade.InsertChat(ctx, model.Chat{Name: name, CreatedBy: userA}, key)
	if errors.Is(err, backend.ErrConflict) {
		return d.adoptDirect(ctx, key, userA, userB)
	}
	if err != nil {
		return model.Chat{}, &apperr.ChatCreationError{Stage: "chat", Err: err}
	}
	err = d.facade.InsertMembers(ctx,
		model.Membership{ChatID: chat.ID, UserID: userA},
		model.Membership{ChatID: chat.ID, UserID: userB},
	)
	if errors.Is(err, backend.ErrConflict) {
		return d.adoptDirect(ctx, key, userA, userB)
	}
	if err != nil {
		d.logger.Error("direct chat left without members", zap.String("chat_id", chat.ID), zap.Error(err))
		return model.Chat{}, &apperr.ChatCreationError{Stage: "members", ChatID: chat.ID, Err: err}
	}
	d.logger.Info("direct chat created", zap.String("chat_id", chat.ID), zap.String("key", key))
	return chat, nil
}

// findDirect scans the non-group chats of userA for one whose member set is
// exactly {userA, userB}. No match returns nil without error.
func (d *Directory) findDirect(ctx context.Context, userA, userB string) (*model.Chat, error) {
	chats, err := d.facade.ChatsForUser(ctx, userA)
	if err != nil {
		return nil, apperr.Backend("find direct chat", err)
	}
	var ids []string
	byID := make(map[string]model.Chat)
	for _, c := range chats {
		if !c.IsGroup {
			ids = append(ids, c.ID)
			byID[c.ID] = c
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	sets, err := d.facade.MemberSets(ctx, ids)
	if err != nil {
		return nil, apperr.Backend("find direct chat", err)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if samePair(sets[id], userA, userB) {
			c := byID[id]
			return &c, nil
		}
	}
	return nil, nil
}

// adoptDirect returns the chat another client created under key. Missing
// memberships left by an interrupted creation are added first.
func (d *Directory) adoptDirect(ctx context.Context, key, userA, userB string) (model.Chat, error) {
	chat, err := d.facade.ChatByDirectKey(ctx, key)
	if err != nil {
		return model.Chat{}, apperr.Backend("adopt direct chat", err)
	}
	if chat == nil {
		return model.Chat{}, &apperr.ChatCreationError{
			Stage: "adopt",
			Err:   fmt.Errorf("direct chat %s: %w", key, backend.ErrNotFound),
		}
	}

	members, err := d.facade.Members(ctx, chat.ID)
	if err != nil {
		return model.Chat{}, apperr.Backend("adopt direct chat", err)
	}
	if samePair(members, userA, userB) {
		d.logger.Info("adopted existing direct chat", zap.String("chat_id", chat.ID))
		return *chat, nil
	}

	var missing []model.Membership
	for _, uid := range []string{userA, userB} {
		if !slices.Contains(members, uid) {
			missing = append(missing, model.Membership{ChatID: chat.ID, UserID: uid})
		}
	}
	if len(members)+len(missing) != 2 {
		return model.Chat{}, &apperr.ChatCreationError{
			Stage:  "adopt",
			ChatID: chat.ID,
			Err:    fmt.Errorf("direct chat has members %v: %w", members, ErrIncompleteChat),
		}
	}
	err = d.facade.InsertMembers(ctx, missing...)
	if err != nil && !errors.Is(err, backend.ErrConflict) {
		return model.Chat{}, &apperr.ChatCreationError{Stage: "members", ChatID: chat.ID, Err: err}
	}
	if err != nil {
		// Someone else is completing the same chat.
		members, err = d.facade.Members(ctx, chat.ID)
		if err != nil {
			return model.Chat{}, apperr.Backend("adopt direct chat", err)
		}
		if !samePair(members, userA, userB) {
			return model.Chat{}, &apperr.ChatCreationError{
				Stage:  "members",
				ChatID: chat.ID,
				Err:    fmt.Errorf("direct chat has members %v: %w", members, ErrIncompleteChat),
			}
		}
	}
	d.logger.Info("completed direct chat membership", zap.String("chat_id", chat.ID), zap.Int("added", len(missing)))
	return *chat, nil
}

func (d *Directory) directName(ctx context.Context, userID string) (string, error) {
	u, err := d.facade.GetProfile(ctx, userID)
	if err != nil {
		return "", apperr.Backend("load participant", err)
	}
	if u == nil || u.DisplayName() == "" {
		return userID, nil
	}
	return u.DisplayName(), nil
}

// CreateGroupChat creates a group of memberIDs named name. The first member
// is the creator and the only admin.
func (d *Directory) CreateGroupChat(ctx context.Context, name string, memberIDs []string) (model.Chat, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Chat{}, apperr.Invalid("name", "group name is required")
	}
	members := dedupe(memberIDs)
	if len(members) < 2 {
		return model.Chat{}, apperr.Invalid("members", "a group needs at least two members")
	}

	chat, err := d.facade.CreateGroupChat(ctx, name, members)
	if err == nil {
		d.logger.Info("group chat created", zap.String("chat_id", chat.ID), zap.Int("members", len(members)))
		return chat, nil
	}
	if !errors.Is(err, backend.ErrUnsupported) {
		return model.Chat{}, apperr.Backend("create group chat", err)
	}

	chat, err = d.facade.InsertChat(ctx, model.Chat{Name: name, CreatedBy: members[0], IsGroup: true}, "")
	if err != nil {
		return model.Chat{}, &apperr.ChatCreationError{Stage: "chat", Err: err}
	}
	ms := make([]model.Membership, len(members))
	for i, uid := range members {
		ms[i] = model.Membership{ChatID: chat.ID, UserID: uid, IsAdmin: i == 0}
	}
	if err := d.facade.InsertMembers(ctx, ms...); err != nil {
		d.logger.Error("group chat left without members", zap.String("chat_id", chat.ID), zap.Error(err))
		return model.Chat{}, &apperr.ChatCreationError{Stage: "members", ChatID: chat.ID, Err: err}
	}
	d.logger.Info("group chat created", zap.String("chat_id", chat.ID), zap.Int("members", len(members)))
	return chat, nil
}

// SearchUsers returns up to ten users matching query. Queries shorter than
// MinSearchLength return nothing.
func (d *Directory) SearchUsers(ctx context.Context, query, excludeID string) ([]model.User, error) {
	query = strings.TrimSpace(query)
	if len([]rune(query)) < MinSearchLength {
		return []model.User{}, nil
	}
	users, err := d.facade.SearchUsers(ctx, query, excludeID, searchLimit)
	if err != nil {
		return nil, apperr.Backend("search users", err)
	}
	return users, nil
}

// ListUsers returns every user but excludeID.
func (d *Directory) ListUsers(ctx context.Context, excludeID string) ([]model.User, error) {
	users, err := d.facade.ListUsers(ctx, excludeID)
	if err != nil {
		return nil, apperr.Backend("list users", err)
	}
	return users, nil
}

// Chat returns a chat userID is a member of.
func (d *Directory) Chat(ctx context.Context, chatID, userID string) (model.Chat, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return model.Chat{}, apperr.Invalid("chat", "must not be empty")
	}
	chat, err := d.facade.GetChat(ctx, chatID)
	if err != nil {
		return model.Chat{}, apperr.Backend("get chat", err)
	}
	members, err := d.facade.Members(ctx, chatID)
	if err != nil {
		return model.Chat{}, apperr.Backend("get chat", err)
	}
	if !slices.Contains(members, userID) {
		return model.Chat{}, &apperr.AuthorizationError{Op: "open", UserID: userID, Resource: "chat " + chatID}
	}
	return chat, nil
}

// FindUser resolves an exact username, email or phone.
func (d *Directory) FindUser(ctx context.Context, identifier string) (model.User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return model.User{}, apperr.Invalid("identifier", "must not be empty")
	}
	u, err := d.facade.FindUserByIdentifier(ctx, identifier)
	if err != nil {
		return model.User{}, apperr.Backend("find user", err)
	}
	if u == nil {
		return model.User{}, apperr.Backend("find user", fmt.Errorf("user %q: %w", identifier, backend.ErrNotFound))
	}
	return *u, nil
}

// Watch reloads the chat list of userID whenever one of their memberships
// appears or one of the listed chats changes. Updates to other chats are
// ignored. It replaces any previous watch and runs until Close; ctx only
// bounds the subscribe calls.
func (d *Directory) Watch(ctx context.Context, userID string) error {
	d.Close()

	members, err := d.facade.SubscribeMemberships(ctx, userID)
	if err != nil {
		return apperr.Backend("watch chats", err)
	}
	chats, err := d.facade.SubscribeChats(ctx)
	if err != nil {
		_ = members.Close()
		return apperr.Backend("watch chats", err)
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	d.mu.Lock()
	d.watchCancel = cancel
	d.watchDone = done
	d.mu.Unlock()

	go func() {
		defer close(done)
		defer chats.Close()
		defer members.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-members.Events():
				if !ok {
					return
				}
			case id, ok := <-chats.Events():
				if !ok {
					return
				}
				if id != "" && !d.hasChat(id) {
					continue
				}
			}
			drain(members.Events())
			drain(chats.Events())

			rctx, rcancel := context.WithTimeout(ctx, reloadTimeout)
			if _, err := d.ListChatsForUser(rctx, userID); err != nil && ctx.Err() == nil {
				d.logger.Warn("chat list reload failed", zap.Error(err))
			}
			rcancel()
		}
	}()
	return nil
}

// Close stops the watch, if any.
func (d *Directory) Close() {
	d.mu.Lock()
	cancel, done := d.watchCancel, d.watchDone
	d.watchCancel, d.watchDone = nil, nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (d *Directory) hasChat(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.ContainsFunc(d.chats, func(c model.ChatSummary) bool { return c.ID == id })
}

func (d *Directory) notify() {
	select {
	case d.updates <- struct{}{}:
	default:
	}
}

func sortByActivity(chats []model.ChatSummary) {
	slices.SortFunc(chats, func(a, b model.ChatSummary) int {
		if c := b.Activity().Compare(a.Activity()); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func samePair(members []string, a, b string) bool {
	if len(members) != 2 {
		return false
	}
	return (members[0] == a && members[1] == b) || (members[0] == b && members[1] == a)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func drain[T any](ch <-chan T) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
