package backend

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/simplechat/internal/model"
)

// AvatarBucket is the blob bucket holding profile pictures.
const AvatarBucket = "avatars"

// Facade is the typed view of a Client. It is the only place rows are
// converted to model records.
type Facade struct {
	client Client
	logger *zap.Logger
	now    func() time.Time
}

// NewFacade wraps client.
func NewFacade(client Client, logger *zap.Logger) *Facade {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Facade{client: client, logger: logger, now: time.Now}
}

// WithClock replaces the time source used for created_at and updated_at stamps.
func (f *Facade) WithClock(now func() time.Time) *Facade {
	f.now = now
	return f
}

// Now returns the facade clock.
func (f *Facade) Now() time.Time { return f.now() }

// DirectKey is the order-independent key of a two-person chat.
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// --- Auth ---

func (f *Facade) Session(ctx context.Context) (*model.Identity, error) {
	return f.client.GetSession(ctx)
}

func (f *Facade) OnAuthChange(fn func(AuthEvent)) func() {
	return f.client.OnAuthChange(fn)
}

func (f *Facade) SignOut(ctx context.Context) error {
	return f.client.SignOut(ctx)
}

// --- Profiles ---

// GetProfile returns the profile or nil when it does not exist.
func (f *Facade) GetProfile(ctx context.Context, userID string) (*model.User, error) {
	rows, err := f.client.Read(ctx, Query{
		Table:  TableProfiles,
		Filter: Where(Eq("id", userID)),
		Limit:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("read profile %s: %w", userID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	u, err := DecodeUser(rows[0])
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateProfile inserts a profile for id. An empty username defaults to the
// local part of the email.
func (f *Facade) CreateProfile(ctx context.Context, id model.Identity, username, name string) (model.User, error) {
	if username == "" {
		username, _, _ = strings.Cut(id.Email, "@")
	}
	now := millis(f.now())
	rows, err := f.client.Insert(ctx, TableProfiles, Row{
		"id":         id.UserID,
		"email":      id.Email,
		"username":   username,
		"name":       name,
		"created_at": now,
		"updated_at": now,
	})
	if err != nil {
		return model.User{}, fmt.Errorf("create profile %s: %w", id.UserID, err)
	}
	return firstDecoded(rows, DecodeUser)
}

// UpdateProfile applies patch and stamps updated_at.
func (f *Facade) UpdateProfile(ctx context.Context, userID string, patch model.ProfilePatch) (model.User, error) {
	row := Row{"updated_at": millis(f.now())}
	if patch.Name != nil {
		row["name"] = *patch.Name
	}
	if patch.Username != nil {
		row["username"] = *patch.Username
	}
	if patch.Phone != nil {
		row["phone"] = *patch.Phone
	}
	if patch.AvatarURL != nil {
		row["avatar_url"] = *patch.AvatarURL
	}
	rows, err := f.client.Update(ctx, TableProfiles, Where(Eq("id", userID)), row)
	if err != nil {
		return model.User{}, fmt.Errorf("update profile %s: %w", userID, err)
	}
	if len(rows) == 0 {
		return model.User{}, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	return DecodeUser(rows[0])
}

// FindUserByIdentifier matches an exact username, email or phone.
func (f *Facade) FindUserByIdentifier(ctx context.Context, identifier string) (*model.User, error) {
	rows, err := f.client.Read(ctx, Query{
		Table: TableProfiles,
		Filter: Where(Or(
			Eq("username", identifier),
			Eq("email", identifier),
			Eq("phone", identifier),
		)),
		Limit: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("find user %q: %w", identifier, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	u, err := DecodeUser(rows[0])
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SearchUsers is a case-insensitive substring search over username, email,
// name and phone.
func (f *Facade) SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]model.User, error) {
	pattern := "%" + query + "%"
	filter := Where(Or(
		ILike("username", pattern),
		ILike("email", pattern),
		ILike("name", pattern),
		ILike("phone", pattern),
	))
	if excludeID != "" {
		filter = append(filter, Neq("id", excludeID))
	}
	rows, err := f.client.Read(ctx, Query{
		Table:  TableProfiles,
		Filter: filter,
		Order:  []Order{{Column: "username"}},
		Limit:  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	return decodeAll(rows, DecodeUser)
}

// ListUsers returns every profile except excludeID, ordered by username.
func (f *Facade) ListUsers(ctx context.Context, excludeID string) ([]model.User, error) {
	var filter Filter
	if excludeID != "" {
		filter = Where(Neq("id", excludeID))
	}
	rows, err := f.client.Read(ctx, Query{
		Table:  TableProfiles,
		Filter: filter,
		Order:  []Order{{Column: "username"}},
	})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return decodeAll(rows, DecodeUser)
}

// --- Chats ---

// Memberships returns the memberships of a user.
func (f *Facade) Memberships(ctx context.Context, userID string) ([]model.Membership, error) {
	rows, err := f.client.Read(ctx, Query{
		Table:  TableChatMembers,
		Filter: Where(Eq("user_id", userID)),
	})
	if err != nil {
		return nil, fmt.Errorf("read memberships of %s: %w", userID, err)
	}
	return decodeAll(rows, DecodeMembership)
}

// ChatsForUser returns every chat userID is a member of, unordered.
func (f *Facade) ChatsForUser(ctx context.Context, userID string) ([]model.Chat, error) {
	ms, err := f.Memberships(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(ms) == 0 {
		return []model.Chat{}, nil
	}
	ids := make([]string, len(ms))
	for i, m := range ms {
		ids[i] = m.ChatID
	}
	rows, err := f.client.Read(ctx, Query{
		Table:  TableChats,
		Filter: Where(In("id", ids...)),
	})
	if err != nil {
		return nil, fmt.Errorf("read chats: %w", err)
	}
	return decodeAll(rows, DecodeChat)
}

// GetChat returns a chat by id.
func (f *Facade) GetChat(ctx context.Context, chatID string) (model.Chat, error) {
	rows, err := f.client.Read(ctx, Query{
		Table:  TableChats,
		Filter: Where(Eq("id", chatID)),
		Limit:  1,
	})
	if err != nil {
		return model.Chat{}, fmt.Errorf("read chat %s: %w", chatID, err)
	}
	if len(rows) == 0 {
		return model.Chat{}, fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	return DecodeChat(rows[0])
}

// ChatByDirectKey returns the direct chat stored under key, or nil.
func (f *Facade) ChatByDirectKey(ctx context.Context, key string) (*model.Chat, error) {
	rows, err := f.client.Read(ctx, Query{
		Table:  TableChats,
		Filter: Where(Eq("direct_key", key)),
		Limit:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("read chat by key %s: %w", key, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	c, err := DecodeChat(rows[0])
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// MemberSets returns the member ids of each chat in chatIDs.
func (f *Facade) MemberSets(ctx context.Context, chatIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(chatIDs))
	if len(chatIDs) == 0 {
		return out, nil
	}
	rows, err := f.client.Read(ctx, Query{
		Table:  TableChatMembers,
		Filter: Where(In("chat_id", chatIDs...)),
	})
	if err != nil {
		return nil, fmt.Errorf("read chat members: %w", err)
	}
	ms, err := decodeAll(rows, DecodeMembership)
	if err != nil {
		return nil, err
	}
	for _, m := range ms {
		out[m.ChatID] = append(out[m.ChatID], m.UserID)
	}
	return out, nil
}

// Members returns the member ids of one chat.
func (f *Facade) Members(ctx context.Context, chatID string) ([]string, error) {
	sets, err := f.MemberSets(ctx, []string{chatID})
	if err != nil {
		return nil, err
	}
	return sets[chatID], nil
}

// CreateDirectChat creates a direct chat and both memberships in one backend
// transaction. Backends without the procedure return ErrUnsupported.
func (f *Facade) CreateDirectChat(ctx context.Context, name, userA, userB string) (model.Chat, error) {
	row, err := f.client.Call(ctx, RPCCreateDirectChat, Row{
		"name":       name,
		"user_a":     userA,
		"user_b":     userB,
		"direct_key": DirectKey(userA, userB),
		"created_at": millis(f.now()),
	})
	if err != nil {
		return model.Chat{}, fmt.Errorf("%s: %w", RPCCreateDirectChat, err)
	}
	return DecodeChat(row)
}

// CreateGroupChat creates a group chat and its memberships in one backend
// transaction. The first member is the creator and admin.
func (f *Facade) CreateGroupChat(ctx context.Context, name string, memberIDs []string) (model.Chat, error) {
	members := make([]any, len(memberIDs))
	for i, id := range memberIDs {
		members[i] = id
	}
	row, err := f.client.Call(ctx, RPCCreateGroupChat, Row{
		"name":       name,
		"members":    members,
		"created_at": millis(f.now()),
	})
	if err != nil {
		return model.Chat{}, fmt.Errorf("%s: %w", RPCCreateGroupChat, err)
	}
	return DecodeChat(row)
}

// InsertChat inserts a chat row. A non-empty directKey marks it as the direct
// chat of that pair.
func (f *Facade) InsertChat(ctx context.Context, c model.Chat, directKey string) (model.Chat, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = f.now()
	}
	row := encodeChat(c)
	if directKey != "" {
		row["direct_key"] = directKey
	}
	rows, err := f.client.Insert(ctx, TableChats, row)
	if err != nil {
		return model.Chat{}, fmt.Errorf("insert chat: %w", err)
	}
	return firstDecoded(rows, DecodeChat)
}

// InsertMembers inserts memberships in one call.
func (f *Facade) InsertMembers(ctx context.Context, ms ...model.Membership) error {
	if len(ms) == 0 {
		return nil
	}
	now := f.now()
	rows := make([]Row, len(ms))
	for i, m := range ms {
		if m.JoinedAt.IsZero() {
			m.JoinedAt = now
		}
		rows[i] = encodeMembership(m)
	}
	if _, err := f.client.Insert(ctx, TableChatMembers, rows...); err != nil {
		return fmt.Errorf("insert members: %w", err)
	}
	return nil
}

// TouchChat sets last_message_at.
func (f *Facade) TouchChat(ctx context.Context, chatID string, at time.Time) error {
	_, err := f.client.Update(ctx, TableChats, Where(Eq("id", chatID)), Row{"last_message_at": millis(at)})
	if err != nil {
		return fmt.Errorf("touch chat %s: %w", chatID, err)
	}
	return nil
}

// --- Messages ---

// RecentMessages returns up to limit of the newest messages, oldest first.
func (f *Facade) RecentMessages(ctx context.Context, chatID string, limit int) ([]model.Message, error) {
	rows, err := f.client.Read(ctx, Query{
		Table:  TableMessages,
		Filter: Where(Eq("chat_id", chatID)),
		Order:  []Order{{Column: "created_at", Desc: true}, {Column: "id", Desc: true}},
		Limit:  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("read messages of %s: %w", chatID, err)
	}
	msgs, err := decodeAll(rows, DecodeMessage)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(msgs, model.CompareMessages)
	return msgs, nil
}

// LastMessage returns the newest message of a chat, or nil.
func (f *Facade) LastMessage(ctx context.Context, chatID string) (*model.Message, error) {
	msgs, err := f.RecentMessages(ctx, chatID, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

// GetMessage returns a message by id.
func (f *Facade) GetMessage(ctx context.Context, messageID string) (model.Message, error) {
	rows, err := f.client.Read(ctx, Query{
		Table:  TableMessages,
		Filter: Where(Eq("id", messageID)),
		Limit:  1,
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("read message %s: %w", messageID, err)
	}
	if len(rows) == 0 {
		return model.Message{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	return DecodeMessage(rows[0])
}

// InsertMessage inserts m, stamping created_at when unset.
func (f *Facade) InsertMessage(ctx context.Context, m model.Message) (model.Message, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = f.now()
	}
	rows, err := f.client.Insert(ctx, TableMessages, encodeMessage(m))
	if err != nil {
		return model.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return firstDecoded(rows, DecodeMessage)
}

// MarkMessageDeleted sets the deleted flag and replaces the content with the tombstone.
func (f *Facade) MarkMessageDeleted(ctx context.Context, messageID string) (model.Message, error) {
	return f.updateMessage(ctx, messageID, Row{"is_deleted": true, "content": model.Tombstone})
}

// SetMessageContent replaces the content of a message.
func (f *Facade) SetMessageContent(ctx context.Context, messageID, body string) (model.Message, error) {
	return f.updateMessage(ctx, messageID, Row{"content": body})
}

func (f *Facade) updateMessage(ctx context.Context, messageID string, patch Row) (model.Message, error) {
	rows, err := f.client.Update(ctx, TableMessages, Where(Eq("id", messageID)), patch)
	if err != nil {
		return model.Message{}, fmt.Errorf("update message %s: %w", messageID, err)
	}
	if len(rows) == 0 {
		return model.Message{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	return DecodeMessage(rows[0])
}

// --- Storage ---

// UploadAvatar writes an avatar and returns its URL.
func (f *Facade) UploadAvatar(ctx context.Context, path string, data []byte) (string, error) {
	url, err := f.client.Upload(ctx, AvatarBucket, path, data)
	if err != nil {
		return "", fmt.Errorf("upload %s/%s: %w", AvatarBucket, path, err)
	}
	return url, nil
}

// --- Live feeds ---

// SubscribeMessages streams inserts and updates of one chat's messages.
// Resync changes pass through with their generation.
func (f *Facade) SubscribeMessages(ctx context.Context, chatID string) (*Feed[MessageEvent], error) {
	scope := Scope{
		Table:  TableMessages,
		Events: []EventType{EventInsert, EventUpdate},
		Filter: Where(Eq("chat_id", chatID)),
	}
	return subscribe(ctx, f, scope, func(c Change) (MessageEvent, bool) {
		if c.Type == EventResync {
			return MessageEvent{Type: EventResync, Generation: c.Generation}, true
		}
		m, err := DecodeMessage(c.Row)
		if err != nil {
			f.logger.Warn("dropping undecodable message change", zap.Int64("seq", c.Seq), zap.Error(err))
			return MessageEvent{}, false
		}
		return MessageEvent{Type: c.Type, Message: m, Generation: c.Generation}, true
	})
}

// SubscribeMemberships streams new memberships of a user.
func (f *Facade) SubscribeMemberships(ctx context.Context, userID string) (*Feed[EventType], error) {
	return f.subscribeSignal(ctx, Scope{
		Table:  TableChatMembers,
		Events: []EventType{EventInsert},
		Filter: Where(Eq("user_id", userID)),
	})
}

// SubscribeChats streams the ids of updated chat rows. A resync arrives as
// an empty id.
func (f *Facade) SubscribeChats(ctx context.Context) (*Feed[string], error) {
	scope := Scope{
		Table:  TableChats,
		Events: []EventType{EventUpdate},
	}
	return subscribe(ctx, f, scope, func(c Change) (string, bool) {
		if c.Type == EventResync {
			return "", true
		}
		id, _ := c.Row["id"].(string)
		return id, id != ""
	})
}

// SubscribeProfile streams changes to one profile.
func (f *Facade) SubscribeProfile(ctx context.Context, userID string) (*Feed[EventType], error) {
	return f.subscribeSignal(ctx, Scope{
		Table:  TableProfiles,
		Filter: Where(Eq("id", userID)),
	})
}

func (f *Facade) subscribeSignal(ctx context.Context, scope Scope) (*Feed[EventType], error) {
	return subscribe(ctx, f, scope, func(c Change) (EventType, bool) { return c.Type, true })
}

func subscribe[T any](ctx context.Context, f *Facade, scope Scope, convert func(Change) (T, bool)) (*Feed[T], error) {
	sub, err := f.client.Subscribe(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", scope.Table, err)
	}

	out := make(chan T, 64)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		defer close(out)
		for {
			select {
			case <-done:
				return
			case c, ok := <-sub.Changes():
				if !ok {
					return
				}
				v, keep := convert(c)
				if !keep {
					continue
				}
				select {
				case out <- v:
				case <-done:
					return
				}
			}
		}
	}()

	return NewFeed(out, func() error {
		close(done)
		err := f.client.Unsubscribe(sub)
		<-stopped
		return err
	}), nil
}

func firstDecoded[T any](rows []Row, decode func(Row) (T, error)) (T, error) {
	if len(rows) == 0 {
		var zero T
		return zero, fmt.Errorf("no row returned: %w", ErrInvalid)
	}
	return decode(rows[0])
}
