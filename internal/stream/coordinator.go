// Package stream keeps the ordered message list of the open chat, merging a
// one-shot history fetch with the chat's live feed.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/simplechat/internal/apperr"
	"github.com/matheus3301/simplechat/internal/backend"
	"github.com/matheus3301/simplechat/internal/model"
)

const (
	DefaultFetchLimit   = 50
	DefaultFetchTimeout = 10 * time.Second
)

// ErrSuperseded is returned by OpenChat when a later OpenChat or Close
// replaced it before its history arrived.
var ErrSuperseded = errors.New("chat open superseded")

// LoadState is the history load state of the open chat.
type LoadState int

const (
	LoadIdle LoadState = iota
	LoadLoading
	LoadLoaded
	LoadFailed
)

func (s LoadState) String() string {
	switch s {
	case LoadLoading:
		return "loading"
	case LoadLoaded:
		return "loaded"
	case LoadFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Identity names the local user.
type Identity interface {
	UserID() string
}

// Options tunes history loading.
type Options struct {
	FetchLimit   int
	FetchTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.FetchLimit <= 0 {
		o.FetchLimit = DefaultFetchLimit
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = DefaultFetchTimeout
	}
	return o
}

// View is a point-in-time copy of the coordinator state.
type View struct {
	ChatID   string
	Messages []model.Message
	State    LoadState
	// Err is the load failure when State is LoadFailed.
	Err     error
	ReplyTo *model.Message
	// Generation is the last transport generation seen on the live feed.
	Generation uint64
}

// Coordinator owns the message list of the single open chat.
type Coordinator struct {
	facade   *backend.Facade
	identity Identity
	logger   *zap.Logger
	opts     Options

	// openMu serializes feed replacement so at most one feed is live.
	openMu sync.Mutex

	mu         sync.Mutex
	epoch      uint64
	chatID     string
	tl         *timeline
	state      LoadState
	loadErr    error
	replyTo    string
	generation uint64
	feed       *backend.Feed[backend.MessageEvent]
	pumpCancel context.CancelFunc
	pumpDone   chan struct{}

	updates chan struct{}
}

// New creates a coordinator with no open chat.
func New(f *backend.Facade, identity Identity, logger *zap.Logger, opts Options) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		facade:   f,
		identity: identity,
		logger:   logger,
		opts:     opts.withDefaults(),
		tl:       newTimeline(),
		updates:  make(chan struct{}, 1),
	}
}

// OpenChat makes chatID the open chat. The previous chat's list, feed and
// pending reply are discarded first. The history result is applied only if
// no later OpenChat happened meanwhile; otherwise ErrSuperseded is returned
// and nothing is touched.
func (c *Coordinator) OpenChat(ctx context.Context, chatID string) error {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return apperr.Invalid("chat", "must not be empty")
	}

	c.openMu.Lock()
	c.mu.Lock()
	c.epoch++
	epoch := c.epoch
	c.chatID = chatID
	c.tl.reset()
	c.state = LoadLoading
	c.loadErr = nil
	c.replyTo = ""
	c.generation = 0
	c.mu.Unlock()
	c.notify()

	c.retireFeed()

	feed, err := c.facade.SubscribeMessages(ctx, chatID)
	if err != nil {
		c.openMu.Unlock()
		err = apperr.Backend("subscribe to chat", err)
		c.fail(epoch, err)
		return err
	}
	pctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	stale := c.epoch != epoch
	if !stale {
		c.feed, c.pumpCancel, c.pumpDone = feed, cancel, done
	}
	c.mu.Unlock()
	if stale {
		c.openMu.Unlock()
		cancel()
		_ = feed.Close()
		return ErrSuperseded
	}
	go c.pump(pctx, feed, epoch, chatID, done)
	c.openMu.Unlock()

	c.logger.Debug("chat opened", zap.String("chat_id", chatID), zap.Uint64("epoch", epoch))

	msgs, err := c.fetchHead(ctx, chatID)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		c.logger.Debug("discarding stale history", zap.String("chat_id", chatID), zap.Uint64("epoch", epoch))
		return ErrSuperseded
	}
	if err != nil {
		c.state = LoadFailed
		c.loadErr = err
		c.mu.Unlock()
		c.logger.Warn("history load failed", zap.String("chat_id", chatID), zap.Error(err))
		c.notify()
		return err
	}
	c.tl.merge(msgs, false)
	c.state = LoadLoaded
	c.mu.Unlock()
	c.notify()
	return nil
}

// Reload fetches the open chat's head again and merges it. It also recovers
// from a failed load.
func (c *Coordinator) Reload(ctx context.Context) error {
	c.mu.Lock()
	epoch, chatID := c.epoch, c.chatID
	c.mu.Unlock()
	if chatID == "" {
		return apperr.Invalid("chat", "no chat is open")
	}
	return c.refetch(ctx, epoch, chatID)
}

// Close retires the open chat and its feed.
func (c *Coordinator) Close() {
	c.openMu.Lock()
	defer c.openMu.Unlock()
	c.mu.Lock()
	c.epoch++
	c.chatID = ""
	c.tl.reset()
	c.state = LoadIdle
	c.loadErr = nil
	c.replyTo = ""
	c.mu.Unlock()
	c.retireFeed()
	c.notify()
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := View{
		ChatID:     c.chatID,
		Messages:   c.tl.snapshot(),
		State:      c.state,
		Err:        c.loadErr,
		Generation: c.generation,
	}
	if m, ok := c.tl.get(c.replyTo); ok {
		v.ReplyTo = &m
	}
	return v
}

// OpenChatID returns the open chat id, or "".
func (c *Coordinator) OpenChatID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatID
}

// Updates signals every change to the view. Signals coalesce.
func (c *Coordinator) Updates() <-chan struct{} {
	return c.updates
}

// ReceiveInsert adds m to the open chat at its ordered position. Messages of
// other chats and ids already present are ignored.
func (c *Coordinator) ReceiveInsert(m model.Message) bool {
	return c.apply(0, m, true)
}

// ReceiveUpdate replaces the stored copy of m in place. Unknown ids are
// ignored.
func (c *Coordinator) ReceiveUpdate(m model.Message) bool {
	return c.apply(0, m, false)
}

// apply mutates the list if m belongs to the open chat and, when epoch is
// non-zero, that chat is still the one opened at epoch.
func (c *Coordinator) apply(epoch uint64, m model.Message, insert bool) bool {
	c.mu.Lock()
	if (epoch != 0 && epoch != c.epoch) || c.chatID == "" || m.ChatID != c.chatID {
		c.mu.Unlock()
		return false
	}
	var changed bool
	if insert {
		changed = c.tl.insert(m)
	} else {
		changed = c.tl.replace(m)
	}
	c.mu.Unlock()
	if changed {
		c.notify()
	}
	return changed
}

// pump applies live events of the chat opened at epoch until the feed closes.
func (c *Coordinator) pump(ctx context.Context, feed *backend.Feed[backend.MessageEvent], epoch uint64, chatID string, done chan struct{}) {
	defer close(done)
	seen := false
	var gen uint64
	for evt := range feed.Events() {
		resync := evt.Type == backend.EventResync || (seen && evt.Generation != gen)
		seen, gen = true, evt.Generation

		switch evt.Type {
		case backend.EventInsert:
			c.apply(epoch, evt.Message, true)
		case backend.EventUpdate:
			c.apply(epoch, evt.Message, false)
		}
		if !resync {
			continue
		}

		c.mu.Lock()
		if c.epoch == epoch {
			c.generation = gen
		}
		c.mu.Unlock()
		c.logger.Info("transport generation changed, refetching", zap.String("chat_id", chatID), zap.Uint64("generation", gen))
		if err := c.refetch(ctx, epoch, chatID); err != nil && !errors.Is(err, ErrSuperseded) && ctx.Err() == nil {
			c.logger.Warn("resync refetch failed", zap.String("chat_id", chatID), zap.Error(err))
		}
	}
}

// refetch merges the current head into the list, replacing stale copies.
func (c *Coordinator) refetch(ctx context.Context, epoch uint64, chatID string) error {
	msgs, err := c.fetchHead(ctx, chatID)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return ErrSuperseded
	}
	if err != nil {
		if c.state != LoadLoaded {
			c.state = LoadFailed
			c.loadErr = err
		}
		c.mu.Unlock()
		c.notify()
		return err
	}
	changed := c.tl.merge(msgs, true)
	recovered := c.state == LoadFailed
	if recovered {
		c.state = LoadLoaded
		c.loadErr = nil
	}
	c.mu.Unlock()
	if changed > 0 || recovered {
		c.notify()
	}
	return nil
}

// fetchHead loads the newest messages of chatID, oldest first, within
// FetchTimeout even if the backend ignores cancellation.
func (c *Coordinator) fetchHead(ctx context.Context, chatID string) ([]model.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()

	type result struct {
		msgs []model.Message
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		msgs, err := c.facade.RecentMessages(ctx, chatID, c.opts.FetchLimit)
		ch <- result{msgs, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &apperr.TimeoutError{Op: "load messages", After: c.opts.FetchTimeout, Err: r.err}
			}
			return nil, apperr.Backend("load messages", r.err)
		}
		return r.msgs, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &apperr.TimeoutError{Op: "load messages", After: c.opts.FetchTimeout, Err: ctx.Err()}
		}
		return nil, apperr.Backend("load messages", ctx.Err())
	}
}

func (c *Coordinator) fail(epoch uint64, err error) {
	c.mu.Lock()
	if c.epoch == epoch {
		c.state = LoadFailed
		c.loadErr = err
	}
	c.mu.Unlock()
	c.notify()
}

// retireFeed closes the live feed and waits for its pump. Callers hold openMu.
func (c *Coordinator) retireFeed() {
	c.mu.Lock()
	feed, cancel, done := c.feed, c.pumpCancel, c.pumpDone
	c.feed, c.pumpCancel, c.pumpDone = nil, nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := feed.Close(); err != nil {
		c.logger.Warn("failed to close message feed", zap.Error(err))
	}
	if done != nil {
		<-done
	}
}

func (c *Coordinator) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

func (c *Coordinator) userID() (string, error) {
	if c.identity == nil {
		return "", &apperr.AuthorizationError{Op: "use", Resource: "chat"}
	}
	uid := c.identity.UserID()
	if uid == "" {
		return "", &apperr.AuthorizationError{Op: "use", Resource: "chat"}
	}
	return uid, nil
}

// lookup returns a message from the open chat or, failing that, the backend.
func (c *Coordinator) lookup(ctx context.Context, op, messageID string) (model.Message, error) {
	c.mu.Lock()
	m, ok := c.tl.get(messageID)
	c.mu.Unlock()
	if ok {
		return m, nil
	}
	m, err := c.facade.GetMessage(ctx, messageID)
	if err != nil {
		return model.Message{}, apperr.Backend(op, err)
	}
	return m, nil
}

func messageResource(id string) string {
	return fmt.Sprintf("message %s", id)
}
