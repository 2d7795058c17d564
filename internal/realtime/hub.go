// Package realtime tails the store's change log and fans row changes out to
// scoped subscriptions over the event bus.
package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/simplechat/internal/backend"
	"github.com/matheus3301/simplechat/internal/bus"
	"github.com/matheus3301/simplechat/internal/status"
)

// DefaultPollInterval is how often the change log is polled.
const DefaultPollInterval = 200 * time.Millisecond

// DefaultRetention is how long delivered changes are kept.
const DefaultRetention = 24 * time.Hour

const (
	batchSize     = 500
	pruneInterval = 10 * time.Minute
)

// ChangeSource is the change log the hub tails.
type ChangeSource interface {
	ChangesSince(ctx context.Context, after int64, limit int) ([]backend.Change, error)
	LatestChangeSeq(ctx context.Context) (int64, error)
	PruneChanges(ctx context.Context, before time.Time, upTo int64) (int64, error)
}

// Hub polls a ChangeSource and publishes each change as a "row.<table>.<op>"
// bus event. A failed poll moves the transport to Reconnecting; the next
// successful poll returns it to Live and bumps the generation.
type Hub struct {
	src      ChangeSource
	bus      *bus.Bus
	machine  *status.Machine
	logger   *zap.Logger
	interval time.Duration

	mu         sync.Mutex
	retention  time.Duration
	pruneEvery time.Duration
	cursor     int64
	gen        uint64
	subs       map[string]*subscription
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a hub. A zero interval uses DefaultPollInterval.
func NewHub(src ChangeSource, b *bus.Bus, machine *status.Machine, logger *zap.Logger, interval time.Duration) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if machine == nil {
		machine = status.NewMachine(b)
	}
	return &Hub{
		src:      src,
		bus:      b,
		machine:  machine,
		logger:   logger,
		interval:   interval,
		retention:  DefaultRetention,
		pruneEvery: pruneInterval,
		subs:       make(map[string]*subscription),
	}
}

// SetRetention sets how long delivered changes are kept before pruning. Zero
// or less keeps them forever.
func (h *Hub) SetRetention(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.retention = d
}

// Start positions the cursor at the end of the change log and begins polling.
// Only changes recorded after Start are delivered.
func (h *Hub) Start(ctx context.Context) error {
	if err := h.machine.Transition(status.Connecting); err != nil {
		return err
	}
	seq, err := h.src.LatestChangeSeq(ctx)
	if err != nil {
		_ = h.machine.Transition(status.Closed)
		return fmt.Errorf("read change log head: %w", err)
	}

	h.mu.Lock()
	h.cursor = seq
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	done := h.done
	h.mu.Unlock()

	if err := h.machine.Transition(status.Live); err != nil {
		return err
	}
	h.logger.Info("change feed live", zap.Int64("cursor", seq), zap.Duration("interval", h.interval))

	go h.loop(ctx, done)
	return nil
}

// Stop stops polling and waits for the loop to exit.
func (h *Hub) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel = nil
	h.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	_ = h.machine.Transition(status.Closed)
}

// State returns the transport state.
func (h *Hub) State() status.State {
	return h.machine.Current()
}

// Generation returns the transport generation.
func (h *Hub) Generation() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gen
}

// Reconnect bumps the generation and tells every subscription it may have
// missed changes.
func (h *Hub) Reconnect() {
	h.mu.Lock()
	h.gen++
	gen := h.gen
	h.mu.Unlock()

	h.logger.Info("change feed resync", zap.Uint64("generation", gen))
	h.bus.Publish(bus.Event{Kind: bus.KindTransportResync, Payload: gen})
}

func (h *Hub) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	h.mu.Lock()
	pruneEvery := h.pruneEvery
	h.mu.Unlock()

	h.prune(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	pruneTicker := time.NewTicker(pruneEvery)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ticker.C:
			h.poll(ctx)
		case <-pruneTicker.C:
			h.prune(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// prune drops changes older than the retention window. Changes after the
// cursor are kept regardless of age.
func (h *Hub) prune(ctx context.Context) {
	h.mu.Lock()
	cursor, retention := h.cursor, h.retention
	h.mu.Unlock()
	if retention <= 0 || cursor == 0 {
		return
	}

	n, err := h.src.PruneChanges(ctx, time.Now().Add(-retention), cursor)
	if err != nil {
		if ctx.Err() == nil {
			h.logger.Warn("change log prune failed", zap.Error(err))
		}
		return
	}
	if n > 0 {
		h.logger.Info("change log pruned", zap.Int64("removed", n), zap.Int64("cursor", cursor))
	}
}

// poll drains every change after the cursor.
func (h *Hub) poll(ctx context.Context) {
	for {
		h.mu.Lock()
		cursor := h.cursor
		h.mu.Unlock()

		changes, err := h.src.ChangesSince(ctx, cursor, batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if h.machine.Current() == status.Live {
				h.logger.Warn("change feed poll failed", zap.Error(err))
				_ = h.machine.Transition(status.Reconnecting)
			}
			return
		}
		if h.machine.Current() == status.Reconnecting {
			if err := h.machine.Transition(status.Live); err == nil {
				h.Reconnect()
			}
		}

		for _, c := range changes {
			h.bus.Publish(bus.Event{Kind: bus.RowKind(c.Table, string(c.Type)), Payload: c})
		}
		if len(changes) > 0 {
			h.mu.Lock()
			h.cursor = changes[len(changes)-1].Seq
			h.mu.Unlock()
		}
		if len(changes) < batchSize {
			return
		}
	}
}

// Subscribe opens a subscription delivering changes inside scope. Its
// Changes channel is closed by Unsubscribe.
func (h *Hub) Subscribe(ctx context.Context, scope backend.Scope) (backend.Subscription, error) {
	if scope.Table == "" {
		return nil, fmt.Errorf("subscribe without table: %w", backend.ErrInvalid)
	}

	h.mu.Lock()
	s := &subscription{
		id:      uuid.NewString(),
		scope:   scope,
		ch:      make(chan backend.Change, 64),
		rows:    h.bus.Subscribe("row."+scope.Table+".", 256),
		resync:  h.bus.Subscribe(bus.KindTransportResync, 8),
		gen:     h.gen,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  h.logger,
	}
	h.subs[s.id] = s
	h.mu.Unlock()

	go s.run()
	return s, nil
}

// Unsubscribe retires a subscription. Unknown subscriptions are ignored.
func (h *Hub) Unsubscribe(sub backend.Subscription) error {
	if sub == nil {
		return nil
	}
	h.mu.Lock()
	s, ok := h.subs[sub.ID()]
	delete(h.subs, sub.ID())
	h.mu.Unlock()
	if !ok {
		return nil
	}
	s.stop()
	return nil
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
