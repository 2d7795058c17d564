package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/simplechat/internal/backend"
	"github.com/matheus3301/simplechat/internal/bus"
	"github.com/matheus3301/simplechat/internal/status"
)

// memLog is a ChangeSource whose polls can be made to fail.
type memLog struct {
	mu      sync.Mutex
	seq     int64
	changes []backend.Change
	at      map[int64]time.Time
	fail    error
}

func (l *memLog) add(table string, op backend.EventType, row backend.Row) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	if l.at == nil {
		l.at = make(map[int64]time.Time)
	}
	l.at[l.seq] = time.Now()
	l.changes = append(l.changes, backend.Change{Table: table, Type: op, Row: row, Seq: l.seq})
}

func (l *memLog) setFail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = err
}

func (l *memLog) seqs() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int64, 0, len(l.changes))
	for _, c := range l.changes {
		out = append(out, c.Seq)
	}
	return out
}

func (l *memLog) ChangesSince(ctx context.Context, after int64, limit int) ([]backend.Change, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return nil, l.fail
	}
	var out []backend.Change
	for _, c := range l.changes {
		if c.Seq > after && len(out) < limit {
			out = append(out, c)
		}
	}
	return out, nil
}

func (l *memLog) LatestChangeSeq(ctx context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq, nil
}

func (l *memLog) PruneChanges(ctx context.Context, before time.Time, upTo int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.changes[:0]
	var n int64
	for _, c := range l.changes {
		if c.Seq <= upTo && l.at[c.Seq].Before(before) {
			n++
			continue
		}
		kept = append(kept, c)
	}
	l.changes = kept
	return n, nil
}

func startHub(t *testing.T, log *memLog) (*Hub, *bus.Bus) {
	t.Helper()
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	h := NewHub(log, b, status.NewMachine(b), logger, 10*time.Millisecond)
	if err := h.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Stop)
	return h, b
}

func next(t *testing.T, sub backend.Subscription) backend.Change {
	t.Helper()
	select {
	case c, ok := <-sub.Changes():
		if !ok {
			t.Fatal("subscription closed")
		}
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for change")
	}
	return backend.Change{}
}

func TestSubscriptionReceivesScopedChanges(t *testing.T) {
	log := &memLog{}
	log.add(backend.TableMessages, backend.EventInsert, backend.Row{"id": "old", "chat_id": "c1"})
	h, _ := startHub(t, log)

	sub, err := h.Subscribe(context.Background(), backend.Scope{
		Table:  backend.TableMessages,
		Events: []backend.EventType{backend.EventInsert, backend.EventUpdate},
		Filter: backend.Where(backend.Eq("chat_id", "c1")),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Unsubscribe(sub)

	log.add(backend.TableMessages, backend.EventInsert, backend.Row{"id": "m1", "chat_id": "c2"})
	log.add(backend.TableChats, backend.EventUpdate, backend.Row{"id": "c1"})
	log.add(backend.TableMessages, backend.EventInsert, backend.Row{"id": "m2", "chat_id": "c1"})

	c := next(t, sub)
	if c.Row["id"] != "m2" {
		t.Errorf("got %v, want m2 (changes before Start and outside scope are skipped)", c.Row["id"])
	}
}

func TestFailedPollReconnectsAndResyncs(t *testing.T) {
	log := &memLog{}
	h, _ := startHub(t, log)

	sub, err := h.Subscribe(context.Background(), backend.Scope{Table: backend.TableMessages})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Unsubscribe(sub)

	log.setFail(errors.New("disk I/O error"))
	waitState(t, h, status.Reconnecting)
	log.setFail(nil)
	waitState(t, h, status.Live)

	c := next(t, sub)
	if c.Type != backend.EventResync {
		t.Fatalf("got %s, want resync", c.Type)
	}
	if c.Generation != 1 || h.Generation() != 1 {
		t.Errorf("generation = %d (hub %d), want 1", c.Generation, h.Generation())
	}

	log.add(backend.TableMessages, backend.EventInsert, backend.Row{"id": "m1"})
	c = next(t, sub)
	if c.Type != backend.EventInsert || c.Generation != 1 {
		t.Errorf("got %s gen %d, want insert gen 1", c.Type, c.Generation)
	}
}

func TestReconnectNotifiesEverySubscription(t *testing.T) {
	h, _ := startHub(t, &memLog{})

	a, _ := h.Subscribe(context.Background(), backend.Scope{Table: backend.TableMessages})
	z, _ := h.Subscribe(context.Background(), backend.Scope{Table: backend.TableChats})
	defer h.Unsubscribe(a)
	defer h.Unsubscribe(z)

	h.Reconnect()

	for _, sub := range []backend.Subscription{a, z} {
		if c := next(t, sub); c.Type != backend.EventResync {
			t.Errorf("got %s, want resync", c.Type)
		}
	}
}

func TestUnsubscribeClosesChanges(t *testing.T) {
	h, _ := startHub(t, &memLog{})

	sub, err := h.Subscribe(context.Background(), backend.Scope{Table: backend.TableMessages})
	if err != nil {
		t.Fatal(err)
	}
	if h.Subscribers() != 1 {
		t.Fatalf("subscribers = %d, want 1", h.Subscribers())
	}
	if err := h.Unsubscribe(sub); err != nil {
		t.Fatal(err)
	}
	if err := h.Unsubscribe(sub); err != nil {
		t.Fatalf("second Unsubscribe() = %v", err)
	}
	if h.Subscribers() != 0 {
		t.Errorf("subscribers = %d, want 0", h.Subscribers())
	}
	select {
	case _, ok := <-sub.Changes():
		if ok {
			t.Error("received change after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("changes channel not closed")
	}
}

func TestSubscribeRequiresTable(t *testing.T) {
	h := NewHub(&memLog{}, bus.New(), nil, nil, 0)
	if _, err := h.Subscribe(context.Background(), backend.Scope{}); !errors.Is(err, backend.ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestStopAndRestart(t *testing.T) {
	log := &memLog{}
	b := bus.New()
	h := NewHub(log, b, nil, nil, 10*time.Millisecond)
	if err := h.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.Stop()
	h.Stop()
	if h.State() != status.Closed {
		t.Fatalf("state = %s, want CLOSED", h.State())
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer h.Stop()
	if h.State() != status.Live {
		t.Errorf("state = %s, want LIVE", h.State())
	}
}

func waitState(t *testing.T, h *Hub, want status.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", h.State(), want)
}

func TestPruneStopsAtCursor(t *testing.T) {
	log := &memLog{}
	log.add(backend.TableMessages, backend.EventInsert, backend.Row{"id": "m1"})
	log.add(backend.TableMessages, backend.EventInsert, backend.Row{"id": "m2"})
	time.Sleep(5 * time.Millisecond)

	b := bus.New()
	h := NewHub(log, b, status.NewMachine(b), zap.NewNop(), time.Hour)
	h.SetRetention(time.Millisecond)
	if err := h.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Stop)

	// Not yet polled: past the cursor, so kept however old it gets.
	log.add(backend.TableMessages, backend.EventInsert, backend.Row{"id": "m3"})

	deadline := time.Now().Add(2 * time.Second)
	for len(log.seqs()) != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := log.seqs(); len(got) != 1 || got[0] != 3 {
		t.Fatalf("remaining seqs = %v, want [3]", got)
	}
}

func TestPruneHonorsRetention(t *testing.T) {
	log := &memLog{}
	log.add(backend.TableMessages, backend.EventInsert, backend.Row{"id": "m1"})
	h := NewHub(log, bus.New(), nil, nil, 0)
	h.cursor = 1

	h.prune(context.Background())
	if got := log.seqs(); len(got) != 1 {
		t.Errorf("recent change pruned: %v", got)
	}

	h.SetRetention(0)
	time.Sleep(2 * time.Millisecond)
	h.prune(context.Background())
	if got := log.seqs(); len(got) != 1 {
		t.Errorf("pruned with retention disabled: %v", got)
	}
}
