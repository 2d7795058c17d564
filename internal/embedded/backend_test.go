package embedded

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/simplechat/internal/backend"
	"github.com/matheus3301/simplechat/internal/blob"
	"github.com/matheus3301/simplechat/internal/bus"
	"github.com/matheus3301/simplechat/internal/model"
	"github.com/matheus3301/simplechat/internal/realtime"
	"github.com/matheus3301/simplechat/internal/store"
)

func testBackend(t *testing.T) *Backend {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "backend.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	logger := zap.NewNop()
	hub := realtime.NewHub(db, b, nil, logger, 10*time.Millisecond)
	if err := hub.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(hub.Stop)

	return New(db, hub, blob.New(filepath.Join(dir, "blobs")), b, logger)
}

func TestSignUpSignInAndEvents(t *testing.T) {
	e := testBackend(t)
	ctx := context.Background()

	var events []backend.AuthEvent
	unsub := e.OnAuthChange(func(evt backend.AuthEvent) { events = append(events, evt) })
	defer unsub()

	id, err := e.SignUp(ctx, "Alice@Example.com", "", "Alice")
	if err != nil {
		t.Fatal(err)
	}
	if id.Email != "alice@example.com" {
		t.Errorf("email = %q, want lowercased", id.Email)
	}
	if _, err := e.SignUp(ctx, "alice@example.com", "other", ""); !errors.Is(err, backend.ErrConflict) {
		t.Errorf("duplicate email err = %v, want ErrConflict", err)
	}

	if err := e.SignOut(ctx); err != nil {
		t.Fatal(err)
	}
	if s, _ := e.GetSession(ctx); s != nil {
		t.Errorf("session after sign out = %+v", s)
	}

	again, err := e.SignIn(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if again.UserID != id.UserID {
		t.Errorf("signed in as %s, want %s", again.UserID, id.UserID)
	}
	if _, err := e.SignIn(ctx, "nobody"); !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	want := []backend.AuthEventType{backend.SignedIn, backend.SignedOut, backend.SignedIn}
	if len(events) != len(want) {
		t.Fatalf("got %d auth events, want %d", len(events), len(want))
	}
	for i, w := range want {
		if events[i].Type != w {
			t.Errorf("events[%d] = %s, want %s", i, events[i].Type, w)
		}
	}
}

func TestConcurrentSignUpSameEmail(t *testing.T) {
	e := testBackend(t)
	ctx := context.Background()

	const n = 8
	errs := make(chan error, n)
	for i := range n {
		go func() {
			_, err := e.SignUp(ctx, "carol@example.com", fmt.Sprintf("carol%d", i), "")
			errs <- err
		}()
	}

	var ok, conflicts int
	for range n {
		err := <-errs
		switch {
		case err == nil:
			ok++
		case errors.Is(err, backend.ErrConflict):
			conflicts++
		default:
			t.Errorf("unexpected err = %v", err)
		}
	}
	if ok != 1 || conflicts != n-1 {
		t.Errorf("got %d sign ups and %d conflicts, want 1 and %d", ok, conflicts, n-1)
	}

	rows, err := e.db.Read(ctx, backend.Query{
		Table:  backend.TableProfiles,
		Filter: backend.Where(backend.Eq("email", "carol@example.com")),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Errorf("got %d profiles for the email, want 1", len(rows))
	}
}

func TestRestoreDoesNotNotify(t *testing.T) {
	e := testBackend(t)
	ctx := context.Background()

	id, err := e.SignUp(ctx, "bob@example.com", "bob", "")
	if err != nil {
		t.Fatal(err)
	}
	_ = e.SignOut(ctx)

	called := false
	defer e.OnAuthChange(func(backend.AuthEvent) { called = true })()

	if _, err := e.Restore(ctx, id.UserID); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("Restore notified listeners")
	}
	if s, _ := e.GetSession(ctx); s == nil || s.UserID != id.UserID {
		t.Errorf("session = %+v, want %s", s, id.UserID)
	}
	if _, err := e.Restore(ctx, "ghost"); !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMessagesFlowThroughChangeFeed(t *testing.T) {
	e := testBackend(t)
	ctx := context.Background()
	f := backend.NewFacade(e, nil)

	chat, err := f.CreateDirectChat(ctx, "Bob", "u1", "u2")
	if err != nil {
		t.Fatal(err)
	}

	feed, err := f.SubscribeMessages(ctx, chat.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer feed.Close()

	sent, err := f.InsertMessage(ctx, model.Message{ChatID: chat.ID, SenderID: "u1", Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.MarkMessageDeleted(ctx, sent.ID); err != nil {
		t.Fatal(err)
	}

	wantTypes := []backend.EventType{backend.EventInsert, backend.EventUpdate}
	for _, want := range wantTypes {
		select {
		case evt := <-feed.Events():
			if evt.Type != want || evt.Message.ID != sent.ID {
				t.Errorf("got %s of %s, want %s of %s", evt.Type, evt.Message.ID, want, sent.ID)
			}
			if want == backend.EventUpdate && evt.Message.Body != model.Tombstone {
				t.Errorf("update body = %q, want tombstone", evt.Message.Body)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}

func TestUploadWritesBlob(t *testing.T) {
	e := testBackend(t)
	url, err := e.Upload(context.Background(), backend.AvatarBucket, "u1/avatar.png", []byte{0x89, 'P', 'N', 'G'})
	if err != nil {
		t.Fatal(err)
	}
	if url == "" {
		t.Error("empty url")
	}
	data, err := e.blobs.Open(backend.AvatarBucket, "u1/avatar.png")
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 4 {
		t.Errorf("stored %d bytes, want 4", len(data))
	}
}
