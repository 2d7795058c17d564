package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/simplechat/internal/apperr"
	"github.com/matheus3301/simplechat/internal/backend"
	"github.com/matheus3301/simplechat/internal/backend/backendtest"
	"github.com/matheus3301/simplechat/internal/model"
)

func newState(t *testing.T, mem *backendtest.Memory) *State {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	s := New(backend.NewFacade(mem, logger), logger)
	t.Cleanup(s.Close)
	return s
}

func seedProfile(mem *backendtest.Memory, id, username, name string) {
	mem.Seed(backend.TableProfiles, backend.Row{
		"id":       id,
		"email":    username + "@example.com",
		"username": username,
		"name":     name,
	})
}

func ptr(s string) *string { return &s }

func TestInitSignedOut(t *testing.T) {
	s := newState(t, backendtest.NewMemory())
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.Identity() != nil || s.Profile() != nil {
		t.Errorf("identity = %v, profile = %v, want nil", s.Identity(), s.Profile())
	}
}

func TestInitLoadsExistingProfile(t *testing.T) {
	mem := backendtest.NewMemory()
	seedProfile(mem, "u1", "alice", "Alice")
	mem.SetSession(&model.Identity{UserID: "u1", Email: "alice@example.com"})

	s := newState(t, mem)
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	p := s.Profile()
	if p == nil || p.Name != "Alice" {
		t.Fatalf("profile = %+v, want Alice", p)
	}
	if mem.Calls("insert:"+backend.TableProfiles) != 0 {
		t.Error("existing profile was recreated")
	}
}

func TestInitCreatesMissingProfile(t *testing.T) {
	mem := backendtest.NewMemory()
	mem.SetSession(&model.Identity{UserID: "u9", Email: "carol@example.com"})

	s := newState(t, mem)
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	p := s.Profile()
	if p == nil {
		t.Fatal("no profile")
	}
	if p.Username != "carol" {
		t.Errorf("username = %q, want carol", p.Username)
	}
	if len(mem.Rows(backend.TableProfiles)) != 1 {
		t.Errorf("profiles = %d, want 1", len(mem.Rows(backend.TableProfiles)))
	}
}

func TestUpdateProfileReplacesOnSuccess(t *testing.T) {
	mem := backendtest.NewMemory()
	seedProfile(mem, "u1", "alice", "Alice")
	mem.SetSession(&model.Identity{UserID: "u1"})
	s := newState(t, mem)
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	drain(s)

	u, err := s.UpdateProfile(context.Background(), model.ProfilePatch{Name: ptr("  Alice B  ")})
	if err != nil {
		t.Fatal(err)
	}
	if u.Name != "Alice B" {
		t.Errorf("name = %q, want trimmed", u.Name)
	}
	if got := s.Profile().Name; got != "Alice B" {
		t.Errorf("local name = %q, want Alice B", got)
	}
	select {
	case <-s.Updates():
	default:
		t.Error("no update signal")
	}
}

func TestUpdateProfileFailureLeavesProfile(t *testing.T) {
	mem := backendtest.NewMemory()
	seedProfile(mem, "u1", "alice", "Alice")
	mem.SetSession(&model.Identity{UserID: "u1"})
	s := newState(t, mem)
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	mem.BeforeUpdate = func(string, backend.Filter, backend.Row) error {
		return backend.ErrUnavailable
	}
	_, err := s.UpdateProfile(context.Background(), model.ProfilePatch{Name: ptr("Mallory")})
	var be *apperr.BackendError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want BackendError", err)
	}
	if got := s.Profile().Name; got != "Alice" {
		t.Errorf("local name = %q, want unchanged Alice", got)
	}
}

func TestUpdateProfileValidation(t *testing.T) {
	mem := backendtest.NewMemory()
	s := newState(t, mem)
	_ = s.Init(context.Background())

	var ae *apperr.AuthorizationError
	if _, err := s.UpdateProfile(context.Background(), model.ProfilePatch{Name: ptr("x")}); !errors.As(err, &ae) {
		t.Errorf("signed out err = %v, want AuthorizationError", err)
	}

	seedProfile(mem, "u1", "alice", "Alice")
	mem.SetSession(&model.Identity{UserID: "u1"})
	var ve *apperr.ValidationError
	if _, err := s.UpdateProfile(context.Background(), model.ProfilePatch{Username: ptr("   ")}); !errors.As(err, &ve) {
		t.Errorf("blank username err = %v, want ValidationError", err)
	}
	if mem.Calls("update:"+backend.TableProfiles) != 0 {
		t.Error("invalid patch reached the backend")
	}
}

func TestUploadAvatar(t *testing.T) {
	mem := backendtest.NewMemory()
	seedProfile(mem, "u1", "alice", "Alice")
	mem.SetSession(&model.Identity{UserID: "u1"})
	s := newState(t, mem)
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	u, err := s.UploadAvatar(context.Background(), "me.PNG", []byte("png"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := mem.Uploaded(backend.AvatarBucket, "u1/avatar.png"); !ok {
		t.Error("avatar not stored at u1/avatar.png")
	}
	if u.AvatarURL != "mem://avatars/u1/avatar.png" {
		t.Errorf("avatar url = %q", u.AvatarURL)
	}

	tests := []struct {
		name string
		file string
		data []byte
	}{
		{"bad extension", "me.exe", []byte("x")},
		{"empty", "me.png", nil},
		{"too large", "me.png", make([]byte, MaxAvatarBytes+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ve *apperr.ValidationError
			if _, err := s.UploadAvatar(context.Background(), tt.file, tt.data); !errors.As(err, &ve) {
				t.Errorf("err = %v, want ValidationError", err)
			}
		})
	}
}

func TestFollowsAuthChanges(t *testing.T) {
	mem := backendtest.NewMemory()
	seedProfile(mem, "u1", "alice", "Alice")
	s := newState(t, mem)
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	mem.SetSession(&model.Identity{UserID: "u1"})
	if s.UserID() != "u1" || s.Profile() == nil {
		t.Fatalf("after sign in: user %q profile %v", s.UserID(), s.Profile())
	}

	if err := s.SignOut(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.Identity() != nil || s.Profile() != nil {
		t.Error("session not cleared after sign out")
	}
	if mem.Subscribers() != 0 {
		t.Errorf("subscribers = %d, want 0 after sign out", mem.Subscribers())
	}
}

func TestProfileChangesFromElsewhere(t *testing.T) {
	mem := backendtest.NewMemory()
	seedProfile(mem, "u1", "alice", "Alice")
	mem.SetSession(&model.Identity{UserID: "u1"})
	s := newState(t, mem)
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := mem.Update(context.Background(), backend.TableProfiles,
		backend.Where(backend.Eq("id", "u1")), backend.Row{"name": "Alice Remote"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Profile().Name == "Alice Remote" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("name = %q, want Alice Remote", s.Profile().Name)
}

func drain(s *State) {
	for {
		select {
		case <-s.Updates():
		default:
			return
		}
	}
}
