// Package session holds the signed-in identity and its profile.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/simplechat/internal/apperr"
	"github.com/matheus3301/simplechat/internal/backend"
	"github.com/matheus3301/simplechat/internal/model"
)

// MaxAvatarBytes bounds avatar uploads.
const MaxAvatarBytes = 5 << 20

var avatarExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
}

// reloadTimeout bounds the profile reads triggered by live events.
const reloadTimeout = 10 * time.Second

// State is the session of the local user. Profile is replaced only after
// a successful backend write.
type State struct {
	facade *backend.Facade
	logger *zap.Logger

	mu          sync.RWMutex
	identity    *model.Identity
	profile     *model.User
	profileFeed *backend.Feed[backend.EventType]
	unsubAuth   func()
	updates     chan struct{}
}

// New creates an empty session.
func New(f *backend.Facade, logger *zap.Logger) *State {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &State{
		facade:  f,
		logger:  logger,
		updates: make(chan struct{}, 1),
	}
}

// Init reads the backend session and, when signed in, loads the profile,
// creating it from the identity when missing. It also starts following
// sign-in and sign-out.
func (s *State) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.unsubAuth == nil {
		s.unsubAuth = s.facade.OnAuthChange(s.onAuthChange)
	}
	s.mu.Unlock()

	id, err := s.facade.Session(ctx)
	if err != nil {
		return apperr.Backend("get session", err)
	}
	if id == nil {
		s.clear()
		return nil
	}
	return s.adopt(ctx, id)
}

// Identity returns the signed-in identity, or nil.
func (s *State) Identity() *model.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return nil
	}
	id := *s.identity
	return &id
}

// UserID returns the signed-in user id, or "".
func (s *State) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return ""
	}
	return s.identity.UserID
}

// Profile returns the loaded profile, or nil.
func (s *State) Profile() *model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return nil
	}
	p := *s.profile
	return &p
}

// Updates signals identity or profile changes. Signals coalesce.
func (s *State) Updates() <-chan struct{} {
	return s.updates
}

// UpdateProfile writes patch and replaces the local profile with the stored
// row. On failure the local profile is left untouched.
func (s *State) UpdateProfile(ctx context.Context, patch model.ProfilePatch) (model.User, error) {
	uid := s.UserID()
	if uid == "" {
		return model.User{}, &apperr.AuthorizationError{Op: "update", Resource: "profile"}
	}
	patch = trimPatch(patch)
	if patch.Username != nil && *patch.Username == "" {
		return model.User{}, apperr.Invalid("username", "must not be empty")
	}
	if patch.Empty() {
		if p := s.Profile(); p != nil {
			return *p, nil
		}
	}

	u, err := s.facade.UpdateProfile(ctx, uid, patch)
	if err != nil {
		s.logger.Warn("profile update failed", zap.String("user_id", uid), zap.Error(err))
		return model.User{}, apperr.Backend("update profile", err)
	}

	s.mu.Lock()
	if s.identity != nil && s.identity.UserID == uid {
		s.profile = &u
	}
	s.mu.Unlock()
	s.notify()
	return u, nil
}

// UploadAvatar stores an image at avatars/<user id>/avatar.<ext> and points
// the profile at it.
func (s *State) UploadAvatar(ctx context.Context, filename string, data []byte) (model.User, error) {
	uid := s.UserID()
	if uid == "" {
		return model.User{}, &apperr.AuthorizationError{Op: "upload", Resource: "avatar"}
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !avatarExts[ext] {
		return model.User{}, apperr.Invalid("avatar", fmt.Sprintf("unsupported image type %q", ext))
	}
	if len(data) == 0 {
		return model.User{}, apperr.Invalid("avatar", "file is empty")
	}
	if len(data) > MaxAvatarBytes {
		return model.User{}, apperr.Invalid("avatar", "image must be at most 5 MiB")
	}

	url, err := s.facade.UploadAvatar(ctx, uid+"/avatar"+ext, data)
	if err != nil {
		return model.User{}, apperr.Backend("upload avatar", err)
	}
	return s.UpdateProfile(ctx, model.ProfilePatch{AvatarURL: &url})
}

// SignOut signs out of the backend and clears the session.
func (s *State) SignOut(ctx context.Context) error {
	if err := s.facade.SignOut(ctx); err != nil {
		return apperr.Backend("sign out", err)
	}
	s.clear()
	return nil
}

// Close stops following auth and profile changes.
func (s *State) Close() {
	s.mu.Lock()
	unsub := s.unsubAuth
	s.unsubAuth = nil
	feed := s.profileFeed
	s.profileFeed = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	_ = feed.Close()
}

func (s *State) onAuthChange(evt backend.AuthEvent) {
	switch evt.Type {
	case backend.SignedIn:
		if evt.Identity == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
		defer cancel()
		if err := s.adopt(ctx, evt.Identity); err != nil {
			s.logger.Error("failed to load profile after sign in", zap.Error(err))
		}
	case backend.SignedOut:
		s.clear()
	}
}

func (s *State) adopt(ctx context.Context, id *model.Identity) error {
	profile, err := s.loadOrCreateProfile(ctx, id)
	if err != nil {
		return err
	}

	feed, err := s.facade.SubscribeProfile(ctx, id.UserID)
	if err != nil {
		s.logger.Warn("profile live updates unavailable", zap.Error(err))
	}

	s.mu.Lock()
	old := s.profileFeed
	cp := *id
	s.identity = &cp
	s.profile = profile
	s.profileFeed = feed
	s.mu.Unlock()

	_ = old.Close()
	if feed != nil {
		go s.follow(feed, id.UserID)
	}
	s.logger.Info("session ready", zap.String("user_id", id.UserID))
	s.notify()
	return nil
}

func (s *State) loadOrCreateProfile(ctx context.Context, id *model.Identity) (*model.User, error) {
	p, err := s.facade.GetProfile(ctx, id.UserID)
	if err != nil {
		return nil, apperr.Backend("load profile", err)
	}
	if p != nil {
		return p, nil
	}

	s.logger.Info("no profile found, creating one", zap.String("user_id", id.UserID))
	u, err := s.facade.CreateProfile(ctx, *id, "", "")
	if errors.Is(err, backend.ErrConflict) {
		// Created concurrently by another client.
		p, err = s.facade.GetProfile(ctx, id.UserID)
		if err == nil && p == nil {
			err = fmt.Errorf("profile %s: %w", id.UserID, backend.ErrNotFound)
		}
		if err != nil {
			return nil, apperr.Backend("load profile", err)
		}
		return p, nil
	}
	if err != nil {
		return nil, apperr.Backend("create profile", err)
	}
	return &u, nil
}

// follow reloads the profile on every change until the feed closes.
func (s *State) follow(feed *backend.Feed[backend.EventType], uid string) {
	for range feed.Events() {
		ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
		p, err := s.facade.GetProfile(ctx, uid)
		cancel()
		if err != nil {
			s.logger.Warn("profile reload failed", zap.Error(err))
			continue
		}
		if p == nil {
			continue
		}
		s.mu.Lock()
		stale := s.identity == nil || s.identity.UserID != uid
		if !stale {
			s.profile = p
		}
		s.mu.Unlock()
		if !stale {
			s.notify()
		}
	}
}

func (s *State) clear() {
	s.mu.Lock()
	feed := s.profileFeed
	changed := s.identity != nil
	s.identity = nil
	s.profile = nil
	s.profileFeed = nil
	s.mu.Unlock()

	_ = feed.Close()
	if changed {
		s.notify()
	}
}

func (s *State) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func trimPatch(p model.ProfilePatch) model.ProfilePatch {
	trim := func(v *string) *string {
		if v == nil {
			return nil
		}
		t := strings.TrimSpace(*v)
		return &t
	}
	return model.ProfilePatch{
		Name:      trim(p.Name),
		Username:  trim(p.Username),
		Phone:     trim(p.Phone),
		AvatarURL: trim(p.AvatarURL),
	}
}
